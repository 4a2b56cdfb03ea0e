// Package logctx enriches slog records with request, session, and project
// context carried on the context.Context, so handlers don't thread logging
// attributes through every call.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("identity", sd.Identity),
		))
	}

	if pd, ok := ctx.Value(projectDataKey{}).(*ProjectData); ok {
		r.AddAttrs(slog.Group("project",
			slog.String("id", pd.ProjectID),
			slog.String("job_id", pd.JobID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	Identity  string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type projectDataKey struct{}

type ProjectData struct {
	ProjectID string
	JobID     string
}

func WithProjectData(ctx context.Context, data *ProjectData) context.Context {
	return context.WithValue(ctx, projectDataKey{}, data)
}
