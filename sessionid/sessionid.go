// Package sessionid derives a durable browser session identity from inbound
// requests: cookie-or-create, independent of everything else the gateway
// does with the session.
package sessionid

import (
	"net/http"

	"github.com/google/uuid"
)

// DefaultCookieName carries the session token between requests.
const DefaultCookieName = "gw_session"

// Resolver issues and recognizes session tokens.
type Resolver struct {
	// CookieName overrides DefaultCookieName when non-empty.
	CookieName string
}

func (rs *Resolver) cookieName() string {
	if rs != nil && rs.CookieName != "" {
		return rs.CookieName
	}
	return DefaultCookieName
}

// Resolve returns the request's session id, minting one and attaching it to
// the response when absent. It always succeeds; created reports whether a
// new token was issued. The cookie carries no Max-Age: the session lives as
// long as the client retains it and is never explicitly destroyed
// server-side.
func (rs *Resolver) Resolve(w http.ResponseWriter, r *http.Request) (id string, created bool) {
	name := rs.cookieName()
	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		return c.Value, false
	}

	id = uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id, true
}
