package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// LoadCredentials reads a JSON credentials file of the shape
// {"appKey":"...","token":"..."}.
func LoadCredentials(path string) (Credentials, error) {
	var creds Credentials
	b, err := os.ReadFile(path)
	if err != nil {
		return creds, fmt.Errorf("read credentials file: %w", err)
	}
	if err := json.Unmarshal(b, &creds); err != nil {
		return creds, fmt.Errorf("parse credentials file %q: %w", path, err)
	}
	if creds.AppKey == "" {
		return creds, fmt.Errorf("credentials file %q: missing appKey", path)
	}
	return creds, nil
}

// WatchCredentials watches a credentials file and invokes onChange with the
// freshly parsed contents each time it is rewritten. The watch is placed on
// the parent directory because editors and secret managers typically replace
// the file rather than writing it in place. Unparseable intermediate states
// are logged and skipped. Returns once ctx is done.
func WatchCredentials(ctx context.Context, path string, log *slog.Logger, onChange func(Credentials)) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve credentials path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %q: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			creds, err := LoadCredentials(abs)
			if err != nil {
				log.WarnContext(ctx, "credentials.reload.fail", slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "credentials.reload.ok")
			onChange(creds)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "credentials.watch.err", slog.String("err", err.Error()))
		}
	}
}
