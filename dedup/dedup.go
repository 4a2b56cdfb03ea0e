// Package dedup defines a small idempotency cache used to downgrade
// at-least-once signals to at-most-once processing. The gateway uses it to
// collapse duplicate disconnect signals, which routinely arrive twice within
// milliseconds through independent delivery mechanisms (a POST and an
// unload-beacon GET).
package dedup

import "context"

// Cache is a short-TTL idempotency cache. Implementations must be safe for
// concurrent use.
type Cache interface {
	// ShouldProcess inserts key with a short expiry if absent and returns
	// true. It returns false when the key is already present, meaning the
	// signal is a duplicate inside the window and should be ignored.
	ShouldProcess(ctx context.Context, key string) (bool, error)
}
