package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound reports a missing or expired key. Callers treat it as "no known
// state", never as a failure of the store.
var ErrNotFound = errors.New("key not found in state store")

// StateStore is key-value storage with a per-key expiry. Values are opaque,
// already serialized bytes.
type StateStore interface {
	// Get returns the value for key, or an error wrapping ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// SetWithTTL stores value for key; the entry disappears ttl after this write.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Keys lists the live keys that start with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	io.Closer
}
