// Package registry tracks which users currently hold a live connection to this
// process. It is the process-local answer to "who can receive a message right
// now" and is consulted by both the poller and the broadcaster.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ErrConnectionClosed is returned by Handle.Send once the connection is gone.
var ErrConnectionClosed = errors.New("connection closed")

// Handle is one live client connection. Send must not block for long; it is
// called from fanout goroutines with a bounded context.
type Handle interface {
	ID() string
	Send(ctx context.Context, event string, data []byte) error
	Close() error
}

// Registry maps a user id to at most one live Handle. A newer registration for
// the same user replaces the older one.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
	logger  zerolog.Logger
}

// New creates an empty Registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		handles: make(map[string]Handle),
		logger:  logger.With().Str("component", "Registry").Logger(),
	}
}

// Register stores h for userID, replacing any existing handle. The replaced
// handle is returned so the caller can decide whether to close it.
func (r *Registry) Register(userID string, h Handle) (replaced Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.handles[userID]
	r.handles[userID] = h
	if replaced != nil {
		r.logger.Debug().Str("user_id", userID).Str("replaced", replaced.ID()).Str("handle", h.ID()).Msg("Connection replaced.")
	}
	return replaced
}

// Unregister removes whatever handle userID has. Unknown ids are a no-op.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, userID)
}

// Release removes userID only while h is still the registered handle. A
// connection that was replaced calls this on its way out without evicting the
// newer one. It reports whether anything was removed.
func (r *Registry) Release(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.handles[userID]
	if !ok || current.ID() != h.ID() {
		return false
	}
	delete(r.handles, userID)
	return true
}

// Lookup returns the live handle for userID.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[userID]
	return h, ok
}

// Len is the number of connected users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Users returns the connected user ids in sorted order.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.handles))
	for id := range r.handles {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// CloseAll closes and removes every handle. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]Handle)
	r.mu.Unlock()

	for userID, h := range handles {
		if err := h.Close(); err != nil {
			r.logger.Debug().Err(err).Str("user_id", userID).Msg("Error closing connection during drain.")
		}
	}
	r.logger.Info().Int("connections", len(handles)).Msg("Registry drained.")
}
