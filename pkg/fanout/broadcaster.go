// Package fanout delivers presence snapshots to the connected friends of the
// user they describe, and replays cached snapshots to newly connected clients.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-nowplaying/pkg/presence"
	"github.com/illmade-knight/go-nowplaying/pkg/registry"
	"github.com/rs/zerolog"
)

const defaultSendTimeout = 2 * time.Second

// FriendSource resolves the accepted friends of a user.
type FriendSource interface {
	FriendsOf(ctx context.Context, userID string) ([]string, error)
}

// Directory finds the live connection for a user.
type Directory interface {
	Lookup(userID string) (registry.Handle, bool)
}

// BroadcasterConfig tunes delivery.
type BroadcasterConfig struct {
	// SendTimeout bounds a single delivery to one connection.
	SendTimeout time.Duration
}

// Broadcaster pushes one snapshot to every connected recipient entitled to it.
type Broadcaster struct {
	friends     FriendSource
	conns       Directory
	sendTimeout time.Duration
	logger      zerolog.Logger
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(friends FriendSource, conns Directory, cfg BroadcasterConfig, logger zerolog.Logger) *Broadcaster {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Broadcaster{
		friends:     friends,
		conns:       conns,
		sendTimeout: timeout,
		logger:      logger.With().Str("component", "Broadcaster").Logger(),
	}
}

// Broadcast delivers snap to the connected members of originID's friends plus
// originID itself, and returns how many deliveries succeeded. Recipients
// without a live connection are skipped; delivery errors are logged and
// otherwise ignored.
func (b *Broadcaster) Broadcast(ctx context.Context, originID string, snap presence.Snapshot) int {
	payload, err := presence.Encode(snap)
	if err != nil {
		b.logger.Error().Err(err).Str("origin", originID).Msg("Failed to encode snapshot for broadcast.")
		return 0
	}

	recipients := RecipientsOf(ctx, b.friends, originID, b.logger)

	var delivered atomic.Int32
	var wg sync.WaitGroup
	for _, userID := range recipients {
		h, ok := b.conns.Lookup(userID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(userID string, h registry.Handle) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
			defer cancel()
			if err := h.Send(sendCtx, presence.UpdateEvent, payload); err != nil {
				b.logger.Debug().Err(err).Str("recipient", userID).Str("origin", originID).Msg("Dropped update for stale connection.")
				return
			}
			delivered.Add(1)
		}(userID, h)
	}
	wg.Wait()

	n := int(delivered.Load())
	b.logger.Debug().Str("origin", originID).Int("recipients", len(recipients)).Int("delivered", n).Msg("Broadcast complete.")
	return n
}

// RecipientsOf returns the deduplicated set friendsOf(userID) ∪ {userID}, with
// userID first. A failed friend lookup degrades to userID alone.
func RecipientsOf(ctx context.Context, friends FriendSource, userID string, logger zerolog.Logger) []string {
	recipients := []string{userID}
	if friends == nil {
		return recipients
	}
	ids, err := friends.FriendsOf(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("Friend lookup failed, delivering to self only.")
		return recipients
	}
	seen := map[string]struct{}{userID: {}}
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}
	return recipients
}
