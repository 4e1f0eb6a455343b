package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/illmade-knight/go-nowplaying/pkg/cache"
	"github.com/illmade-knight/go-nowplaying/pkg/presence"
	"github.com/illmade-knight/go-nowplaying/pkg/registry"
	"github.com/rs/zerolog"
)

// SessionConfig tunes the connect/resume path.
type SessionConfig struct {
	KeyPrefix   string
	SendTimeout time.Duration
}

// Session handles connection lifecycle events: it registers new connections
// and replays the cached now-playing state of their friends.
type Session struct {
	registry    *registry.Registry
	friends     FriendSource
	store       cache.StateStore
	keyPrefix   string
	sendTimeout time.Duration
	logger      zerolog.Logger
}

// NewSession creates a Session.
func NewSession(reg *registry.Registry, friends FriendSource, store cache.StateStore, cfg SessionConfig, logger zerolog.Logger) *Session {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = presence.DefaultKeyPrefix
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Session{
		registry:    reg,
		friends:     friends,
		store:       store,
		keyPrefix:   prefix,
		sendTimeout: timeout,
		logger:      logger.With().Str("component", "Session").Logger(),
	}
}

// Connect registers h for userID and sends it every cached snapshot of a
// friend (or the user themself) that is currently playing. It returns the
// number of snapshots replayed. Enumeration races with the poller are
// tolerated: a key that disappears or holds garbage is skipped.
func (s *Session) Connect(ctx context.Context, userID string, h registry.Handle) int {
	s.registry.Register(userID, h)
	s.logger.Info().Str("user_id", userID).Str("handle", h.ID()).Msg("Client connected.")

	audience := make(map[string]struct{})
	for _, id := range RecipientsOf(ctx, s.friends, userID, s.logger) {
		audience[id] = struct{}{}
	}

	keys, err := s.store.Keys(ctx, s.keyPrefix)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to enumerate cached presence, skipping replay.")
		return 0
	}

	replayed := 0
	for _, key := range keys {
		friendID, ok := presence.UserIDFromKey(s.keyPrefix, key)
		if !ok {
			continue
		}
		if _, entitled := audience[friendID]; !entitled {
			continue
		}
		snap, ok := s.load(ctx, key)
		if !ok || !presence.IsPlaying(snap) {
			continue
		}
		payload, err := presence.Encode(snap)
		if err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("Failed to encode cached snapshot.")
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		err = h.Send(sendCtx, presence.UpdateEvent, payload)
		cancel()
		if err != nil {
			s.logger.Debug().Err(err).Str("user_id", userID).Msg("Replay aborted, connection gone.")
			return replayed
		}
		replayed++
	}
	s.logger.Debug().Str("user_id", userID).Int("replayed", replayed).Msg("Replay complete.")
	return replayed
}

// Disconnect removes h from the registry unless a newer connection for
// userID has already replaced it.
func (s *Session) Disconnect(userID string, h registry.Handle) {
	if s.registry.Release(userID, h) {
		s.logger.Info().Str("user_id", userID).Str("handle", h.ID()).Msg("Client disconnected.")
	}
}

func (s *Session) load(ctx context.Context, key string) (presence.Snapshot, bool) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to read cached snapshot.")
		}
		return nil, false
	}
	snap, err := presence.Decode(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Ignoring malformed cached snapshot.")
		return nil, false
	}
	return snap, true
}
