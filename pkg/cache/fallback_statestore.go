package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FallbackStateStore fronts a shared primary store with a process-local one.
// Writes go to both, so when the primary becomes unreachable reads degrade to
// state that is at most one poll interval old. Reads prefer the primary; a
// primary miss is authoritative, any other primary error falls through.
//
// primary may be nil, in which case every operation is served locally.
type FallbackStateStore struct {
	primary  StateStore
	fallback StateStore
	logger   zerolog.Logger
	degraded atomic.Bool
}

// NewFallbackStateStore wires primary in front of fallback.
func NewFallbackStateStore(primary StateStore, fallback StateStore, logger zerolog.Logger) *FallbackStateStore {
	return &FallbackStateStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With().Str("component", "FallbackStateStore").Logger(),
	}
}

// Get reads from the primary, or from the fallback when the primary fails.
func (s *FallbackStateStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.primary != nil {
		value, err := s.primary.Get(ctx, key)
		if err == nil || errors.Is(err, ErrNotFound) {
			s.markHealthy()
			return value, err
		}
		s.markDegraded("get", err)
	}
	return s.fallback.Get(ctx, key)
}

// SetWithTTL writes to both stores. It only fails when the fallback does.
func (s *FallbackStateStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	fallbackErr := s.fallback.SetWithTTL(ctx, key, value, ttl)
	if s.primary == nil {
		return fallbackErr
	}
	if err := s.primary.SetWithTTL(ctx, key, value, ttl); err != nil {
		s.markDegraded("set", err)
		return fallbackErr
	}
	s.markHealthy()
	return fallbackErr
}

// Keys enumerates the primary, or the fallback when the primary fails.
func (s *FallbackStateStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.primary != nil {
		keys, err := s.primary.Keys(ctx, prefix)
		if err == nil {
			s.markHealthy()
			return keys, nil
		}
		s.markDegraded("keys", err)
	}
	return s.fallback.Keys(ctx, prefix)
}

// Delete removes key from both stores.
func (s *FallbackStateStore) Delete(ctx context.Context, key string) error {
	err := s.fallback.Delete(ctx, key)
	if s.primary != nil {
		if primaryErr := s.primary.Delete(ctx, key); primaryErr != nil {
			s.markDegraded("delete", primaryErr)
		}
	}
	return err
}

// Degraded reports whether the last primary operation failed.
func (s *FallbackStateStore) Degraded() bool {
	return s.primary == nil || s.degraded.Load()
}

// Close closes both stores.
func (s *FallbackStateStore) Close() error {
	var errs []error
	if s.primary != nil {
		errs = append(errs, s.primary.Close())
	}
	errs = append(errs, s.fallback.Close())
	return errors.Join(errs...)
}

func (s *FallbackStateStore) markDegraded(op string, err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn().Err(err).Str("op", op).Msg("Primary state store failing, serving from in-process store.")
		return
	}
	s.logger.Debug().Err(err).Str("op", op).Msg("Primary state store still failing.")
}

func (s *FallbackStateStore) markHealthy() {
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info().Msg("Primary state store recovered.")
	}
}
