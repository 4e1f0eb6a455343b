package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-nowplaying/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStateStore lets a test replace any StateStore method.
type mockStateStore struct {
	GetFunc        func(ctx context.Context, key string) ([]byte, error)
	SetWithTTLFunc func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	KeysFunc       func(ctx context.Context, prefix string) ([]string, error)
	DeleteFunc     func(ctx context.Context, key string) error
	closed         bool
}

func (m *mockStateStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return nil, cache.ErrNotFound
}

func (m *mockStateStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if m.SetWithTTLFunc != nil {
		return m.SetWithTTLFunc(ctx, key, value, ttl)
	}
	return nil
}

func (m *mockStateStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if m.KeysFunc != nil {
		return m.KeysFunc(ctx, prefix)
	}
	return nil, nil
}

func (m *mockStateStore) Delete(ctx context.Context, key string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	return nil
}

func (m *mockStateStore) Close() error {
	m.closed = true
	return nil
}

func failingStore() *mockStateStore {
	errDown := errors.New("connection refused")
	return &mockStateStore{
		GetFunc: func(ctx context.Context, key string) ([]byte, error) { return nil, errDown },
		SetWithTTLFunc: func(ctx context.Context, key string, value []byte, ttl time.Duration) error {
			return errDown
		},
		KeysFunc:   func(ctx context.Context, prefix string) ([]string, error) { return nil, errDown },
		DeleteFunc: func(ctx context.Context, key string) error { return errDown },
	}
}

func TestFallbackStateStore(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy primary serves reads", func(t *testing.T) {
		primary, _ := newTestRedisStore(t)
		local := cache.NewInMemoryStateStore()
		s := cache.NewFallbackStateStore(primary, local, zerolog.Nop())

		require.NoError(t, s.SetWithTTL(ctx, "now_playing:1", []byte("a"), time.Minute))

		got, err := s.Get(ctx, "now_playing:1")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got)
		assert.False(t, s.Degraded())

		// The write also landed locally.
		local1, err := local.Get(ctx, "now_playing:1")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), local1)
	})

	t.Run("primary miss is authoritative", func(t *testing.T) {
		primary := &mockStateStore{}
		local := cache.NewInMemoryStateStore()
		require.NoError(t, local.SetWithTTL(ctx, "now_playing:1", []byte("stale"), time.Minute))
		s := cache.NewFallbackStateStore(primary, local, zerolog.Nop())

		_, err := s.Get(ctx, "now_playing:1")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("failing primary degrades to local state", func(t *testing.T) {
		local := cache.NewInMemoryStateStore()
		s := cache.NewFallbackStateStore(failingStore(), local, zerolog.Nop())

		// Act
		err := s.SetWithTTL(ctx, "now_playing:1", []byte("a"), time.Minute)

		// Assert
		require.NoError(t, err, "primary write failures are absorbed")
		assert.True(t, s.Degraded())

		got, err := s.Get(ctx, "now_playing:1")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got)

		keys, err := s.Keys(ctx, "now_playing:")
		require.NoError(t, err)
		assert.Equal(t, []string{"now_playing:1"}, keys)

		assert.NoError(t, s.Delete(ctx, "now_playing:1"))
	})

	t.Run("redis outage mid-run keeps last written state readable", func(t *testing.T) {
		primary, mr := newTestRedisStore(t)
		s := cache.NewFallbackStateStore(primary, cache.NewInMemoryStateStore(), zerolog.Nop())
		require.NoError(t, s.SetWithTTL(ctx, "now_playing:1", []byte("a"), time.Minute))

		mr.Close()

		got, err := s.Get(ctx, "now_playing:1")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got)
		assert.True(t, s.Degraded())
	})

	t.Run("recovery clears the degraded flag", func(t *testing.T) {
		down := true
		primary := &mockStateStore{
			GetFunc: func(ctx context.Context, key string) ([]byte, error) {
				if down {
					return nil, errors.New("timeout")
				}
				return []byte("a"), nil
			},
		}
		s := cache.NewFallbackStateStore(primary, cache.NewInMemoryStateStore(), zerolog.Nop())

		_, _ = s.Get(ctx, "now_playing:1")
		assert.True(t, s.Degraded())

		down = false
		_, err := s.Get(ctx, "now_playing:1")
		require.NoError(t, err)
		assert.False(t, s.Degraded())
	})

	t.Run("nil primary runs memory-only", func(t *testing.T) {
		s := cache.NewFallbackStateStore(nil, cache.NewInMemoryStateStore(), zerolog.Nop())
		require.NoError(t, s.SetWithTTL(ctx, "now_playing:1", []byte("a"), time.Minute))

		got, err := s.Get(ctx, "now_playing:1")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got)
		assert.True(t, s.Degraded())
		assert.NoError(t, s.Close())
	})

	t.Run("Close closes both stores", func(t *testing.T) {
		primary := &mockStateStore{}
		s := cache.NewFallbackStateStore(primary, cache.NewInMemoryStateStore(), zerolog.Nop())
		require.NoError(t, s.Close())
		assert.True(t, primary.closed)
	})
}
