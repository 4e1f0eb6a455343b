package registry_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/illmade-knight/go-nowplaying/pkg/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id     string
	closed atomic.Bool
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Send(ctx context.Context, event string, data []byte) error {
	if h.closed.Load() {
		return registry.ErrConnectionClosed
	}
	return nil
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func TestRegistry(t *testing.T) {
	t.Run("Register, Lookup and Unregister cycle", func(t *testing.T) {
		r := registry.New(zerolog.Nop())
		h := &fakeHandle{id: "c1"}

		// Act
		replaced := r.Register("u1", h)

		// Assert
		assert.Nil(t, replaced)
		got, ok := r.Lookup("u1")
		require.True(t, ok)
		assert.Equal(t, "c1", got.ID())
		assert.Equal(t, 1, r.Len())

		r.Unregister("u1")
		_, ok = r.Lookup("u1")
		assert.False(t, ok)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("Unregister of unknown user is a no-op", func(t *testing.T) {
		r := registry.New(zerolog.Nop())
		r.Unregister("ghost")
		r.Unregister("ghost")
		assert.Equal(t, 0, r.Len())
	})

	t.Run("a second registration replaces the first", func(t *testing.T) {
		r := registry.New(zerolog.Nop())
		first := &fakeHandle{id: "c1"}
		second := &fakeHandle{id: "c2"}

		r.Register("u1", first)
		replaced := r.Register("u1", second)

		require.NotNil(t, replaced)
		assert.Equal(t, "c1", replaced.ID())
		got, _ := r.Lookup("u1")
		assert.Equal(t, "c2", got.ID())
		assert.Equal(t, 1, r.Len())
	})

	t.Run("Release by a replaced handle keeps the newer one", func(t *testing.T) {
		r := registry.New(zerolog.Nop())
		first := &fakeHandle{id: "c1"}
		second := &fakeHandle{id: "c2"}
		r.Register("u1", first)
		r.Register("u1", second)

		assert.False(t, r.Release("u1", first))
		got, ok := r.Lookup("u1")
		require.True(t, ok)
		assert.Equal(t, "c2", got.ID())

		assert.True(t, r.Release("u1", second))
		_, ok = r.Lookup("u1")
		assert.False(t, ok)
	})

	t.Run("Users is sorted", func(t *testing.T) {
		r := registry.New(zerolog.Nop())
		r.Register("b", &fakeHandle{id: "2"})
		r.Register("a", &fakeHandle{id: "1"})
		assert.Equal(t, []string{"a", "b"}, r.Users())
	})

	t.Run("CloseAll closes and empties", func(t *testing.T) {
		r := registry.New(zerolog.Nop())
		h1 := &fakeHandle{id: "1"}
		h2 := &fakeHandle{id: "2"}
		r.Register("a", h1)
		r.Register("b", h2)

		r.CloseAll()

		assert.Equal(t, 0, r.Len())
		assert.True(t, h1.closed.Load())
		assert.True(t, h2.closed.Load())
	})

	t.Run("concurrent use is safe", func(t *testing.T) {
		r := registry.New(zerolog.Nop())
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("u%d", i%10)
				h := &fakeHandle{id: fmt.Sprintf("c%d", i)}
				r.Register(id, h)
				_, _ = r.Lookup(id)
				_ = r.Users()
				r.Release(id, h)
			}(i)
		}
		wg.Wait()
		assert.LessOrEqual(t, r.Len(), 10)
	})
}
