package fanout

import (
	"context"
	"time"

	"github.com/illmade-knight/go-nowplaying/pkg/cache"
)

// CachedFriends fronts a FriendSource with a small LRU so a burst of
// broadcasts for one user costs one database round trip.
type CachedFriends struct {
	lru *cache.InMemoryLRUCache[string, []string]
}

// NewCachedFriends wraps src. Entries are reloaded once older than maxAge.
func NewCachedFriends(src FriendSource, size int, maxAge time.Duration) (*CachedFriends, error) {
	lru, err := cache.NewInMemoryLRUCache[string, []string](size, maxAge, src.FriendsOf)
	if err != nil {
		return nil, err
	}
	return &CachedFriends{lru: lru}, nil
}

// FriendsOf implements FriendSource.
func (c *CachedFriends) FriendsOf(ctx context.Context, userID string) ([]string, error) {
	return c.lru.Fetch(ctx, userID)
}

// Forget drops the cached friend list for userID.
func (c *CachedFriends) Forget(ctx context.Context, userID string) {
	_ = c.lru.Invalidate(ctx, userID)
}
