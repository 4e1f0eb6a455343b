// Package storage defines the persistent stores the presence pipeline reads:
// who has a provider token, and who is friends with whom.
package storage

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-nowplaying/pkg/presence"
)

// ErrUserNotFound is returned when an update targets an unknown user.
var ErrUserNotFound = errors.New("user not found")

// Account is a user with a provider access token and their stored profile.
type Account struct {
	UserID      string
	AccessToken string
	Profile     presence.Profile
}

// IdentityStore lists pollable users and keeps their denormalised profile fresh.
type IdentityStore interface {
	UsersWithToken(ctx context.Context) ([]Account, error)
	UpdateProfile(ctx context.Context, userID string, profile presence.Profile) error
}

// FriendshipStore resolves accepted friendships.
type FriendshipStore interface {
	FriendsOf(ctx context.Context, userID string) ([]string, error)
}
