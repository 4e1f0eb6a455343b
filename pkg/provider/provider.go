// Package provider defines the contract for reading a user's live playback
// state from the music provider.
package provider

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-nowplaying/pkg/presence"
)

var (
	// ErrUnauthorized means the access token was rejected, usually because it expired.
	ErrUnauthorized = errors.New("provider rejected access token")
	// ErrRateLimited means the provider asked us to slow down.
	ErrRateLimited = errors.New("provider rate limit exceeded")
)

// Playback is what the provider reports for one user right now. Track is only
// meaningful when IsPlaying is true.
type Playback struct {
	IsPlaying bool
	Track     presence.Track
}

// Client reads playback and profile data on behalf of a user.
type Client interface {
	CurrentPlayback(ctx context.Context, accessToken string) (Playback, error)
	Profile(ctx context.Context, accessToken string) (presence.Profile, error)
}
