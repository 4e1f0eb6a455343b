package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedSnapshot is returned by Decode when a payload cannot be read
// back as a snapshot.
var ErrMalformedSnapshot = errors.New("malformed presence snapshot")

// playingPayload is the wire shape of a Playing snapshot. Every key is always
// present; clients read missing art and links as null.
type playingPayload struct {
	IsPlaying  bool    `json:"isPlaying"`
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Avatar     *string `json:"avatar"`
	Track      string  `json:"track"`
	Artist     string  `json:"artist"`
	AlbumArt   *string `json:"albumArt"`
	SpotifyURI *string `json:"spotifyUri"`
	SpotifyURL *string `json:"spotifyUrl"`
	Timestamp  int64   `json:"timestamp"`
}

// idlePayload is the wire shape of an Idle snapshot. It never carries track keys.
type idlePayload struct {
	IsPlaying bool    `json:"isPlaying"`
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	Avatar    *string `json:"avatar,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// decodedPayload accepts both shapes.
type decodedPayload struct {
	IsPlaying  *bool   `json:"isPlaying"`
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Avatar     *string `json:"avatar"`
	Track      string  `json:"track"`
	Artist     string  `json:"artist"`
	AlbumArt   *string `json:"albumArt"`
	SpotifyURI *string `json:"spotifyUri"`
	SpotifyURL *string `json:"spotifyUrl"`
	Timestamp  int64   `json:"timestamp"`
}

// MarshalJSON renders the Playing wire shape.
func (p Playing) MarshalJSON() ([]byte, error) {
	return json.Marshal(playingPayload{
		IsPlaying:  true,
		ID:         p.userID,
		Name:       p.profile.DisplayName,
		Avatar:     nullable(p.profile.AvatarURL),
		Track:      p.track.Name,
		Artist:     p.track.Artist,
		AlbumArt:   nullable(p.track.AlbumArtURL),
		SpotifyURI: nullable(p.track.URI),
		SpotifyURL: nullable(p.track.URL),
		Timestamp:  millis(p.observedAt),
	})
}

// MarshalJSON renders the Idle wire shape.
func (i Idle) MarshalJSON() ([]byte, error) {
	return json.Marshal(idlePayload{
		IsPlaying: false,
		ID:        i.userID,
		Name:      i.profile.DisplayName,
		Avatar:    nullable(i.profile.AvatarURL),
		Timestamp: millis(i.observedAt),
	})
}

// Encode serializes a snapshot into its wire form.
func Encode(s Snapshot) ([]byte, error) {
	if s == nil {
		return nil, errors.New("cannot encode a nil snapshot")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot for user %s: %w", s.UserID(), err)
	}
	return data, nil
}

// Decode parses a wire payload back into a Playing or Idle snapshot.
func Decode(data []byte) (Snapshot, error) {
	var raw decodedPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if raw.IsPlaying == nil || strings.TrimSpace(raw.ID) == "" {
		return nil, fmt.Errorf("%w: missing isPlaying or id", ErrMalformedSnapshot)
	}

	profile := Profile{DisplayName: raw.Name, AvatarURL: deref(raw.Avatar)}
	var observedAt time.Time
	if raw.Timestamp > 0 {
		observedAt = time.UnixMilli(raw.Timestamp)
	}

	if !*raw.IsPlaying {
		return NewIdle(raw.ID, profile, observedAt), nil
	}
	return NewPlaying(raw.ID, profile, Track{
		Name:        raw.Track,
		Artist:      raw.Artist,
		AlbumArtURL: deref(raw.AlbumArt),
		URI:         deref(raw.SpotifyURI),
		URL:         deref(raw.SpotifyURL),
	}, observedAt), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
