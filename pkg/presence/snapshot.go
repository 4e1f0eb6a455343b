// Package presence models what a user is currently listening to and decides
// when a newly observed state is worth telling their friends about.
package presence

import "time"

// UpdateEvent is the event name clients subscribe to for friend activity.
const UpdateEvent = "friends_activity_update"

// Profile holds the denormalized profile fields shown next to an activity.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// Track describes the item a user is playing.
type Track struct {
	Name        string
	Artist      string
	AlbumArtURL string
	URI         string
	URL         string
}

// Snapshot is the most recently observed playback state for one user.
// It is either a Playing or an Idle value; both are immutable once built.
type Snapshot interface {
	UserID() string
	Profile() Profile
	ObservedAt() time.Time
	// NowPlaying returns the current track and true for a Playing snapshot.
	NowPlaying() (Track, bool)

	sealed()
}

type snapshotBase struct {
	userID     string
	profile    Profile
	observedAt time.Time
}

func (b snapshotBase) UserID() string        { return b.userID }
func (b snapshotBase) Profile() Profile      { return b.profile }
func (b snapshotBase) ObservedAt() time.Time { return b.observedAt }

// Playing is a snapshot of a user with an active track.
type Playing struct {
	snapshotBase
	track Track
}

// NewPlaying builds a Playing snapshot.
func NewPlaying(userID string, profile Profile, track Track, observedAt time.Time) Playing {
	return Playing{
		snapshotBase: snapshotBase{userID: userID, profile: profile, observedAt: observedAt},
		track:        track,
	}
}

// NowPlaying always reports the track for a Playing snapshot.
func (p Playing) NowPlaying() (Track, bool) { return p.track, true }

func (Playing) sealed() {}

// Idle is a snapshot of a user who is not playing anything. It has no track
// fields at all.
type Idle struct {
	snapshotBase
}

// NewIdle builds an Idle snapshot.
func NewIdle(userID string, profile Profile, observedAt time.Time) Idle {
	return Idle{snapshotBase: snapshotBase{userID: userID, profile: profile, observedAt: observedAt}}
}

// NowPlaying always reports false for an Idle snapshot.
func (Idle) NowPlaying() (Track, bool) { return Track{}, false }

func (Idle) sealed() {}

// IsPlaying reports whether s carries a track.
func IsPlaying(s Snapshot) bool {
	if s == nil {
		return false
	}
	_, ok := s.NowPlaying()
	return ok
}
