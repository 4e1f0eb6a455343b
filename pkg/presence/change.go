package presence

import "strings"

// DefaultKeyPrefix is the cache key prefix for presence entries. Deployed cache
// tooling inspects keys of this form, so it must not change.
const DefaultKeyPrefix = "now_playing:"

// Key returns the cache key holding userID's snapshot.
func Key(prefix, userID string) string {
	return prefix + userID
}

// UserIDFromKey strips prefix from key. It returns false for keys outside the prefix.
func UserIDFromKey(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, prefix)
	return id, id != ""
}

// HasMaterialChange reports whether current differs from previous enough to be
// broadcast. A nil previous means no known state and always counts as a change.
//
// Only the playing flag, the track name and the profile fields are compared.
// Artist, art, links and the observation time ride along with a change but
// never trigger one on their own.
func HasMaterialChange(previous, current Snapshot) bool {
	if previous == nil {
		return true
	}
	if current == nil {
		return false
	}

	prevTrack, prevPlaying := previous.NowPlaying()
	curTrack, curPlaying := current.NowPlaying()
	if prevPlaying != curPlaying {
		return true
	}
	if prevTrack.Name != curTrack.Name {
		return true
	}
	return previous.Profile() != current.Profile()
}
