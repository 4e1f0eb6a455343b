package presence_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-nowplaying/pkg/presence"
	"github.com/stretchr/testify/assert"
)

func TestHasMaterialChange(t *testing.T) {
	now := time.Now()
	profile := presence.Profile{DisplayName: "Bea", AvatarURL: "https://img/bea.png"}
	song := presence.Track{Name: "Song X", Artist: "Artist Y", AlbumArtURL: "https://img/x.png", URI: "spotify:track:x", URL: "https://open/x"}

	playing := presence.NewPlaying("b", profile, song, now)

	t.Run("absent previous is always a change", func(t *testing.T) {
		assert.True(t, presence.HasMaterialChange(nil, playing))
		assert.True(t, presence.HasMaterialChange(nil, presence.NewIdle("b", profile, now)))
	})

	t.Run("identical snapshot is not a change", func(t *testing.T) {
		assert.False(t, presence.HasMaterialChange(playing, playing))
	})

	t.Run("artist, art, links and time are ignored", func(t *testing.T) {
		churned := song
		churned.Artist = "Artist Y, Guest"
		churned.AlbumArtURL = "https://img/x-hires.png"
		churned.URI = "spotify:track:x2"
		churned.URL = "https://open/x2"
		later := presence.NewPlaying("b", profile, churned, now.Add(5*time.Second))

		assert.False(t, presence.HasMaterialChange(playing, later))
	})

	t.Run("track name change", func(t *testing.T) {
		next := song
		next.Name = "Song Z"
		assert.True(t, presence.HasMaterialChange(playing, presence.NewPlaying("b", profile, next, now)))
	})

	t.Run("playing flag change", func(t *testing.T) {
		idle := presence.NewIdle("b", profile, now)
		assert.True(t, presence.HasMaterialChange(playing, idle))
		assert.True(t, presence.HasMaterialChange(idle, playing))
	})

	t.Run("profile change", func(t *testing.T) {
		renamed := presence.NewPlaying("b", presence.Profile{DisplayName: "Beatrice", AvatarURL: profile.AvatarURL}, song, now)
		newAvatar := presence.NewPlaying("b", presence.Profile{DisplayName: "Bea"}, song, now)

		assert.True(t, presence.HasMaterialChange(playing, renamed))
		assert.True(t, presence.HasMaterialChange(playing, newAvatar))
	})

	t.Run("idle to idle with same profile", func(t *testing.T) {
		assert.False(t, presence.HasMaterialChange(presence.NewIdle("b", profile, now), presence.NewIdle("b", profile, now.Add(time.Minute))))
	})
}

func TestKeys(t *testing.T) {
	key := presence.Key(presence.DefaultKeyPrefix, "42")
	assert.Equal(t, "now_playing:42", key)

	id, ok := presence.UserIDFromKey(presence.DefaultKeyPrefix, key)
	assert.True(t, ok)
	assert.Equal(t, "42", id)

	_, ok = presence.UserIDFromKey(presence.DefaultKeyPrefix, "session:42")
	assert.False(t, ok)
	_, ok = presence.UserIDFromKey(presence.DefaultKeyPrefix, presence.DefaultKeyPrefix)
	assert.False(t, ok)
}
