// Package spotify implements provider.Client against the Spotify Web API.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/illmade-knight/go-nowplaying/pkg/presence"
	"github.com/illmade-knight/go-nowplaying/pkg/provider"
	"golang.org/x/oauth2"
)

// Ensure Client implements provider.Client at compile time.
var _ provider.Client = (*Client)(nil)

const (
	DefaultBaseURL = "https://api.spotify.com"
	requestTimeout = 5 * time.Second

	currentlyPlayingPath = "/v1/me/player/currently-playing"
	profilePath          = "/v1/me"
)

// Config holds the Web API endpoint and the per-request timeout.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Transport is the underlying round tripper; nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// Client talks to the Spotify Web API with a caller-supplied user token.
type Client struct {
	baseURL   *url.URL
	timeout   time.Duration
	transport http.RoundTripper
}

// NewClient builds a Client.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid spotify base url %q", raw)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = requestTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{baseURL: base, timeout: timeout, transport: transport}, nil
}

type image struct {
	URL string `json:"url"`
}

type currentlyPlayingResponse struct {
	IsPlaying bool `json:"is_playing"`
	Item      *struct {
		Name    string `json:"name"`
		URI     string `json:"uri"`
		Artists []struct {
			Name string `json:"name"`
		} `json:"artists"`
		Album struct {
			Images []image `json:"images"`
		} `json:"album"`
		ExternalURLs struct {
			Spotify string `json:"spotify"`
		} `json:"external_urls"`
	} `json:"item"`
}

type profileResponse struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Images      []image `json:"images"`
}

// CurrentPlayback reports what the token's owner is playing. A 204 response or
// a paused player or a missing item (ads, podcasts between episodes) all mean
// not playing.
func (c *Client) CurrentPlayback(ctx context.Context, accessToken string) (provider.Playback, error) {
	var payload currentlyPlayingResponse
	found, err := c.get(ctx, accessToken, currentlyPlayingPath, &payload)
	if err != nil {
		return provider.Playback{}, err
	}
	if !found || !payload.IsPlaying || payload.Item == nil {
		return provider.Playback{}, nil
	}

	item := payload.Item
	artists := make([]string, 0, len(item.Artists))
	for _, a := range item.Artists {
		artists = append(artists, a.Name)
	}
	return provider.Playback{
		IsPlaying: true,
		Track: presence.Track{
			Name:        item.Name,
			Artist:      strings.Join(artists, ", "),
			AlbumArtURL: firstImage(item.Album.Images),
			URI:         item.URI,
			URL:         item.ExternalURLs.Spotify,
		},
	}, nil
}

// Profile returns the display name and avatar of the token's owner. An unset
// display name falls back to the account id.
func (c *Client) Profile(ctx context.Context, accessToken string) (presence.Profile, error) {
	var payload profileResponse
	found, err := c.get(ctx, accessToken, profilePath, &payload)
	if err != nil {
		return presence.Profile{}, err
	}
	if !found {
		return presence.Profile{}, fmt.Errorf("api %s returned no content", profilePath)
	}
	name := payload.DisplayName
	if name == "" {
		name = payload.ID
	}
	return presence.Profile{DisplayName: name, AvatarURL: firstImage(payload.Images)}, nil
}

// get issues an authenticated GET. It reports found=false on 204.
func (c *Client) get(ctx context.Context, accessToken, path string, dest any) (bool, error) {
	if accessToken == "" {
		return false, provider.ErrUnauthorized
	}
	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.transport,
		},
	}

	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return false, fmt.Errorf("api %s: %w", path, provider.ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, fmt.Errorf("api %s (retry-after %q): %w", path, resp.Header.Get("Retry-After"), provider.ErrRateLimited)
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("api %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}

func firstImage(images []image) string {
	if len(images) == 0 {
		return ""
	}
	return images[0].URL
}
