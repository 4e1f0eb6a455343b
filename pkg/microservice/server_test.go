package microservice_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/illmade-knight/go-nowplaying/pkg/microservice"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseServer_StartAndShutdown(t *testing.T) {
	s := microservice.NewBaseServer(zerolog.Nop(), ":0")
	s.HandleStatus(func() map[string]any { return map[string]any{"connections": 3} })
	require.NoError(t, s.Start())

	base := "http://127.0.0.1" + s.GetHTTPPort()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	_ = resp.Body.Close()
	assert.Equal(t, "OK", status["status"])
	assert.Equal(t, float64(3), status["connections"])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestEnvReportHandler(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL":      "postgres://secret@db/app",
		"FRONTEND_URL":      "https://app.example.com",
		"SPOTIFY_CLIENT_ID": "",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	h := microservice.EnvReportHandler([]microservice.EnvCheck{
		{Name: "DATABASE_URL", Secret: true},
		{Name: "FRONTEND_URL"},
		{Name: "SPOTIFY_CLIENT_ID", Secret: true},
		{Name: "JWT_SECRET", Secret: true},
	}, lookup)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health/env", nil))

	var report map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, map[string]string{
		"DATABASE_URL":      "SET",
		"FRONTEND_URL":      "https://app.example.com",
		"SPOTIFY_CLIENT_ID": "MISSING",
		"JWT_SECRET":        "MISSING",
	}, report)
	assert.NotContains(t, rec.Body.String(), "secret@db")
}
