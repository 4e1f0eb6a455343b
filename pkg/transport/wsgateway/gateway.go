// Package wsgateway is the WebSocket transport: it authenticates upgrade
// requests, turns each socket into a registry.Handle and reports connection
// lifecycle to the session layer.
package wsgateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-nowplaying/pkg/registry"
	"github.com/rs/zerolog"
)

// Sessions receives connection lifecycle events.
type Sessions interface {
	Connect(ctx context.Context, userID string, h registry.Handle) int
	Disconnect(userID string, h registry.Handle)
}

// ConnConfig tunes each connection.
type ConnConfig struct {
	SendBuffer     int
	WriteWait      time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// Config holds gateway settings.
type Config struct {
	Conn ConnConfig
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string
}

// DefaultConnConfig returns the production connection settings.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		SendBuffer:     64,
		WriteWait:      10 * time.Second,
		PingInterval:   25 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Gateway is the http.Handler mounted at the WebSocket endpoint.
type Gateway struct {
	auth     *Authenticator
	sessions Sessions
	upgrader websocket.Upgrader
	connCfg  ConnConfig
	logger   zerolog.Logger
}

// New creates a Gateway.
func New(auth *Authenticator, sessions Sessions, cfg Config, logger zerolog.Logger) *Gateway {
	def := DefaultConnConfig()
	cc := cfg.Conn
	if cc.SendBuffer <= 0 {
		cc.SendBuffer = def.SendBuffer
	}
	if cc.WriteWait <= 0 {
		cc.WriteWait = def.WriteWait
	}
	if cc.PingInterval <= 0 {
		cc.PingInterval = def.PingInterval
	}
	if cc.MaxMessageSize <= 0 {
		cc.MaxMessageSize = def.MaxMessageSize
	}

	g := &Gateway{
		auth:     auth,
		sessions: sessions,
		connCfg:  cc,
		logger:   logger.With().Str("component", "WSGateway").Logger(),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	if !auth.Verifies() {
		g.logger.Warn().Msg("No JWT secret configured, trusting raw user ids from clients.")
	}
	return g
}

// ServeHTTP authenticates, upgrades and then serves the socket until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := g.auth.Identify(r)
	if err != nil {
		g.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected connection.")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Debug().Err(err).Msg("WebSocket upgrade failed.")
		return
	}

	conn := newConn(ws, userID, g.connCfg, g.logger)
	go conn.writePump()

	g.sessions.Connect(r.Context(), userID, conn)
	conn.readPump()
	g.sessions.Disconnect(userID, conn)
	_ = conn.Close()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
