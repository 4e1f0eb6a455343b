package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-nowplaying/pkg/registry"
	"github.com/rs/zerolog"
)

// ErrSendQueueFull is returned when a slow client has not drained its queue.
var ErrSendQueueFull = errors.New("send queue full")

var _ registry.Handle = (*Conn)(nil)

// envelope is the frame written for every server event.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Conn is one upgraded WebSocket. Writes go through a buffered queue drained
// by a single writer goroutine, which also sends keepalive pings.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	cfg    ConnConfig
	logger zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, userID string, cfg ConnConfig, logger zerolog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		cfg:    cfg,
		logger: logger.With().Str("conn_id", id).Str("user_id", userID).Logger(),
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// ID is a unique id for this connection.
func (c *Conn) ID() string { return c.id }

// Send queues one event without blocking.
func (c *Conn) Send(ctx context.Context, event string, data []byte) error {
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return registry.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the writer, which sends a close frame and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to set write deadline.")
				_ = c.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed, closing connection.")
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.logger.Debug().Err(err).Msg("Ping failed, closing connection.")
				_ = c.Close()
				return
			}
		}
	}
}

// readPump discards client frames and returns when the peer goes away or
// stops answering pings.
func (c *Conn) readPump() {
	pongWait := 2 * c.cfg.PingInterval
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				c.logger.Debug().Err(err).Msg("Read deadline exceeded.")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				c.logger.Debug().Err(err).Msg("Unexpected close.")
			}
			return
		}
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
	}
}
