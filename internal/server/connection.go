package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fenggwsx/SlashLive/internal/config"
	"github.com/fenggwsx/SlashLive/internal/logging"
	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

// Connection is one authenticated websocket session. Frames reach the
// client only through its bounded send queue, drained by writePump.
type Connection struct {
	id   string
	user storage.User
	ws   *websocket.Conn
	log  zerolog.Logger

	mu     sync.RWMutex
	send   chan []byte
	closed bool
}

func newConnection(ws *websocket.Conn, user storage.User, queue int) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:   id,
		user: user,
		ws:   ws,
		send: make(chan []byte, queue),
		log:  logging.With().Str("conn_id", id).Uint("user_id", user.ID).Logger(),
	}
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) UserID() uint     { return c.user.ID }
func (c *Connection) Username() string { return c.user.Username }

func (c *Connection) summary() protocol.UserSummary {
	return protocol.UserSummary{ID: c.user.ID, Username: c.user.Username}
}

// Deliver queues a frame without blocking. It returns false when the queue
// is full or the connection is closing.
func (c *Connection) Deliver(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close stops delivery and lets writePump flush and send a close frame.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Connection) remoteAddr() string {
	if c.ws == nil {
		return ""
	}
	return c.ws.RemoteAddr().String()
}

// readPump reads frames and hands them to handle one at a time, so requests
// from one connection are processed in the order they were sent.
func (c *Connection) readPump(ctx context.Context, cfg config.WebSocketConfig, handle func(context.Context, *Connection, []byte)) {
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	if err := c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		c.log.Error().Err(err).Msg("set read deadline")
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		handle(ctx, c, frame)
	}
}

// writePump owns all writes to the socket. It exits when the send queue is
// closed or a write fails, closing the socket either way.
func (c *Connection) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
