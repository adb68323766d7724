package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenggwsx/SlashLive/internal/protocol"
)

const (
	sessionWriteWait = 5 * time.Second
	sessionInbox     = 64
)

// ErrSessionClosed is returned by Send once the connection has gone away.
var ErrSessionClosed = errors.New("session closed")

// Session owns one websocket connection to the realtime server.
type Session struct {
	url      string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	messages chan protocol.RawEnvelope
	done     chan struct{}
	once     sync.Once
}

// Dial opens an authenticated websocket connection and starts reading frames.
func Dial(ctx context.Context, url, token string) (*Session, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Status: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	s := &Session{
		url:      url,
		conn:     conn,
		messages: make(chan protocol.RawEnvelope, sessionInbox),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// HandshakeError reports a rejected upgrade, usually a bad token.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return http.StatusText(e.Status) + ": " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Messages yields decoded server frames until the connection closes.
func (s *Session) Messages() <-chan protocol.RawEnvelope {
	return s.messages
}

// Send writes a request frame and returns its id.
func (s *Session) Send(event string, data interface{}) (string, error) {
	frame, id, err := protocol.NewRequest(event, data)
	if err != nil {
		return "", err
	}
	if err := s.Write(frame); err != nil {
		return "", err
	}
	return id, nil
}

// Write sends an already encoded request frame.
func (s *Session) Write(frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame and tears the connection down.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(sessionWriteWait))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Session) readLoop() {
	defer close(s.messages)
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(frame)
		if err != nil {
			continue
		}
		select {
		case s.messages <- env:
		case <-s.done:
			return
		}
	}
}
