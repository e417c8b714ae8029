package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsReadLimit  = 512
	closeMessage = "simulation complete"
)

// WebSocketSink writes messages as JSON text frames.
type WebSocketSink struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	gone   atomic.Bool
}

// NewWebSocketSink wraps an upgraded connection and starts a reader that
// notices when the peer goes away.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	s := &WebSocketSink{conn: conn}
	go s.readPump()
	return s
}

func (s *WebSocketSink) readPump() {
	s.conn.SetReadLimit(wsReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.gone.Store(true)
			return
		}
		// Any client frame counts as liveness.
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

func (s *WebSocketSink) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.gone.Load() {
		return ErrSinkDisconnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkDisconnected, err)
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		s.gone.Store(true)
		return fmt.Errorf("%w: %w", ErrSinkDisconnected, err)
	}
	return nil
}

// Close sends a normal-closure frame and closes the connection.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if !s.gone.Load() {
		frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeMessage)
		if err := s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(wsWriteWait)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			errs = append(errs, err)
		}
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
