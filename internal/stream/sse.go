package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// SSESink writes messages as Server-Sent Events, one event per message
// with the message kind as the event type.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    <-chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewSSESink writes the event-stream headers. done is the request
// context's Done channel; once it fires the subscriber is treated as gone.
func NewSSESink(w http.ResponseWriter, done <-chan struct{}) *SSESink {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	return &SSESink{w: w, flusher: flusher, done: done}
}

func (s *SSESink) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSinkDisconnected
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.write(msg.Kind, data)
}

func (s *SSESink) write(event string, data []byte) error {
	// Format: event: <type>\ndata: <json>\n\n
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkDisconnected, err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Close emits a final "complete" event. The response itself ends when
// the handler returns.
func (s *SSESink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	select {
	case <-s.done:
		return nil
	default:
	}
	return s.write("complete", []byte(`{}`))
}
