package stream

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSinkDisconnected means the subscriber is gone; nothing more can be delivered.
	ErrSinkDisconnected = errors.New("sink disconnected")
	// ErrSinkClosed is returned by Send after Close.
	ErrSinkClosed = errors.New("sink closed")
)

// Sink receives the messages of one run in order. Send may block to apply
// backpressure. Close is idempotent.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Discard is a Sink that drops every message.
var Discard Sink = discard{}

type discard struct{}

func (discard) Send(context.Context, Message) error { return nil }
func (discard) Close() error                        { return nil }

// MemorySink keeps every message in memory. FailAfter, when positive,
// makes the Send call after that many successful ones return
// ErrSinkDisconnected, and every later call too.
type MemorySink struct {
	FailAfter int

	mu       sync.Mutex
	messages []Message
	closed   bool
	failed   bool
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.failed || (s.FailAfter > 0 && len(s.messages) >= s.FailAfter) {
		s.failed = true
		return ErrSinkDisconnected
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Messages returns a copy of the received messages.
func (s *MemorySink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Count returns the number of received messages of the given kind.
func (s *MemorySink) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// Closed reports whether Close has been called.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
