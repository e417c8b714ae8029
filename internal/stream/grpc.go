package stream

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
)

// GRPCSink sends messages on a server stream as structpb.Struct values.
type GRPCSink struct {
	stream grpc.ServerStream

	mu     sync.Mutex
	closed bool
}

// NewGRPCSink wraps a server stream.
func NewGRPCSink(stream grpc.ServerStream) *GRPCSink {
	return &GRPCSink{stream: stream}
}

func (s *GRPCSink) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.stream.Context().Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkDisconnected, err)
	}
	pb, err := msg.Struct()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if err := s.stream.SendMsg(pb); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkDisconnected, err)
	}
	return nil
}

// Close marks the sink closed; the stream ends when the handler returns.
func (s *GRPCSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
