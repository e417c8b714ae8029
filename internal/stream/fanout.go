package stream

import (
	"context"
	"sync"
)

// Fanout is a Sink that copies every message to the sinks attached to it.
// Subscribers that fail are detached; the run feeding the Fanout never
// sees their errors. Late subscribers only receive messages sent after
// they attached.
type Fanout struct {
	mu     sync.Mutex
	subs   map[int]Sink
	nextID int
	closed bool
	done   chan struct{}
}

// NewFanout creates a Fanout with no subscribers.
func NewFanout() *Fanout {
	return &Fanout{subs: make(map[int]Sink), done: make(chan struct{})}
}

// Attach adds sink as a subscriber. The returned function detaches it
// without closing it.
func (f *Fanout) Attach(sink Sink) (detach func(), err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrSinkClosed
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = sink
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}, nil
}

// Subscribers returns the number of attached sinks.
func (f *Fanout) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Done is closed once the Fanout is closed.
func (f *Fanout) Done() <-chan struct{} {
	return f.done
}

// Send never fails because of a subscriber.
func (f *Fanout) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrSinkClosed
	}
	for id, sub := range f.subs {
		if err := sub.Send(ctx, msg); err != nil {
			delete(f.subs, id)
		}
	}
	return nil
}

// Close closes every attached sink.
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for id, sub := range f.subs {
		_ = sub.Close()
		delete(f.subs, id)
	}
	close(f.done)
	return nil
}
