// Package stream is the chunk transport: a pull-driven generator between a
// pipeline and its consumer, the SSE wire format, heartbeats, and the
// accumulator that persists a response into the session history as it
// streams.
package stream

import (
	"context"
	"sync"

	"knowflow/internal/types"
)

// Source hands chunks from a producing pipeline to a single consumer with
// single-chunk handoff: Emit blocks until the consumer pulls, so a slow
// consumer applies backpressure instead of buffering the whole response.
type Source struct {
	ch chan types.Chunk

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

// NewSource creates an open Source.
func NewSource() *Source {
	return &Source{
		ch:   make(chan types.Chunk),
		done: make(chan struct{}),
	}
}

// Emit offers one chunk to the consumer. It returns the context's error if
// the consumer goes away first.
func (s *Source) Emit(ctx context.Context, c types.Chunk) error {
	select {
	case s.ch <- c:
		return nil
	case <-s.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream normally. Safe to call more than once.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Fail ends the stream with an error the consumer will observe after
// draining.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	if !s.closed {
		s.err = err
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
}

// Next pulls the next chunk. ok is false once the stream has ended; Err then
// reports how it ended.
func (s *Source) Next(ctx context.Context) (c types.Chunk, ok bool, err error) {
	select {
	case c = <-s.ch:
		return c, true, nil
	case <-s.done:
		// Drain a chunk raced with Close.
		select {
		case c = <-s.ch:
			return c, true, nil
		default:
		}
		return types.Chunk{}, false, s.Err()
	case <-ctx.Done():
		return types.Chunk{}, false, ctx.Err()
	}
}

// Err reports the stream's terminal error, nil for a clean close.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
