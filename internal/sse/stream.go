package sse

import (
	"context"
	"io"
)

// Stream is a cancellable pull loop over an event-stream response body.
// Next yields events strictly in arrival order; cancelling the context makes
// Next return the context error and releases the underlying connection.
type Stream struct {
	ctx    context.Context
	body   io.ReadCloser
	dec    Decoder
	queue  []Event
	rbuf   []byte
	err    error
	closed bool
}

// NewStream wraps body. The context should be the same one the HTTP request
// was issued with so cancellation also aborts the transport.
func NewStream(ctx context.Context, body io.ReadCloser) *Stream {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Stream{ctx: ctx, body: body, rbuf: make([]byte, 4096)}
}

// Next returns the next event. It returns io.EOF on a clean stream end and
// the context error when the stream was cancelled. The liveness check runs
// both before reading and before handing out already-buffered events, so no
// event is delivered after cancellation.
func (s *Stream) Next() (Event, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return Event{}, err
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if s.err != nil {
			return Event{}, s.err
		}

		n, err := s.body.Read(s.rbuf)
		if n > 0 {
			s.queue = append(s.queue, s.dec.Feed(s.rbuf[:n])...)
		}
		if err != nil {
			if cerr := s.ctx.Err(); cerr != nil {
				// A cancelled transport surfaces as a read error; report
				// cancellation, and drop anything still queued.
				s.queue = nil
				return Event{}, cerr
			}
			s.err = err
			if len(s.queue) > 0 {
				continue
			}
			return Event{}, err
		}
	}
}

// Close releases the connection. Safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
