package chatbot

import (
	"context"
	"io"
	"sync"

	"StreamChat/internal/backend"
	"StreamChat/internal/session"
)

// fakeStream yields scripted deltas, then err (or io.EOF when err is nil).
// When gate is set, Recv waits on it before the first delta.
type fakeStream struct {
	ctx    context.Context
	deltas []string
	err    error
	gate   <-chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
			s.gate = nil
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeStreamer struct {
	deltas  []string
	err     error
	openErr error
	gate    chan struct{}
	opened  chan struct{}

	mu       sync.Mutex
	requests []backend.Request
	streams  []*fakeStream
}

func newFakeStreamer(deltas ...string) *fakeStreamer {
	return &fakeStreamer{deltas: deltas, opened: make(chan struct{}, 16)}
}

func (f *fakeStreamer) Stream(ctx context.Context, req backend.Request) (backend.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req.Messages = append([]session.Turn(nil), req.Messages...)
	f.requests = append(f.requests, req)
	f.opened <- struct{}{}
	if f.openErr != nil {
		return nil, f.openErr
	}

	s := &fakeStream{
		ctx:    ctx,
		deltas: append([]string(nil), f.deltas...),
		err:    f.err,
	}
	if f.gate != nil {
		s.gate = f.gate
	}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeStreamer) lastRequest() backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeStreamer) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls [][]session.Turn
	err   error
}

func (r *fakeRecorder) Record(_ context.Context, _ session.Context, turns ...session.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, turns)
	return r.err
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}
