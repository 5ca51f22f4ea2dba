package edgeevents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgexr/edge-events/finder"
	"github.com/edgexr/edge-events/model"
	"github.com/edgexr/edge-events/netprobe"
	"github.com/edgexr/edge-events/session"
	"github.com/edgexr/edge-events/transport"
)

// fakeStream records what is sent and lets tests push server events.
type fakeStream struct {
	ackInit bool
	// terminateErr fails the terminate message.
	terminateErr error
	// terminateBlocks makes the terminate message wait for its context.
	terminateBlocks bool

	mu     sync.Mutex
	sent   []*model.ClientEdgeEvent
	events chan *model.ServerEdgeEvent
	closed bool
	err    error
}

func newFakeStream(ackInit bool) *fakeStream {
	return &fakeStream{
		ackInit: ackInit,
		events:  make(chan *model.ServerEdgeEvent, 64),
	}
}

func (s *fakeStream) Send(ctx context.Context, ev *model.ClientEdgeEvent) error {
	if ev.EventType == model.ClientTerminateConnection {
		if s.terminateBlocks {
			<-ctx.Done()
			return ctx.Err()
		}
		if s.terminateErr != nil {
			return s.terminateErr
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.sent = append(s.sent, ev)
	if ev.EventType == model.ClientInitConnection && s.ackInit {
		s.events <- &model.ServerEdgeEvent{EventType: model.ServerInitConnection}
	}
	return nil
}

func (s *fakeStream) Events() <-chan *model.ServerEdgeEvent {
	return s.events
}

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = transport.ErrClosed
		close(s.events)
	}
	return nil
}

// push delivers ev unless the stream is closed.
func (s *fakeStream) push(ev *model.ServerEdgeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// drop ends the stream as if the peer went away.
func (s *fakeStream) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = errors.New("connection reset by peer")
		close(s.events)
	}
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) count(t model.ClientEventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.sent {
		if ev.EventType == t {
			n++
		}
	}
	return n
}

func (s *fakeStream) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeStream) first(t model.ClientEventType) *model.ClientEdgeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.sent {
		if ev.EventType == t {
			return ev
		}
	}
	return nil
}

type fakeDialer struct {
	ackInit         bool
	err             error
	terminateErr    error
	terminateBlocks bool

	mu      sync.Mutex
	streams []*fakeStream
}

func (d *fakeDialer) Dial(ctx context.Context, opts transport.Options) (transport.Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeStream(d.ackInit)
	s.terminateErr = d.terminateErr
	s.terminateBlocks = d.terminateBlocks
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

func (d *fakeDialer) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type fakeFinder struct {
	session *session.Session
	reply   *model.FindCloudletReply
	err     error
	calls   int32
	mode    finder.Mode
}

func (f *fakeFinder) Find(ctx context.Context, req finder.Request) (*model.FindCloudletReply, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mode = req.Mode
	if f.err != nil {
		return nil, f.err
	}
	f.session.SetDiscovery(f.reply)
	return f.reply.Clone(), nil
}

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, req netprobe.Request) (time.Duration, error) {
	return 5 * time.Millisecond, nil
}

type handlerCall struct {
	status Status
	ev     *NewCloudletEvent
}

type recorder struct {
	calls chan handlerCall
}

func newRecorder() *recorder {
	return &recorder{calls: make(chan handlerCall, 32)}
}

func (r *recorder) handle(status Status, ev *NewCloudletEvent) {
	r.calls <- handlerCall{status: status, ev: ev}
}

func (r *recorder) next(t *testing.T) handlerCall {
	t.Helper()
	select {
	case c := <-r.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	return handlerCall{}
}

func endpoint(fqdn string) *model.FindCloudletReply {
	return &model.FindCloudletReply{
		Status: model.FindFound,
		Fqdn:   fqdn,
		Ports: []model.AppPort{
			{Proto: model.ProtoTCP, InternalPort: 8008, PublicPort: 8008},
		},
		EdgeEventsCookie: "cookie-" + fqdn,
	}
}

var testLocation = &model.Location{Latitude: 37.459609, Longitude: -122.149349}

func readySession() *session.Session {
	s := session.New()
	s.SetRegistration("session-cookie")
	s.SetDiscovery(endpoint("e1.example"))
	s.SetLocation(testLocation)
	return s
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
