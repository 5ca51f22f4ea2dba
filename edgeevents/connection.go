// Package edgeevents maintains the long lived edge events stream between a
// client and the cloudlet it was matched with. It reports latency and
// location on a schedule, dispatches server pushed events and migrates the
// stream when a better cloudlet is found.
package edgeevents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/edgexr/edge-events/config"
	"github.com/edgexr/edge-events/finder"
	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/metrics"
	"github.com/edgexr/edge-events/model"
	"github.com/edgexr/edge-events/netprobe"
	"github.com/edgexr/edge-events/session"
	"github.com/edgexr/edge-events/transport"
)

var (
	// ErrConnectionAlreadyClosed is returned when posting on a connection
	// that is not ready.
	ErrConnectionAlreadyClosed = errors.New("edgeevents: connection already closed")
	// ErrConnectionTimeout is returned by Start when the server did not
	// acknowledge the stream in time.
	ErrConnectionTimeout = errors.New("edgeevents: timed out waiting for the server")
	// ErrMissingSessionCookie means that the client never registered.
	ErrMissingSessionCookie = errors.New("edgeevents: missing session cookie")
	// ErrMissingEdgeEventsCookie means that no discovery issued a cookie.
	ErrMissingEdgeEventsCookie = errors.New("edgeevents: missing edge events cookie")
	// ErrMissingEndpoint means that no discovery completed.
	ErrMissingEndpoint = errors.New("edgeevents: missing endpoint, find a cloudlet first")
	// ErrMissingHandler means that no handler was given.
	ErrMissingHandler = errors.New("edgeevents: missing event handler")
	// ErrAlreadyStarted is returned by Start on a started connection.
	ErrAlreadyStarted = errors.New("edgeevents: connection already started")
	// ErrCurrentCloudletIsBest is reported when a trigger fired but the
	// search returned the cloudlet already in use.
	ErrCurrentCloudletIsBest = errors.New("edgeevents: event triggered but current cloudlet is already best")
	// ErrNoLocation means that neither the provider nor the cache had a location.
	ErrNoLocation = errors.New("edgeevents: no location available")
	// ErrServerError wraps error events sent by the server.
	ErrServerError = errors.New("edgeevents: server error")
)

// Status is the outcome reported to a Handler.
type Status string

// Handler statuses.
const (
	StatusSuccess = Status("SUCCESS")
	StatusFail    = Status("FAIL")
)

// NewCloudletEvent describes a search for a new cloudlet.
type NewCloudletEvent struct {
	// Trigger is why the search ran.
	Trigger model.FindCloudletEventTrigger
	// NewCloudlet is the cloudlet found, if any.
	NewCloudlet *model.FindCloudletReply
	// Err is set on StatusFail.
	Err error
}

// Handler receives the outcome of searches for a new cloudlet, and every
// error of the background event loop. It runs on a dedicated goroutine.
type Handler func(status Status, ev *NewCloudletEvent)

// ServerEventHandler receives every server event in raw mode.
type ServerEventHandler func(ev *model.ServerEdgeEvent)

// Finder looks for a new cloudlet.
type Finder interface {
	Find(ctx context.Context, req finder.Request) (*model.FindCloudletReply, error)
}

// LocationProvider returns the last known location of the device.
type LocationProvider interface {
	LastKnownLocation(ctx context.Context) (*model.Location, error)
}

// LocationFunc adapts a function to LocationProvider.
type LocationFunc func(ctx context.Context) (*model.Location, error)

// LastKnownLocation implements LocationProvider.
func (f LocationFunc) LastKnownLocation(ctx context.Context) (*model.Location, error) {
	return f(ctx)
}

// Options are the collaborators of a Connection.
type Options struct {
	// URL of the edge events stream.
	URL string
	// Dialer opens streams. Nil means transport.WebSocketDialer.
	Dialer transport.Dialer
	// InsecureSkipTLSVerify is passed to the dialer.
	InsecureSkipTLSVerify bool
	// Session holds cookies and the current endpoint.
	Session *session.Session
	// Finder is used to look for a new cloudlet.
	Finder Finder
	// Prober runs latency tests. Nil means netprobe.New().
	Prober netprobe.Prober
	// Location provides the device location. Optional; the session cache
	// is used when it fails.
	Location LocationProvider
	// CarrierName is passed to Finder.
	CarrierName string
	// DeviceInfo is sent with the init message.
	DeviceInfo *model.DeviceInfo
	// Tags are sent with the init message.
	Tags map[string]string
}

// closeWait bounds the wait for the terminate message on close.
const closeWait = 2 * time.Second

// lifetime spans from a Start on a closed connection to the next Close.
// Work started in the background during a lifetime reports only to its
// callback queue and stops once the lifetime ended.
type lifetime struct {
	ctx       context.Context
	cancel    context.CancelFunc
	callbacks *callbackQueue
	bg        sync.WaitGroup
}

func newLifetime() *lifetime {
	ctx, cancel := context.WithCancel(context.Background())
	return &lifetime{ctx: ctx, cancel: cancel, callbacks: newCallbackQueue()}
}

func (l *lifetime) ended() bool {
	return l == nil || l.ctx.Err() != nil
}

// Connection is an edge events connection. Start, Restart and Close are
// serialized with each other; posts are safe to call concurrently and from
// handlers.
type Connection struct {
	opts          Options
	cfg           *config.Config
	onNewCloudlet Handler
	onServerEvent ServerEventHandler
	raw           bool

	fsm *fsm.FSM

	// opMu serializes Start, Restart and Close, and guards lt.
	opMu sync.Mutex
	lt   *lifetime

	mu  sync.Mutex
	run *run

	// rediscoverMu serializes searches for a new cloudlet.
	rediscoverMu sync.Mutex
	restarts     int64
}

// New returns a managed connection: server events are checked against cfg
// and the outcome of every search for a new cloudlet is given to handler.
func New(opts Options, cfg *config.Config, handler Handler) *Connection {
	c := newConnection(opts)
	c.cfg = cfg.Clone()
	c.onNewCloudlet = handler
	return c
}

// NewRaw returns a connection forwarding every server event to handler. The
// application decides what to do with them.
func NewRaw(opts Options, handler ServerEventHandler) *Connection {
	c := newConnection(opts)
	c.onServerEvent = handler
	c.raw = true
	return c
}

func newConnection(opts Options) *Connection {
	if opts.Dialer == nil {
		opts.Dialer = transport.WebSocketDialer
	}
	if opts.Prober == nil {
		opts.Prober = netprobe.New()
	}
	return &Connection{
		opts: opts,
		fsm:  newStateMachine(),
	}
}

// Config returns a copy of the configuration, nil in raw mode.
func (c *Connection) Config() *config.Config {
	return c.cfg.Clone()
}

// Raw tells whether the connection runs in raw mode.
func (c *Connection) Raw() bool {
	return c.raw
}

// Restarts returns how many times the connection was restarted.
func (c *Connection) Restarts() int64 {
	return atomic.LoadInt64(&c.restarts)
}

// Endpoint returns the endpoint the current stream speaks for, or nil.
func (c *Connection) Endpoint() *model.FindCloudletReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.endpoint.Clone()
}

func (c *Connection) currentRun() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

func (c *Connection) checkPreconditions() (*model.FindCloudletReply, string, error) {
	if c.opts.Session == nil {
		return nil, "", ErrMissingSessionCookie
	}
	if c.Raw() {
		if c.onServerEvent == nil {
			return nil, "", ErrMissingHandler
		}
	} else {
		if c.onNewCloudlet == nil {
			return nil, "", ErrMissingHandler
		}
		if err := c.cfg.Validate(); err != nil {
			return nil, "", err
		}
	}
	endpoint, cookie := c.opts.Session.Discovery()
	if endpoint == nil {
		return nil, "", ErrMissingEndpoint
	}
	if c.opts.Session.SessionCookie() == "" {
		return nil, "", ErrMissingSessionCookie
	}
	if cookie == "" {
		return nil, "", ErrMissingEdgeEventsCookie
	}
	return endpoint, cookie, nil
}

// Start opens the stream against the endpoint of the last discovery and
// blocks until the server acknowledged it, the start timeout elapsed or ctx
// expired. On failure the connection is closed.
func (c *Connection) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	switch c.fsm.Current() {
	case StateUninitialized, StateClosed:
	default:
		return ErrAlreadyStarted
	}
	endpoint, cookie, err := c.checkPreconditions()
	if err != nil {
		metrics.ConnectionStarts.WithLabelValues("precondition").Inc()
		return err
	}
	if c.lt.ended() {
		c.lt = newLifetime()
	}
	return c.startLocked(ctx, c.lt, endpoint, cookie)
}

func (c *Connection) startTimeout() time.Duration {
	if c.cfg != nil && c.cfg.StartTimeout > 0 {
		return c.cfg.StartTimeout
	}
	return config.DefaultStartTimeout
}

func (c *Connection) startLocked(ctx context.Context, lt *lifetime, endpoint *model.FindCloudletReply, cookie string) error {
	if !c.transition(eventStart) {
		return ErrAlreadyStarted
	}
	timeout := c.startTimeout()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stream, err := c.opts.Dialer.Dial(dialCtx, transport.Options{
		URL:                   c.opts.URL,
		InsecureSkipTLSVerify: c.opts.InsecureSkipTLSVerify,
	})
	if err != nil {
		c.transition(eventClose)
		c.transition(eventFinish)
		metrics.ConnectionStarts.WithLabelValues("dial").Inc()
		return fmt.Errorf("edgeevents: open stream: %w", err)
	}
	r := newRun(lt, stream, endpoint, cookie)
	c.mu.Lock()
	c.run = r
	c.mu.Unlock()
	go c.loop(r)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.ready:
		metrics.ConnectionStarts.WithLabelValues("ok").Inc()
		return nil
	case <-r.done:
		c.closeRunLocked(ctx, false)
		metrics.ConnectionStarts.WithLabelValues("stream").Inc()
		return fmt.Errorf("edgeevents: stream ended before ready: %w", r.error())
	case <-timer.C:
		c.closeRunLocked(ctx, false)
		metrics.ConnectionStarts.WithLabelValues("timeout").Inc()
		return ErrConnectionTimeout
	case <-ctx.Done():
		c.closeRunLocked(context.Background(), false)
		metrics.ConnectionStarts.WithLabelValues("canceled").Inc()
		return ctx.Err()
	}
}

// closeRunLocked stops the schedules, optionally sends a terminate message
// and then releases the stream whatever the outcome.
func (c *Connection) closeRunLocked(ctx context.Context, terminate bool) error {
	c.mu.Lock()
	r := c.run
	c.run = nil
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	c.transition(eventClose)
	var err error
	req := closeRequest{terminate: terminate, result: make(chan error, 1)}
	timer := time.NewTimer(closeWait)
	defer timer.Stop()
	select {
	case r.closing <- req:
		select {
		case err = <-req.result:
		case <-r.done:
		case <-timer.C:
			err = context.DeadlineExceeded
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-r.done:
	case <-timer.C:
		err = context.DeadlineExceeded
	case <-ctx.Done():
		err = ctx.Err()
	}
	r.cancel()
	if cerr := r.stream.Close(); cerr != nil {
		logging.Logger.WithError(cerr).Debug("edgeevents: stream.Close failed")
	}
	<-r.done
	r.probes.Wait()
	c.transition(eventFinish)
	return err
}

// Close sends a terminate message and releases the connection. Resources
// are released even when the terminate message cannot be sent, in which
// case its error is returned.
func (c *Connection) Close(ctx context.Context) error {
	c.opMu.Lock()
	state := c.fsm.Current()
	err := c.closeRunLocked(ctx, true)
	lt := c.lt
	if lt != nil {
		lt.cancel()
	}
	c.opMu.Unlock()
	// No run of lt is left, so nothing adds to lt.bg anymore.
	if lt != nil {
		lt.bg.Wait()
		lt.callbacks.close()
	}
	if state == StateUninitialized || state == StateClosed {
		return ErrConnectionAlreadyClosed
	}
	return err
}

// Restart closes the stream and opens a new one against the endpoint of
// the last discovery.
func (c *Connection) Restart(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.restartLocked(ctx, c.lt)
}

// restartWithin restarts the connection only while lt is still its
// current lifetime.
func (c *Connection) restartWithin(ctx context.Context, lt *lifetime) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.lt != lt {
		return ErrConnectionAlreadyClosed
	}
	return c.restartLocked(ctx, lt)
}

func (c *Connection) restartLocked(ctx context.Context, lt *lifetime) error {
	if lt.ended() {
		return ErrConnectionAlreadyClosed
	}
	atomic.AddInt64(&c.restarts, 1)
	if err := c.closeRunLocked(ctx, true); err != nil {
		logging.Logger.WithError(err).Debug("edgeevents: terminate before restart failed")
	}
	endpoint, cookie, err := c.checkPreconditions()
	if err != nil {
		return err
	}
	return c.startLocked(ctx, lt, endpoint, cookie)
}

// SwitchedToNewCloudlet restarts the stream against the newly found
// cloudlet. Without AutoMigrate the application calls it once it moved its
// own traffic.
func (c *Connection) SwitchedToNewCloudlet(ctx context.Context) error {
	return c.Restart(ctx)
}

// notify reports to the managed mode handler of lt. In raw mode the
// failure is given to the raw handler as an error event. Outcomes of an
// ended lifetime are only logged.
func (c *Connection) notify(lt *lifetime, status Status, ev *NewCloudletEvent) {
	if lt.ended() {
		logging.Logger.WithError(ev.Err).WithField("trigger", ev.Trigger).Debug("edgeevents: connection closed, dropping result")
		return
	}
	q := lt.callbacks
	if c.onNewCloudlet != nil {
		q.push(func() { c.onNewCloudlet(status, ev) })
		return
	}
	if c.onServerEvent != nil && ev.Err != nil {
		msg := &model.ServerEdgeEvent{EventType: model.ServerError, ErrorMsg: ev.Err.Error()}
		q.push(func() { c.onServerEvent(msg) })
	}
}

func (c *Connection) forward(lt *lifetime, ev *model.ServerEdgeEvent) {
	if c.onServerEvent == nil || lt.ended() {
		return
	}
	lt.callbacks.push(func() { c.onServerEvent(ev) })
}

// location returns the device location from the provider, falling back to
// the last cached location.
func (c *Connection) location(ctx context.Context) (*model.Location, error) {
	if c.opts.Location != nil {
		loc, err := c.opts.Location.LastKnownLocation(ctx)
		if err == nil {
			err = model.ValidateLocation(loc)
		}
		if err == nil {
			c.opts.Session.SetLocation(loc)
			return loc, nil
		}
		logging.Logger.WithError(err).Debug("edgeevents: location provider failed, using cached location")
	}
	if loc := c.opts.Session.Location(); loc != nil {
		return loc, nil
	}
	return nil, ErrNoLocation
}
