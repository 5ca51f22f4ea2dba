package edgeevents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/m-lab/go/memoryless"

	"github.com/edgexr/edge-events/config"
	"github.com/edgexr/edge-events/latency"
	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/metrics"
	"github.com/edgexr/edge-events/model"
	"github.com/edgexr/edge-events/netprobe"
	"github.com/edgexr/edge-events/transport"
)

type closeRequest struct {
	terminate bool
	result    chan error
}

type post struct {
	ev     *model.ClientEdgeEvent
	result chan error
}

type probeResult struct {
	samples []model.Sample
	loc     *model.Location
	// scheduled results count towards the latency schedule.
	scheduled bool
	// requested results answer a server latency request.
	requested bool
	err       error
}

// run is one stream and the loop owning it.
type run struct {
	lt       *lifetime
	ctx      context.Context
	cancel   context.CancelFunc
	stream   transport.Stream
	endpoint *model.FindCloudletReply
	cookie   string

	posts   chan post
	closing chan closeRequest
	results chan probeResult
	ready   chan struct{}
	done    chan struct{}
	probes  sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func newRun(lt *lifetime, stream transport.Stream, endpoint *model.FindCloudletReply, cookie string) *run {
	ctx, cancel := context.WithCancel(lt.ctx)
	return &run{
		lt:       lt,
		ctx:      ctx,
		cancel:   cancel,
		stream:   stream,
		endpoint: endpoint,
		cookie:   cookie,
		posts:    make(chan post),
		closing:  make(chan closeRequest),
		results:  make(chan probeResult),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *run) setErr(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *run) error() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *run) isReady() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// schedule is the state of one kind of periodic client event.
type schedule struct {
	cfg    config.ClientEventsConfig
	ticker *memoryless.Ticker
	c      <-chan time.Time
	sent   int
}

// start arms the schedule and tells whether an update is due now.
func (s *schedule) start(ctx context.Context, cfg config.ClientEventsConfig) bool {
	s.cfg = cfg
	switch cfg.UpdatePattern {
	case config.OnStart:
		return true
	case config.OnInterval:
		i := cfg.UpdateInterval
		t, err := memoryless.NewTicker(ctx, memoryless.Config{Min: i, Expected: i, Max: i})
		if err != nil {
			logging.Logger.WithError(err).Warn("edgeevents: memoryless.NewTicker failed")
			return false
		}
		s.ticker = t
		s.c = t.C
	}
	return false
}

func (s *schedule) stop() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.c = nil
}

// exhausted tells whether the schedule sent all its updates.
func (s *schedule) exhausted() bool {
	return s.cfg.UpdatePattern == config.OnInterval && s.cfg.MaxNumberOfUpdates > 0 && s.sent >= s.cfg.MaxNumberOfUpdates
}

// fired counts a successful update and stops the schedule at its maximum.
func (s *schedule) fired() {
	s.sent++
	if s.exhausted() {
		logging.Logger.Debugf("edgeevents: schedule done after %d updates", s.sent)
		s.stop()
	}
}

// loop owns the stream of r: every send and receive, both schedules and
// the dispatch of server events happen here, in order.
func (c *Connection) loop(r *run) {
	logging.Logger.Debug("edgeevents: loop start")
	defer logging.Logger.Debug("edgeevents: loop stop")
	defer close(r.done)
	latencySched := &schedule{}
	location := &schedule{}
	defer location.stop()
	defer latencySched.stop()

	if err := c.send(r, c.initEvent(r)); err != nil {
		r.setErr(err)
		return
	}
	events := r.stream.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				err := r.stream.Err()
				if err == nil {
					err = transport.ErrClosed
				}
				r.setErr(err)
				if r.ctx.Err() == nil && r.isReady() {
					c.streamLost(r, err)
				}
				return
			}
			c.dispatch(r, ev, latencySched, location)
		case p := <-r.posts:
			p.result <- c.send(r, p.ev)
		case res := <-r.results:
			c.handleProbe(r, res, latencySched)
		case <-latencySched.c:
			c.startLatencyTest(r, true, false)
		case <-location.c:
			c.sendLocation(r, location)
		case req := <-r.closing:
			// Timers are canceled before the stream goes away.
			latencySched.stop()
			location.stop()
			var err error
			if req.terminate {
				err = c.send(r, &model.ClientEdgeEvent{EventType: model.ClientTerminateConnection})
			}
			req.result <- err
			return
		case <-r.ctx.Done():
			r.setErr(r.ctx.Err())
			return
		}
	}
}

func (c *Connection) initEvent(r *run) *model.ClientEdgeEvent {
	return &model.ClientEdgeEvent{
		EventType:        model.ClientInitConnection,
		SessionCookie:    c.opts.Session.SessionCookie(),
		EdgeEventsCookie: r.cookie,
		GpsLocation:      c.opts.Session.Location(),
		DeviceInfo:       c.opts.DeviceInfo,
		Tags:             c.opts.Tags,
	}
}

func (c *Connection) send(r *run, ev *model.ClientEdgeEvent) error {
	ctx, cancel := context.WithTimeout(r.ctx, transport.DefaultTimeout)
	defer cancel()
	err := r.stream.Send(ctx, ev)
	status := "ok"
	if err != nil {
		status = "error"
		logging.Logger.WithError(err).Warnf("edgeevents: sending %s failed", ev.EventType)
	}
	metrics.ClientEvents.WithLabelValues(string(ev.EventType), status).Inc()
	return err
}

func (c *Connection) streamLost(r *run, err error) {
	logging.Logger.WithError(err).Warn("edgeevents: stream ended")
	lt := r.lt
	lt.bg.Add(1)
	go func() {
		defer lt.bg.Done()
		c.opMu.Lock()
		if c.currentRun() == r {
			c.closeRunLocked(context.Background(), false)
		}
		c.opMu.Unlock()
		c.notify(r.lt, StatusFail, &NewCloudletEvent{
			Trigger: model.TriggerError,
			Err:     fmt.Errorf("edgeevents: stream lost: %w", err),
		})
	}()
}

func (c *Connection) onReady(r *run, latencySched, location *schedule) {
	if c.fsm.Current() != StateAwaitingReady || !c.transition(eventReady) {
		return
	}
	close(r.ready)
	if c.raw {
		return
	}
	if latencySched.start(r.ctx, c.cfg.LatencyUpdateConfig) {
		c.startLatencyTest(r, true, false)
	}
	if location.start(r.ctx, c.cfg.LocationUpdateConfig) {
		c.sendLocation(r, location)
	}
}

// dispatch handles one server event. It never fails: errors are reported
// to the handler.
func (c *Connection) dispatch(r *run, ev *model.ServerEdgeEvent, latencySched, location *schedule) {
	metrics.ServerEvents.WithLabelValues(string(ev.EventType)).Inc()
	if ev.EventType == model.ServerInitConnection {
		c.onReady(r, latencySched, location)
	}
	if c.raw {
		c.forward(r.lt, ev)
		return
	}
	cfg := c.cfg
	switch ev.EventType {
	case model.ServerInitConnection:
	case model.ServerLatencyRequest:
		c.startLatencyTest(r, false, true)
	case model.ServerLatencyProcessed:
		if cfg.HasTrigger(model.TriggerLatencyTooHigh) && ev.Statistics != nil &&
			ev.Statistics.Avg > cfg.LatencyThresholdTrigger {
			c.triggerRediscovery(r.lt, model.TriggerLatencyTooHigh, nil)
		}
	case model.ServerCloudletState:
		if cfg.HasTrigger(model.TriggerCloudletStateChanged) && ev.CloudletState != model.CloudletStateReady {
			c.triggerRediscovery(r.lt, model.TriggerCloudletStateChanged, nil)
		}
	case model.ServerCloudletMaintenance:
		if cfg.HasTrigger(model.TriggerCloudletMaintenanceStateChanged) && ev.MaintenanceState != model.MaintenanceNormal {
			c.triggerRediscovery(r.lt, model.TriggerCloudletMaintenanceStateChanged, nil)
		}
	case model.ServerAppInstHealth:
		if cfg.HasTrigger(model.TriggerAppInstHealthChanged) && ev.HealthCheck != model.HealthCheckOK {
			c.triggerRediscovery(r.lt, model.TriggerAppInstHealthChanged, nil)
		}
	case model.ServerCloudletUpdate:
		c.triggerRediscovery(r.lt, model.TriggerCloserCloudlet, ev.NewCloudlet)
	case model.ServerError:
		err := fmt.Errorf("%w: %s", ErrServerError, ev.ErrorMsg)
		if cfg.HasTrigger(model.TriggerError) {
			c.notify(r.lt, StatusFail, &NewCloudletEvent{Trigger: model.TriggerError, Err: err})
		} else {
			logging.Logger.WithError(err).Warn("edgeevents: server error event")
		}
	default:
		logging.Logger.Warnf("edgeevents: ignoring unknown event %q", ev.EventType)
	}
}

// startLatencyTest measures the current endpoint off the loop and hands
// the result back to it.
func (c *Connection) startLatencyTest(r *run, scheduled, requested bool) {
	testType := netprobe.Connect
	var port int32
	if c.cfg != nil {
		port = c.cfg.LatencyTestPort
		if scheduled && c.cfg.LatencyTestType != "" {
			testType = c.cfg.LatencyTestType
		}
	}
	r.probes.Add(1)
	go func() {
		defer r.probes.Done()
		res := probeResult{scheduled: scheduled, requested: requested}
		res.loc, res.err = c.location(r.ctx)
		if res.err == nil {
			var site *latency.Site
			site, res.err = c.measure(r.ctx, r.endpoint, testType, port)
			if res.err == nil {
				res.samples = site.ModelSamples()
			}
		}
		select {
		case r.results <- res:
		case <-r.ctx.Done():
		}
	}()
}

func (c *Connection) handleProbe(r *run, res probeResult, latencySched *schedule) {
	if res.err != nil {
		if res.requested {
			c.notify(r.lt, StatusFail, &NewCloudletEvent{
				Trigger: model.TriggerError,
				Err:     fmt.Errorf("edgeevents: latency request: %w", res.err),
			})
			return
		}
		logging.Logger.WithError(res.err).Warn("edgeevents: scheduled latency test failed")
		return
	}
	if res.scheduled && latencySched.exhausted() {
		return
	}
	err := c.send(r, &model.ClientEdgeEvent{
		EventType:   model.ClientLatencySamples,
		GpsLocation: res.loc,
		Samples:     res.samples,
	})
	if err == nil && res.scheduled {
		latencySched.fired()
	}
}

func (c *Connection) sendLocation(r *run, s *schedule) {
	loc, err := c.location(r.ctx)
	if err != nil {
		logging.Logger.WithError(err).Warn("edgeevents: scheduled location update skipped")
		return
	}
	err = c.send(r, &model.ClientEdgeEvent{
		EventType:   model.ClientLocationUpdate,
		GpsLocation: loc,
	})
	if err == nil {
		s.fired()
	}
}
