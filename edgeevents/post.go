package edgeevents

import (
	"context"
	"fmt"

	"github.com/edgexr/edge-events/latency"
	"github.com/edgexr/edge-events/model"
	"github.com/edgexr/edge-events/netprobe"
)

// isReady tells whether posts are accepted.
func (c *Connection) isReady() bool {
	r := c.currentRun()
	return r != nil && r.isReady() && c.fsm.Current() == StateReady
}

// postEvent hands ev to the loop and waits for it to be sent. Nothing is
// sent unless the connection is ready.
func (c *Connection) postEvent(ctx context.Context, ev *model.ClientEdgeEvent) error {
	r := c.currentRun()
	if r == nil || !r.isReady() || c.fsm.Current() != StateReady {
		return ErrConnectionAlreadyClosed
	}
	p := post{ev: ev, result: make(chan error, 1)}
	select {
	case r.posts <- p:
	case <-r.done:
		return ErrConnectionAlreadyClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-p.result:
		return err
	case <-r.done:
		return ErrConnectionAlreadyClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PostLocationUpdate sends the device location.
func (c *Connection) PostLocationUpdate(ctx context.Context, loc *model.Location) error {
	if !c.isReady() {
		return ErrConnectionAlreadyClosed
	}
	if err := model.ValidateLocation(loc); err != nil {
		return err
	}
	c.opts.Session.SetLocation(loc)
	return c.postEvent(ctx, &model.ClientEdgeEvent{
		EventType:   model.ClientLocationUpdate,
		GpsLocation: loc,
	})
}

// PostLatencyUpdate sends the samples of site measured at loc.
func (c *Connection) PostLatencyUpdate(ctx context.Context, site *latency.Site, loc *model.Location) error {
	if !c.isReady() {
		return ErrConnectionAlreadyClosed
	}
	if site == nil {
		return fmt.Errorf("edgeevents: missing latency site")
	}
	return c.PostLatencySamples(ctx, site.ModelSamples(), loc)
}

// PostLatencySamples sends samples measured at loc.
func (c *Connection) PostLatencySamples(ctx context.Context, samples []model.Sample, loc *model.Location) error {
	if !c.isReady() {
		return ErrConnectionAlreadyClosed
	}
	if err := model.ValidateLocation(loc); err != nil {
		return err
	}
	return c.postEvent(ctx, &model.ClientEdgeEvent{
		EventType:   model.ClientLatencySamples,
		GpsLocation: loc,
		Samples:     samples,
	})
}

// PostCustomEvent sends an application defined event.
func (c *Connection) PostCustomEvent(ctx context.Context, name string, tags map[string]string) error {
	return c.postEvent(ctx, &model.ClientEdgeEvent{
		EventType:   model.ClientCustomEvent,
		CustomEvent: name,
		Tags:        tags,
	})
}

// TestConnectAndPostLatencyUpdate measures the connect time to port of the
// current endpoint and posts the samples. Port zero selects the first TCP
// port.
func (c *Connection) TestConnectAndPostLatencyUpdate(ctx context.Context, port int32, loc *model.Location) (*latency.Site, error) {
	return c.testAndPost(ctx, netprobe.Connect, port, loc)
}

// TestPingAndPostLatencyUpdate pings the current endpoint and posts the
// samples.
func (c *Connection) TestPingAndPostLatencyUpdate(ctx context.Context, loc *model.Location) (*latency.Site, error) {
	return c.testAndPost(ctx, netprobe.Ping, 0, loc)
}

func (c *Connection) testAndPost(ctx context.Context, testType netprobe.TestType, port int32, loc *model.Location) (*latency.Site, error) {
	r := c.currentRun()
	if r == nil || !r.isReady() || c.fsm.Current() != StateReady {
		return nil, ErrConnectionAlreadyClosed
	}
	if err := model.ValidateLocation(loc); err != nil {
		return nil, err
	}
	site, err := c.measure(ctx, r.endpoint, testType, port)
	if err != nil {
		return nil, err
	}
	return site, c.PostLatencyUpdate(ctx, site, loc)
}

// measure takes a window of samples against endpoint.
func (c *Connection) measure(ctx context.Context, endpoint *model.FindCloudletReply, testType netprobe.TestType, port int32) (*latency.Site, error) {
	p, public, err := endpoint.TestPort(port)
	if err != nil {
		return nil, err
	}
	site := latency.NewSite(p.Host(endpoint.Fqdn), int(public), testType, latency.DefaultCapacity)
	site.Network = p.Proto.Network()
	results, err := latency.RunBatch(ctx, c.opts.Prober, []*latency.Site{site}, latency.DefaultCapacity, 0, 0)
	if err != nil {
		return nil, err
	}
	if results[0].NumSamples == 0 {
		return nil, fmt.Errorf("edgeevents: latency test of %s failed: %w", site.Key(), results[0].Err)
	}
	return site, nil
}
