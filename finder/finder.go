// Package finder picks the endpoint a client should use, either as answered
// by the discovery service or by measuring latency to every candidate.
package finder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/edgexr/edge-events/dme"
	"github.com/edgexr/edge-events/latency"
	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/metrics"
	"github.com/edgexr/edge-events/model"
	"github.com/edgexr/edge-events/netprobe"
	"github.com/edgexr/edge-events/session"
)

// Mode selects how the endpoint is chosen.
type Mode int

const (
	// ModeFirst returns the answer of the discovery service.
	ModeFirst Mode = iota
	// ModePerformance measures every candidate and returns the fastest.
	ModePerformance
)

func (m Mode) String() string {
	switch m {
	case ModeFirst:
		return "FIRST"
	case ModePerformance:
		return "PERFORMANCE"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// DefaultSamples is the number of samples taken per candidate in
// performance mode.
const DefaultSamples = 5

var (
	// ErrMissingSessionCookie means that the client never registered.
	ErrMissingSessionCookie = errors.New("finder: missing session cookie")
	// ErrNoCandidates means that the service knows no instance of the app.
	ErrNoCandidates = errors.New("finder: no candidate endpoints")
	// ErrNotFound means that the service found no endpoint for the client.
	ErrNotFound = errors.New("finder: no cloudlet found")
)

// Request is the input of Find.
type Request struct {
	Location    *model.Location
	CarrierName string
	Mode        Mode
	Tags        map[string]string
}

// Finder runs discovery on behalf of a registered client.
type Finder struct {
	Discoverer dme.Discoverer
	Session    *session.Session
	Prober     netprobe.Prober

	// Samples per candidate in performance mode. Zero means DefaultSamples.
	Samples int
	// Workers bounds concurrent probes in performance mode.
	Workers int
	// TestPort selects the port probed on each candidate. Zero means the
	// first TCP port.
	TestPort int32
	// TestType is the probe type used in performance mode.
	TestType netprobe.TestType
	// LocalInterface optionally pins probes to a local interface.
	LocalInterface string
	// Timeout bounds each probe.
	Timeout time.Duration
}

// New returns a finder with default settings.
func New(d dme.Discoverer, s *session.Session, p netprobe.Prober) *Finder {
	return &Finder{
		Discoverer: d,
		Session:    s,
		Prober:     p,
		Samples:    DefaultSamples,
		Workers:    latency.DefaultWorkers,
		TestType:   netprobe.Connect,
		Timeout:    latency.DefaultProbeTimeout,
	}
}

// Find returns the endpoint for req. On success the session records the
// endpoint and its edge events cookie; on a failed discovery the session
// discovery state is cleared.
func (f *Finder) Find(ctx context.Context, req Request) (*model.FindCloudletReply, error) {
	reply, err := f.find(ctx, req)
	status := "ok"
	switch {
	case errors.Is(err, ErrMissingSessionCookie),
		errors.Is(err, model.ErrInvalidLatitude),
		errors.Is(err, model.ErrInvalidLongitude):
		status = "precondition"
	case errors.Is(err, ErrNotFound):
		status = "not-found"
		f.Session.ClearDiscovery()
	case errors.Is(err, ErrNoCandidates):
		status = "no-candidates"
		f.Session.ClearDiscovery()
	case err != nil:
		status = "error"
		f.Session.ClearDiscovery()
	default:
		f.Session.SetDiscovery(reply)
		f.Session.SetLocation(req.Location)
	}
	metrics.FindCloudlet.WithLabelValues(req.Mode.String(), status).Inc()
	return reply, err
}

func (f *Finder) find(ctx context.Context, req Request) (*model.FindCloudletReply, error) {
	cookie := f.Session.SessionCookie()
	if cookie == "" {
		return nil, ErrMissingSessionCookie
	}
	if err := model.ValidateLocation(req.Location); err != nil {
		return nil, err
	}
	if req.Mode == ModePerformance {
		return f.findPerformance(ctx, cookie, req)
	}
	reply, err := f.Discoverer.FindCloudlet(ctx, &dme.FindCloudletRequest{
		SessionCookie: cookie,
		CarrierName:   req.CarrierName,
		GpsLocation:   *req.Location,
		Tags:          req.Tags,
	})
	if reply != nil && reply.Status == model.FindNotFound {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

type candidate struct {
	reply *model.FindCloudletReply
	site  *latency.Site
}

func (f *Finder) findPerformance(ctx context.Context, cookie string, req Request) (*model.FindCloudletReply, error) {
	list, err := f.Discoverer.GetAppInstList(ctx, &dme.AppInstListRequest{
		SessionCookie: cookie,
		CarrierName:   req.CarrierName,
		GpsLocation:   *req.Location,
		Tags:          req.Tags,
	})
	if err != nil {
		return nil, err
	}
	var candidates []candidate
	for _, cl := range list.Cloudlets {
		for _, ai := range cl.Appinstances {
			reply := cl.Reply(ai)
			p, port, err := reply.TestPort(f.TestPort)
			if err != nil {
				logging.Logger.WithError(err).Debugf("finder: skipping %s", ai.Fqdn)
				continue
			}
			site := latency.NewSite(p.Host(reply.Fqdn), int(port), f.TestType, f.Samples)
			site.Network = p.Proto.Network()
			site.LocalInterface = f.LocalInterface
			candidates = append(candidates, candidate{reply: reply, site: site})
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	sites := make([]*latency.Site, len(candidates))
	for i := range candidates {
		sites[i] = candidates[i].site
	}
	samples := f.Samples
	if samples < 1 {
		samples = DefaultSamples
	}
	results, err := latency.RunBatch(ctx, f.Prober, sites, samples, f.Workers, f.Timeout)
	if err != nil {
		return nil, err
	}
	best := results[0]
	if best.NumSamples == 0 {
		// Nothing answered; keep the order of the service, nearest first.
		logging.Logger.WithError(best.Err).Warn("finder: no candidate answered a probe")
	}
	for _, c := range candidates {
		if c.site == best.Site {
			logging.Logger.WithFields(log.Fields{
				"fqdn":       c.reply.Fqdn,
				"mean_ms":    best.Mean,
				"stddev_ms":  best.StdDev,
				"candidates": len(candidates),
			}).Debug("finder: selected endpoint")
			return c.reply, nil
		}
	}
	return nil, ErrNoCandidates
}
