package latency

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/m-lab/go/memoryless"
	"golang.org/x/sync/errgroup"

	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/netprobe"
)

// ErrInvalidInterval is returned by RunInterval for a non positive interval.
var ErrInvalidInterval = errors.New("latency: invalid test interval")

// DefaultWorkers bounds the number of concurrent probes of a batch.
const DefaultWorkers = 8

// DefaultProbeTimeout bounds a single probe run by the Tester.
const DefaultProbeTimeout = 5 * time.Second

// Result is the outcome of a test for one site.
type Result struct {
	Site       *Site
	Mean       float64
	StdDev     float64
	NumSamples int
	// Failures counts the probes of the last batch that failed.
	Failures int
	// Err is the last probe error of the batch, if any.
	Err error
}

// Tester runs probes against a set of sites, either as a one shot batch or
// as a recurring schedule.
type Tester struct {
	// Prober runs the probes.
	Prober netprobe.Prober
	// Workers bounds concurrent probes of a batch.
	Workers int
	// Timeout bounds each probe.
	Timeout time.Duration

	mu       sync.Mutex
	sites    []*Site
	interval time.Duration
	parent   context.Context
	cancel   context.CancelFunc
	gen      uint64
	running  bool
	wg       sync.WaitGroup
}

// NewTester returns a tester for the given sites.
func NewTester(prober netprobe.Prober, sites ...*Site) *Tester {
	t := &Tester{
		Prober:  prober,
		Workers: DefaultWorkers,
		Timeout: DefaultProbeTimeout,
	}
	for _, s := range sites {
		t.addLocked(s)
	}
	return t
}

// Sites returns the sites known to the tester.
func (t *Tester) Sites() []*Site {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Site(nil), t.sites...)
}

// Site returns the site with key k, or nil.
func (t *Tester) Site(k Key) *Site {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sites {
		if s.Key() == k {
			return s
		}
	}
	return nil
}

func (t *Tester) addLocked(site *Site) bool {
	for _, s := range t.sites {
		if s.Equal(site) {
			return false
		}
	}
	t.sites = append(t.sites, site)
	return true
}

// AddSite adds site unless a site with the same key exists. A running
// schedule is restarted so that every site follows the same schedule.
func (t *Tester) AddSite(site *Site) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.addLocked(site) {
		return false
	}
	if t.running {
		t.restartLocked()
	}
	return true
}

// RemoveSite removes the site with key k. A running schedule is restarted.
func (t *Tester) RemoveSite(k Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.sites {
		if s.Key() == k {
			t.sites = append(t.sites[:i], t.sites[i+1:]...)
			if t.running {
				t.restartLocked()
			}
			return true
		}
	}
	return false
}

// RunBatch probes every site of the tester samples times and returns the
// sites ranked best first.
func (t *Tester) RunBatch(ctx context.Context, samples int) ([]Result, error) {
	return RunBatch(ctx, t.Prober, t.Sites(), samples, t.Workers, t.Timeout)
}

// RunBatch runs samples probes against every site, with at most workers
// probes in flight. A failing probe does not stop the others. The sites are
// returned ranked best first. The error is non nil only when ctx expired.
func RunBatch(ctx context.Context, prober netprobe.Prober, sites []*Site, samples, workers int, timeout time.Duration) ([]Result, error) {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	type failure struct {
		count int
		err   error
	}
	var mu sync.Mutex
	failures := make(map[*Site]*failure, len(sites))
	for _, s := range sites {
		failures[s] = &failure{}
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, site := range sites {
		for i := 0; i < samples; i++ {
			site := site
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				rtt, err := prober.Probe(ctx, site.request(timeout))
				if err != nil {
					logging.Logger.WithError(err).Debugf("latency: probe of %s failed", site.Key())
					mu.Lock()
					failures[site].count++
					failures[site].err = err
					mu.Unlock()
					return nil
				}
				site.AddDuration(rtt)
				return nil
			})
		}
	}
	g.Wait()
	results := Rank(sites)
	for i := range results {
		f := failures[results[i].Site]
		results[i].Failures = f.count
		results[i].Err = f.err
	}
	return results, ctx.Err()
}

// Rank orders sites best first. Sites without samples rank last. Among
// sites with samples a lower mean ranks better, and ties are broken by the
// lower standard deviation.
func Rank(sites []*Site) []Result {
	results := make([]Result, 0, len(sites))
	for _, s := range sites {
		s.mu.Lock()
		results = append(results, Result{
			Site:       s,
			Mean:       s.mean,
			StdDev:     s.stdDev,
			NumSamples: s.count,
		})
		s.mu.Unlock()
	}
	sort.SliceStable(results, func(i, j int) bool {
		return better(results[i], results[j])
	})
	return results
}

func better(a, b Result) bool {
	if a.NumSamples == 0 || b.NumSamples == 0 {
		return a.NumSamples > b.NumSamples
	}
	if a.Mean != b.Mean {
		return a.Mean < b.Mean
	}
	return a.StdDev < b.StdDev
}

// RunInterval probes every site once now and then every interval until
// Cancel is called or ctx expires. Calling RunInterval again replaces the
// running schedule.
func (t *Tester) RunInterval(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
	t.parent = ctx
	t.restartLocked()
	return nil
}

// Running tells whether a schedule is active.
func (t *Tester) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// restartLocked cancels the current schedule, if any, and starts a new one
// for the current set of sites.
func (t *Tester) restartLocked() {
	t.stopLocked()
	ctx, cancel := context.WithCancel(t.parent)
	t.cancel = cancel
	t.running = true
	gen := t.gen
	for _, site := range t.sites {
		t.wg.Add(1)
		go t.loop(ctx, gen, site, t.interval)
	}
}

func (t *Tester) stopLocked() {
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.running = false
}

func (t *Tester) loop(ctx context.Context, gen uint64, site *Site, interval time.Duration) {
	defer t.wg.Done()
	logging.Logger.Debugf("latency: start testing %s", site.Key())
	defer logging.Logger.Debugf("latency: stop testing %s", site.Key())
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min: interval, Expected: interval, Max: interval,
	})
	if err != nil {
		logging.Logger.WithError(err).Warn("latency: memoryless.NewTicker failed")
		return
	}
	defer ticker.Stop()
	t.probeAndApply(ctx, gen, site)
	for range ticker.C {
		t.probeAndApply(ctx, gen, site)
	}
}

func (t *Tester) probeAndApply(ctx context.Context, gen uint64, site *Site) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	rtt, err := t.Prober.Probe(ctx, site.request(timeout))
	if err != nil {
		logging.Logger.WithError(err).Debugf("latency: probe of %s failed", site.Key())
		return
	}
	// Results are applied under t.mu so that nothing is written once
	// Cancel has returned.
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	site.AddDuration(rtt)
}

// Cancel stops the running schedule and waits for its goroutines. It is
// safe to call more than once. No sample is recorded after Cancel returns.
func (t *Tester) Cancel() {
	t.mu.Lock()
	t.stopLocked()
	t.mu.Unlock()
	t.wg.Wait()
}
