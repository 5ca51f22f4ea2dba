// Package latency keeps rolling latency statistics for candidate endpoints
// and runs batches or recurring schedules of network probes against them.
package latency

import (
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/edgexr/edge-events/model"
	"github.com/edgexr/edge-events/netprobe"
)

// DefaultCapacity is the default size of the sample window.
const DefaultCapacity = 5

// reconcileEvery is the number of updates after which the running sums are
// recomputed from the window to bound floating point drift.
const reconcileEvery = 64

// Key identifies a Site. Two sites with the same key are the same site
// regardless of their statistics.
type Key struct {
	Host string
	Port int
}

// String returns host:port.
func (k Key) String() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// Site accumulates a fixed size window of latency samples, in milliseconds,
// for one endpoint. Mean and standard deviation are kept up to date in
// constant time on every insert and eviction. Site is safe for concurrent use.
type Site struct {
	// Host is the endpoint host name or address.
	Host string
	// Port is the endpoint port.
	Port int
	// Network is "tcp" or "udp".
	Network string
	// TestType selects how samples are taken.
	TestType netprobe.TestType
	// LocalInterface optionally pins probes to a local interface.
	LocalInterface string

	mu       sync.Mutex
	capacity int
	window   []float64 // ring buffer
	head     int       // index of the oldest sample
	count    int
	last     float64
	lastAt   time.Time
	sum      float64
	sumSq    float64
	mean     float64
	stdDev   float64
	updates  int
}

// NewSite creates a site for host:port with the given window capacity. A
// capacity less than one selects DefaultCapacity.
func NewSite(host string, port int, testType netprobe.TestType, capacity int) *Site {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if testType == "" {
		testType = netprobe.Connect
	}
	return &Site{
		Host:     host,
		Port:     port,
		Network:  "tcp",
		TestType: testType,
		capacity: capacity,
		window:   make([]float64, capacity),
	}
}

// Key returns the identity of the site.
func (s *Site) Key() Key {
	return Key{Host: s.Host, Port: s.Port}
}

// Equal tells whether s and other identify the same endpoint.
func (s *Site) Equal(other *Site) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Key() == other.Key()
}

// AddSample inserts a sample, evicting the oldest one when the window is full.
func (s *Site) AddSample(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(ms, time.Now())
}

// AddDuration inserts d as a sample in milliseconds.
func (s *Site) AddDuration(d time.Duration) {
	s.AddSample(float64(d) / float64(time.Millisecond))
}

func (s *Site) addLocked(ms float64, now time.Time) {
	if s.count == s.capacity {
		old := s.window[s.head]
		s.window[s.head] = ms
		s.head = (s.head + 1) % s.capacity
		s.sum += ms - old
		s.sumSq += ms*ms - old*old
	} else {
		s.window[(s.head+s.count)%s.capacity] = ms
		s.count++
		s.sum += ms
		s.sumSq += ms * ms
	}
	s.last = ms
	s.lastAt = now
	s.updates++
	if s.updates%reconcileEvery == 0 {
		s.reconcileLocked()
	}
	s.updateStatsLocked()
}

// reconcileLocked recomputes the running sums from the window.
func (s *Site) reconcileLocked() {
	s.sum, s.sumSq = 0, 0
	for i := 0; i < s.count; i++ {
		v := s.window[(s.head+i)%s.capacity]
		s.sum += v
		s.sumSq += v * v
	}
}

// updateStatsLocked derives mean and unbiased standard deviation from the
// running sums using
//
//	var = sumSq/(n-1) - 2*mean*sum/(n-1) + mean^2*n/(n-1)
func (s *Site) updateStatsLocked() {
	n := float64(s.count)
	if s.count == 0 {
		s.mean, s.stdDev = 0, 0
		return
	}
	s.mean = s.sum / n
	if s.count < 2 {
		s.stdDev = 0
		return
	}
	unbiasedMean := s.sum / (n - 1)
	variance := s.sumSq/(n-1) - 2*s.mean*unbiasedMean + s.mean*s.mean*n/(n-1)
	if variance < 0 {
		// Cancellation can produce tiny negative values.
		variance = 0
	}
	s.stdDev = math.Sqrt(variance)
}

// Mean returns the rolling mean in milliseconds.
func (s *Site) Mean() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mean
}

// StdDev returns the rolling unbiased standard deviation in milliseconds.
// It is zero for fewer than two samples.
func (s *Site) StdDev() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdDev
}

// NumSamples returns the number of samples in the window.
func (s *Site) NumSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Last returns the last sample and when it was taken.
func (s *Site) Last() (float64, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastAt
}

// Samples returns a copy of the window, oldest first.
func (s *Site) Samples() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, s.count)
	for i := range out {
		out[i] = s.window[(s.head+i)%s.capacity]
	}
	return out
}

// Statistics summarises the window.
func (s *Site) Statistics() model.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := model.Statistics{
		Avg:        s.mean,
		StdDev:     s.stdDev,
		Variance:   s.stdDev * s.stdDev,
		NumSamples: uint64(s.count),
	}
	for i := 0; i < s.count; i++ {
		v := s.window[(s.head+i)%s.capacity]
		if i == 0 || v < st.Min {
			st.Min = v
		}
		if i == 0 || v > st.Max {
			st.Max = v
		}
	}
	return st
}

// ModelSamples returns the window as wire samples.
func (s *Site) ModelSamples() []model.Sample {
	values := s.Samples()
	_, at := s.Last()
	out := make([]model.Sample, 0, len(values))
	for _, v := range values {
		ts := at
		out = append(out, model.Sample{Value: v, Timestamp: &ts})
	}
	return out
}

// request builds the probe request for the site.
func (s *Site) request(timeout time.Duration) netprobe.Request {
	return netprobe.Request{
		LocalInterface: s.LocalInterface,
		Host:           s.Host,
		Port:           s.Port,
		Network:        s.Network,
		TestType:       s.TestType,
		Timeout:        timeout,
	}
}
