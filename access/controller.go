package access

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/edgexr/edge-events/transport"
)

// Reasons a stream was not admitted. They are sent in the
// transport.RejectHeader of the response.
const (
	ReasonMaxStreams          = "max-streams"
	ReasonMaxStreamsPerClient = "max-streams-per-client"
)

var (
	openStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgeevents_access_streams_open",
			Help: "Current number of edge events streams admitted by the stream limiter.",
		},
	)
	rejectedStreams = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeevents_access_streams_rejected_total",
			Help: "Number of edge events streams rejected by the stream limiter.",
		},
		[]string{"reason"},
	)
)

// StreamLimiter admits edge events streams while fewer than Max are open in
// total and fewer than MaxPerClient are open for the requesting client. Zero
// disables a limit. A stream counts as open until its handler returns.
type StreamLimiter struct {
	Max          int64
	MaxPerClient int64
	// RetryAfter is sent to rejected clients when positive.
	RetryAfter time.Duration
	// Key identifies the client of a request. Nil means the remote host.
	Key func(r *http.Request) string

	mu      sync.Mutex
	open    int64
	clients map[string]int64
}

// Open returns the number of streams currently admitted.
func (l *StreamLimiter) Open() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *StreamLimiter) key(r *http.Request) string {
	if l.Key != nil {
		return l.Key(r)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *StreamLimiter) acquire(client string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Max > 0 && l.open >= l.Max {
		return ReasonMaxStreams
	}
	if l.MaxPerClient > 0 && l.clients[client] >= l.MaxPerClient {
		return ReasonMaxStreamsPerClient
	}
	if l.clients == nil {
		l.clients = make(map[string]int64)
	}
	l.open++
	l.clients[client]++
	openStreams.Set(float64(l.open))
	return ""
}

func (l *StreamLimiter) release(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open--
	if l.clients[client]--; l.clients[client] <= 0 {
		delete(l.clients, client)
	}
	openStreams.Set(float64(l.open))
}

// Limit runs next for admitted streams. Rejected streams get 503 before the
// websocket upgrade, with the reason in transport.RejectHeader.
func (l *StreamLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := l.key(r)
		if reason := l.acquire(client); reason != "" {
			rejectedStreams.WithLabelValues(reason).Inc()
			w.Header().Set(transport.RejectHeader, reason)
			if l.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(l.RetryAfter.Round(time.Second)/time.Second)))
			}
			// 503 - https://tools.ietf.org/html/rfc7231#section-6.6.4
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		defer l.release(client)
		next.ServeHTTP(w, r)
	})
}
