package access

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgexr/edge-events/transport"
)

func TestStreamLimiter_Limit(t *testing.T) {
	tests := []struct {
		name       string
		limiter    *StreamLimiter
		held       []string
		client     string
		want       bool
		reason     string
		retryAfter string
	}{
		{
			name:    "no-limit",
			limiter: &StreamLimiter{},
			held:    []string{"10.0.0.1", "10.0.0.1"},
			client:  "10.0.0.1",
			want:    true,
		},
		{
			name:       "max-streams",
			limiter:    &StreamLimiter{Max: 2, RetryAfter: 1500 * time.Millisecond},
			held:       []string{"10.0.0.1", "10.0.0.2"},
			client:     "10.0.0.3",
			reason:     ReasonMaxStreams,
			retryAfter: "2",
		},
		{
			name:    "max-streams-per-client",
			limiter: &StreamLimiter{Max: 10, MaxPerClient: 1},
			held:    []string{"10.0.0.1"},
			client:  "10.0.0.1",
			reason:  ReasonMaxStreamsPerClient,
		},
		{
			name:    "other-client-admitted",
			limiter: &StreamLimiter{MaxPerClient: 1},
			held:    []string{"10.0.0.1"},
			client:  "10.0.0.2",
			want:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := tt.limiter
			for _, c := range tt.held {
				if reason := l.acquire(c); reason != "" {
					t.Fatalf("acquire(%q) = %q", c, reason)
				}
			}
			visited := false
			next := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
				visited = true
				if got := l.Open(); got != int64(len(tt.held))+1 {
					t.Errorf("Open() inside handler = %d", got)
				}
			})
			req := httptest.NewRequest(http.MethodGet, "/v1/edgeevents", nil)
			req.RemoteAddr = tt.client + ":5555"
			rw := httptest.NewRecorder()

			l.Limit(next).ServeHTTP(rw, req)

			if visited != tt.want {
				t.Errorf("StreamLimiter.Limit() visited %t, want %t", visited, tt.want)
			}
			if got := rw.Header().Get(transport.RejectHeader); got != tt.reason {
				t.Errorf("%s = %q, want %q", transport.RejectHeader, got, tt.reason)
			}
			if got := rw.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
			if !tt.want && rw.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want %d", rw.Code, http.StatusServiceUnavailable)
			}
			if got := l.Open(); got != int64(len(tt.held)) {
				t.Errorf("Open() after handler = %d, want %d", got, len(tt.held))
			}
		})
	}
}

func TestStreamLimiter_Release(t *testing.T) {
	l := &StreamLimiter{MaxPerClient: 1, Key: func(r *http.Request) string {
		return r.Header.Get("X-Client")
	}}
	next := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {})
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Client", "device-1")
		rw := httptest.NewRecorder()
		l.Limit(next).ServeHTTP(rw, req)
		if rw.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rw.Code)
		}
	}
	if len(l.clients) != 0 {
		t.Errorf("clients = %v, want empty", l.clients)
	}
}
