package access

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/square/go-jose.v2/jwt"
)

var (
	cookieAccessRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeevents_access_cookiecontroller_requests_total",
			Help: "Total number of requests handled by the access cookiecontroller.",
		},
		[]string{"request"},
	)
)

// CookieController admits requests that carry a valid cookie as a bearer
// token in the Authorization header.
type CookieController struct {
	verifier Verifier
	subject  string
}

// NewCookieController creates a controller accepting cookies of subject.
func NewCookieController(subject string, verifier Verifier) *CookieController {
	return &CookieController{
		verifier: verifier,
		subject:  subject,
	}
}

// Limit implements the Controller interface.
func (c *CookieController) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie := BearerToken(r)
		if cookie == "" {
			cookieAccessRequests.WithLabelValues("missing").Inc()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		cl, err := c.verifier.Verify(cookie, jwt.Expected{
			Subject: c.subject,
			Time:    time.Now(),
		})
		if err != nil {
			cookieAccessRequests.WithLabelValues("rejected").Inc()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		cookieAccessRequests.WithLabelValues("accepted").Inc()
		next.ServeHTTP(w, r.Clone(SetClaims(r.Context(), cl)))
	})
}

// BearerToken returns the bearer token of r, if any.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
