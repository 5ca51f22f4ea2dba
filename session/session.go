// Package session holds the cookies, last discovered endpoint and last known
// location shared between discovery and the edge events connection.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/edgexr/edge-events/model"
)

// ErrNoExpiry is returned by CookieExpiry for cookies without an exp claim.
var ErrNoExpiry = errors.New("session: cookie has no expiry")

// State is a point in time copy of a Session. It is also the persisted form.
type State struct {
	SessionCookie    string                   `json:"session_cookie,omitempty"`
	EdgeEventsCookie string                   `json:"edge_events_cookie,omitempty"`
	Endpoint         *model.FindCloudletReply `json:"endpoint,omitempty"`
	Location         *model.Location          `json:"location,omitempty"`
	SavedAt          time.Time                `json:"saved_at"`
}

// Session is safe for concurrent use. The endpoint and the edge events
// cookie are always updated together so that readers never observe an
// endpoint with the cookie of another one.
type Session struct {
	mu               sync.RWMutex
	sessionCookie    string
	edgeEventsCookie string
	endpoint         *model.FindCloudletReply
	location         *model.Location
}

// New returns an empty session.
func New() *Session {
	return &Session{}
}

// SetRegistration records the session cookie of a successful registration.
func (s *Session) SetRegistration(cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionCookie = cookie
}

// ClearRegistration drops the session cookie and everything derived from it.
func (s *Session) ClearRegistration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionCookie = ""
	s.edgeEventsCookie = ""
	s.endpoint = nil
}

// SessionCookie returns the current session cookie.
func (s *Session) SessionCookie() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionCookie
}

// SetDiscovery records the reply of a successful discovery together with its
// edge events cookie.
func (s *Session) SetDiscovery(reply *model.FindCloudletReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = reply.Clone()
	if reply == nil {
		s.edgeEventsCookie = ""
		return
	}
	s.edgeEventsCookie = reply.EdgeEventsCookie
}

// ClearDiscovery drops the endpoint and edge events cookie.
func (s *Session) ClearDiscovery() {
	s.SetDiscovery(nil)
}

// EdgeEventsCookie returns the edge events cookie of the last discovery.
func (s *Session) EdgeEventsCookie() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgeEventsCookie
}

// Endpoint returns a copy of the last discovered endpoint, or nil.
func (s *Session) Endpoint() *model.FindCloudletReply {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint.Clone()
}

// Discovery returns the endpoint and its edge events cookie as one pair.
func (s *Session) Discovery() (*model.FindCloudletReply, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint.Clone(), s.edgeEventsCookie
}

// SetLocation caches the last known location.
func (s *Session) SetLocation(loc *model.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = copyLocation(loc)
}

// Location returns a copy of the cached location, or nil.
func (s *Session) Location() *model.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyLocation(s.location)
}

// Snapshot returns a copy of the whole session.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		SessionCookie:    s.sessionCookie,
		EdgeEventsCookie: s.edgeEventsCookie,
		Endpoint:         s.endpoint.Clone(),
		Location:         copyLocation(s.location),
		SavedAt:          time.Now(),
	}
}

// Restore replaces the session content with st.
func (s *Session) Restore(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionCookie = st.SessionCookie
	s.edgeEventsCookie = st.EdgeEventsCookie
	s.endpoint = st.Endpoint.Clone()
	s.location = copyLocation(st.Location)
}

// SessionCookieExpired tells whether a new registration is needed at now. An
// empty cookie is expired. A cookie that does not carry an expiry never
// expires.
func (s *Session) SessionCookieExpired(now time.Time) bool {
	cookie := s.SessionCookie()
	if cookie == "" {
		return true
	}
	exp, err := CookieExpiry(cookie)
	if err != nil {
		return false
	}
	return !now.Before(exp)
}

// CookieExpiry decodes the exp claim of a JWT cookie. The signature is not
// verified; only the issuer can do that.
func CookieExpiry(cookie string) (time.Time, error) {
	tok, err := jwt.ParseSigned(cookie)
	if err != nil {
		return time.Time{}, fmt.Errorf("session: parse cookie: %w", err)
	}
	var cl jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&cl); err != nil {
		return time.Time{}, fmt.Errorf("session: decode claims: %w", err)
	}
	if cl.Expiry == nil {
		return time.Time{}, ErrNoExpiry
	}
	return cl.Expiry.Time(), nil
}

func copyLocation(loc *model.Location) *model.Location {
	if loc == nil {
		return nil
	}
	c := *loc
	if loc.Timestamp != nil {
		ts := *loc.Timestamp
		c.Timestamp = &ts
	}
	return &c
}
