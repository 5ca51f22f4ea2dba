package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"

	"github.com/edgexr/edge-events/access"
	"github.com/edgexr/edge-events/model"
)

func reply(fqdn, cookie string) *model.FindCloudletReply {
	return &model.FindCloudletReply{
		Status:           model.FindFound,
		Fqdn:             fqdn,
		EdgeEventsCookie: cookie,
	}
}

func TestSession_Discovery(t *testing.T) {
	s := New()
	if s.Endpoint() != nil || s.EdgeEventsCookie() != "" {
		t.Fatal("new session is not empty")
	}
	s.SetRegistration("session-cookie")
	s.SetDiscovery(reply("a.example", "cookie-a"))
	ep, cookie := s.Discovery()
	if ep.Fqdn != "a.example" || cookie != "cookie-a" {
		t.Errorf("Discovery() = %v, %q", ep.Fqdn, cookie)
	}
	// Mutating the returned copy must not change the session.
	ep.Fqdn = "mutated"
	if s.Endpoint().Fqdn != "a.example" {
		t.Error("Endpoint() returned shared state")
	}
	s.ClearDiscovery()
	if s.Endpoint() != nil || s.EdgeEventsCookie() != "" {
		t.Error("ClearDiscovery() left state behind")
	}
	s.SetDiscovery(reply("b.example", "cookie-b"))
	s.ClearRegistration()
	if s.SessionCookie() != "" || s.Endpoint() != nil || s.EdgeEventsCookie() != "" {
		t.Error("ClearRegistration() left state behind")
	}
}

func TestSession_DiscoveryIsAtomic(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			if i%2 == 0 {
				s.SetDiscovery(reply("a.example", "cookie-a.example"))
			} else {
				s.SetDiscovery(reply("b.example", "cookie-b.example"))
			}
		}
	}()
	for i := 0; i < 10000; i++ {
		ep, cookie := s.Discovery()
		if ep == nil {
			continue
		}
		if cookie != "cookie-"+ep.Fqdn {
			t.Fatalf("half updated pair: %s %s", ep.Fqdn, cookie)
		}
	}
	cancel()
	wg.Wait()
}

func TestSession_Location(t *testing.T) {
	s := New()
	if s.Location() != nil {
		t.Fatal("new session has a location")
	}
	ts := time.Now()
	loc := &model.Location{Latitude: 37.459609, Longitude: -122.149349, Timestamp: &ts}
	s.SetLocation(loc)
	loc.Latitude = 0
	got := s.Location()
	if got.Latitude != 37.459609 || got.Timestamp == nil || !got.Timestamp.Equal(ts) {
		t.Errorf("Location() = %+v", got)
	}
}

func TestSession_SnapshotRestore(t *testing.T) {
	s := New()
	s.SetRegistration("session-cookie")
	s.SetDiscovery(reply("a.example", "cookie-a"))
	s.SetLocation(&model.Location{Latitude: 1, Longitude: 2})
	st := s.Snapshot()
	if st.SavedAt.IsZero() {
		t.Error("Snapshot() without SavedAt")
	}

	r := New()
	r.Restore(st)
	ep, cookie := r.Discovery()
	if r.SessionCookie() != "session-cookie" || ep.Fqdn != "a.example" || cookie != "cookie-a" {
		t.Errorf("Restore() = %q %v %q", r.SessionCookie(), ep, cookie)
	}
	if loc := r.Location(); loc == nil || loc.Longitude != 2 {
		t.Errorf("Restore() location = %v", loc)
	}
}

func TestSession_SessionCookieExpired(t *testing.T) {
	signer, err := access.NewSigner("dme", []byte("0123456789abcdef0123456789abcdef"))
	testingx.Must(t, err, "failed to create signer")
	cookie, err := signer.Sign(access.SubjectSession, access.Claims{AppName: "Demo"}, time.Hour)
	testingx.Must(t, err, "failed to sign cookie")

	exp, err := CookieExpiry(cookie)
	testingx.Must(t, err, "failed to decode expiry")
	if d := time.Until(exp); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("CookieExpiry() = %v, want about one hour from now", exp)
	}

	s := New()
	if !s.SessionCookieExpired(time.Now()) {
		t.Error("empty cookie should be expired")
	}
	s.SetRegistration(cookie)
	if s.SessionCookieExpired(time.Now()) {
		t.Error("fresh cookie reported expired")
	}
	if !s.SessionCookieExpired(time.Now().Add(2 * time.Hour)) {
		t.Error("old cookie reported valid")
	}
	s.SetRegistration("opaque-cookie")
	if s.SessionCookieExpired(time.Now()) {
		t.Error("opaque cookie reported expired")
	}
	if _, err := CookieExpiry("opaque-cookie"); err == nil {
		t.Error("CookieExpiry() succeeded on an opaque cookie")
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if _, err := m.Load(ctx, "device"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
	st := State{SessionCookie: "c", Endpoint: reply("a.example", "e")}
	testingx.Must(t, m.Save(ctx, "device", st), "failed to save")
	st.Endpoint.Fqdn = "mutated"
	got, err := m.Load(ctx, "device")
	testingx.Must(t, err, "failed to load")
	if got.SessionCookie != "c" || got.Endpoint.Fqdn != "a.example" {
		t.Errorf("Load() = %+v", got)
	}
	testingx.Must(t, m.Delete(ctx, "device"), "failed to delete")
	if _, err := m.Load(ctx, "device"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after Delete error = %v", err)
	}
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := m.Save(canceled, "device", st); err == nil {
		t.Error("Save() with canceled context succeeded")
	}
}
