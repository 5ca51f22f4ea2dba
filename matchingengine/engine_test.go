package matchingengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"

	"github.com/edgexr/edge-events/access"
	"github.com/edgexr/edge-events/config"
	"github.com/edgexr/edge-events/dmetest"
	"github.com/edgexr/edge-events/edgeevents"
	"github.com/edgexr/edge-events/finder"
	"github.com/edgexr/edge-events/model"
	"github.com/edgexr/edge-events/session"
)

var cloudlets = []dmetest.Cloudlet{
	{
		Name:     "e1",
		Location: model.CloudletLocation{Latitude: 37.44, Longitude: -122.14},
		Fqdn:     "demo.e1.example",
		Ports:    []model.AppPort{{Proto: model.ProtoTCP, InternalPort: 8008, PublicPort: 8008}},
	},
	{
		Name:     "e2",
		Location: model.CloudletLocation{Latitude: 37.77, Longitude: -122.42},
		Fqdn:     "demo.e2.example",
		Ports:    []model.AppPort{{Proto: model.ProtoTCP, InternalPort: 8008, PublicPort: 8008}},
	},
}

var acme = Identity{OrgName: "Acme", AppName: "Demo", AppVers: "1.0"}

var paloAlto = &model.Location{Latitude: 37.459609, Longitude: -122.149349}

func setup(t *testing.T, opts Options) (*dmetest.Server, *Engine, func()) {
	t.Helper()
	srv, ts, err := dmetest.NewServer(cloudlets...)
	testingx.Must(t, err, "failed to start the discovery service")
	opts.URL = ts.URL
	if opts.OrgName == "" {
		opts.Identity = acme
	}
	e, err := New(opts)
	testingx.Must(t, err, "failed to create engine")
	return srv, e, func() {
		e.Close(context.Background())
		srv.Close()
		ts.Close()
	}
}

func managedConfig() *config.Config {
	cfg := config.Default()
	cfg.LatencyUpdateConfig = config.ClientEventsConfig{UpdatePattern: config.OnTrigger}
	cfg.LocationUpdateConfig = config.ClientEventsConfig{UpdatePattern: config.OnTrigger}
	cfg.StartTimeout = 5 * time.Second
	return cfg
}

type outcome struct {
	status edgeevents.Status
	ev     *edgeevents.NewCloudletEvent
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("handler not called")
	}
	return outcome{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Options{URL: "http://localhost", Identity: Identity{OrgName: "Acme"}}); err != ErrMissingIdentity {
		t.Errorf("New(incomplete identity) = %v, want %v", err, ErrMissingIdentity)
	}
	if _, err := New(Options{URL: "ftp://localhost", Identity: acme}); err == nil {
		t.Error("New(ftp) succeeded")
	}
}

func TestEngine_FindCloudletRequiresRegistration(t *testing.T) {
	_, e, done := setup(t, Options{})
	defer done()
	if _, err := e.FindCloudlet(context.Background(), paloAlto, finder.ModeFirst); err != finder.ErrMissingSessionCookie {
		t.Errorf("FindCloudlet() = %v, want %v", err, finder.ErrMissingSessionCookie)
	}
	if _, err := e.StartEdgeEvents(context.Background(), managedConfig(), func(edgeevents.Status, *edgeevents.NewCloudletEvent) {}); err != edgeevents.ErrMissingEndpoint {
		t.Errorf("StartEdgeEvents() = %v, want %v", err, edgeevents.ErrMissingEndpoint)
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	srv, e, done := setup(t, Options{})
	defer done()
	ctx := context.Background()

	_, err := e.RegisterClient(ctx)
	testingx.Must(t, err, "failed to register")
	e1, err := e.FindCloudlet(ctx, paloAlto, finder.ModeFirst)
	testingx.Must(t, err, "failed to find cloudlet")
	if e1.Fqdn != "demo.e1.example" {
		t.Fatalf("FindCloudlet() = %s, want demo.e1.example", e1.Fqdn)
	}

	outcomes := make(chan outcome, 8)
	conn, err := e.StartEdgeEvents(ctx, managedConfig(), func(status edgeevents.Status, ev *edgeevents.NewCloudletEvent) {
		outcomes <- outcome{status, ev}
	})
	testingx.Must(t, err, "failed to start edge events")
	if conn.State() != edgeevents.StateReady {
		t.Fatalf("State() = %q, want %q", conn.State(), edgeevents.StateReady)
	}
	if e.EdgeEventsConnection() != conn {
		t.Error("EdgeEventsConnection() is not the started connection")
	}
	waitFor(t, "stream on e1", func() bool { return srv.NumStreams(e1.Fqdn) == 1 })

	testingx.Must(t, conn.PostLocationUpdate(ctx, paloAlto), "failed to post location")
	waitFor(t, "location update", func() bool {
		return srv.CountEvents(e1.Fqdn, model.ClientLocationUpdate) == 1
	})

	if n := srv.PushCloudletUpdate(e1.Fqdn, "e2"); n != 1 {
		t.Fatalf("PushCloudletUpdate() = %d, want 1", n)
	}
	o := waitOutcome(t, outcomes)
	if o.status != edgeevents.StatusSuccess || o.ev.Trigger != model.TriggerCloserCloudlet {
		t.Fatalf("handler got (%s, %s, %v), want SUCCESS on %s", o.status, o.ev.Trigger, o.ev.Err, model.TriggerCloserCloudlet)
	}
	if o.ev.NewCloudlet.Fqdn != "demo.e2.example" {
		t.Errorf("new cloudlet = %s, want demo.e2.example", o.ev.NewCloudlet.Fqdn)
	}
	if conn.Restarts() != 1 {
		t.Errorf("Restarts() = %d, want 1", conn.Restarts())
	}
	waitFor(t, "stream on e2", func() bool {
		return srv.NumStreams("demo.e2.example") == 1 && srv.NumStreams(e1.Fqdn) == 0
	})
	if got := e.Session().Endpoint(); got.Fqdn != "demo.e2.example" {
		t.Errorf("session endpoint = %s, want demo.e2.example", got.Fqdn)
	}

	// The same update again: the connection stays on e2.
	if n := srv.PushCloudletUpdate("demo.e2.example", "e2"); n != 1 {
		t.Fatalf("PushCloudletUpdate() = %d, want 1", n)
	}
	o = waitOutcome(t, outcomes)
	if o.status != edgeevents.StatusFail || o.ev.Err != edgeevents.ErrCurrentCloudletIsBest {
		t.Errorf("handler got (%s, %v), want FAIL with %v", o.status, o.ev.Err, edgeevents.ErrCurrentCloudletIsBest)
	}
	if conn.Restarts() != 1 {
		t.Errorf("Restarts() = %d, want 1", conn.Restarts())
	}
	if got := conn.Endpoint(); got.Fqdn != "demo.e2.example" {
		t.Errorf("Endpoint() = %s, want demo.e2.example", got.Fqdn)
	}

	testingx.Must(t, e.Close(ctx), "failed to close")
	waitFor(t, "terminate", func() bool {
		return srv.CountEvents("demo.e2.example", model.ClientTerminateConnection) == 1
	})
	if err := conn.PostLocationUpdate(ctx, paloAlto); err != edgeevents.ErrConnectionAlreadyClosed {
		t.Errorf("PostLocationUpdate() after Close = %v, want %v", err, edgeevents.ErrConnectionAlreadyClosed)
	}
}

func TestEngine_Raw(t *testing.T) {
	srv, e, done := setup(t, Options{
		Location: edgeevents.LocationFunc(func(ctx context.Context) (*model.Location, error) {
			return paloAlto, nil
		}),
	})
	defer done()
	ctx := context.Background()
	_, err := e.RegisterClient(ctx)
	testingx.Must(t, err, "failed to register")
	e1, err := e.FindCloudlet(ctx, nil, finder.ModeFirst)
	testingx.Must(t, err, "failed to find cloudlet")

	events := make(chan *model.ServerEdgeEvent, 8)
	conn, err := e.StartRawEdgeEvents(ctx, func(ev *model.ServerEdgeEvent) { events <- ev })
	testingx.Must(t, err, "failed to start raw edge events")
	waitFor(t, "stream", func() bool { return srv.NumStreams(e1.Fqdn) == 1 })
	srv.Push(e1.Fqdn, &model.ServerEdgeEvent{EventType: model.ServerAppInstHealth, HealthCheck: model.HealthCheckFailServerFail})

	for _, want := range []model.ServerEventType{model.ServerInitConnection, model.ServerAppInstHealth} {
		select {
		case ev := <-events:
			if ev.EventType != want {
				t.Errorf("got %s, want %s", ev.EventType, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s not forwarded", want)
		}
	}
	if conn.Restarts() != 0 {
		t.Errorf("Restarts() = %d, want 0", conn.Restarts())
	}
}

func TestEngine_RenewsExpiredCookie(t *testing.T) {
	srv, e, done := setup(t, Options{})
	defer done()
	ctx := context.Background()
	expired, err := srv.Signer().Sign(access.SubjectSession, access.Claims{
		OrgName: "Acme", AppName: "Demo", AppVers: "1.0",
	}, -time.Hour)
	testingx.Must(t, err, "failed to sign cookie")
	e.Session().SetRegistration(expired)

	reply, err := e.FindCloudlet(ctx, paloAlto, finder.ModeFirst)
	testingx.Must(t, err, "failed to find cloudlet")
	if reply.Fqdn != "demo.e1.example" {
		t.Errorf("FindCloudlet() = %s", reply.Fqdn)
	}
	if e.Session().SessionCookie() == expired {
		t.Error("session cookie not renewed")
	}
}

func TestEngine_SaveAndRestore(t *testing.T) {
	store := session.NewMemoryStore()
	srv, e, done := setup(t, Options{Store: store, UniqueID: "device-1"})
	defer done()
	ctx := context.Background()
	if err := e.Restore(ctx); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Restore() = %v, want %v", err, session.ErrNotFound)
	}
	_, err := e.RegisterClient(ctx)
	testingx.Must(t, err, "failed to register")
	e1, err := e.FindCloudlet(ctx, paloAlto, finder.ModeFirst)
	testingx.Must(t, err, "failed to find cloudlet")

	// A second process resumes without registering or finding again.
	other, err := New(Options{URL: e.Client().BaseURL().String(), Identity: acme, Store: store})
	testingx.Must(t, err, "failed to create engine")
	defer other.Close(ctx)
	testingx.Must(t, other.Restore(ctx), "failed to restore")
	if got := other.Session().Endpoint(); got == nil || got.Fqdn != e1.Fqdn {
		t.Fatalf("restored endpoint = %+v, want %s", got, e1.Fqdn)
	}
	_, err = other.StartEdgeEvents(ctx, managedConfig(), func(edgeevents.Status, *edgeevents.NewCloudletEvent) {})
	testingx.Must(t, err, "failed to start edge events from a restored session")
	waitFor(t, "stream", func() bool { return srv.NumStreams(e1.Fqdn) == 1 })

	noStore, err := New(Options{URL: "http://localhost", Identity: acme})
	testingx.Must(t, err, "failed to create engine")
	if err := noStore.Save(ctx); err != ErrNoStore {
		t.Errorf("Save() = %v, want %v", err, ErrNoStore)
	}
}
