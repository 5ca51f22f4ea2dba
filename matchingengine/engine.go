// Package matchingengine is the entry point of applications: it registers
// the app with the discovery service, finds the cloudlet to use and opens
// the edge events connection to it.
package matchingengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/edgexr/edge-events/config"
	"github.com/edgexr/edge-events/dme"
	"github.com/edgexr/edge-events/edgeevents"
	"github.com/edgexr/edge-events/finder"
	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/model"
	"github.com/edgexr/edge-events/netprobe"
	"github.com/edgexr/edge-events/session"
	"github.com/edgexr/edge-events/transport"
)

// UniqueIDType is sent with generated device ids.
const UniqueIDType = "edge-events-sdk"

var (
	// ErrMissingIdentity means that the app identity is incomplete.
	ErrMissingIdentity = errors.New("matchingengine: org, app name and version are required")
	// ErrNoStore means that persistence was requested without a Store.
	ErrNoStore = errors.New("matchingengine: no session store")
)

// Identity names the registered application.
type Identity struct {
	OrgName string
	AppName string
	AppVers string
}

// CarrierProvider returns the name of the network carrier of the device.
type CarrierProvider interface {
	CarrierName(ctx context.Context) (string, error)
}

// CarrierFunc adapts a function to CarrierProvider.
type CarrierFunc func(ctx context.Context) (string, error)

// CarrierName implements CarrierProvider.
func (f CarrierFunc) CarrierName(ctx context.Context) (string, error) {
	return f(ctx)
}

// Options configures an Engine.
type Options struct {
	// URL of the discovery service, e.g. "https://dme.example:38001".
	URL string
	Identity
	// UniqueID identifies the device. Empty means a random id.
	UniqueID string
	// AuthToken is passed through to RegisterClient.
	AuthToken string
	// CarrierName is used when Carrier is nil or fails.
	CarrierName string
	Carrier     CarrierProvider
	// Location provides the device location.
	Location edgeevents.LocationProvider
	// Prober runs latency tests. Nil means netprobe.New().
	Prober netprobe.Prober
	// Dialer opens edge events streams. Nil means websocket.
	Dialer                transport.Dialer
	InsecureSkipTLSVerify bool
	DeviceInfo            *model.DeviceInfo
	Tags                  map[string]string
	// Store persists the session under StoreKey. Optional.
	Store    session.Store
	StoreKey string
}

// Engine is safe for concurrent use.
type Engine struct {
	opts    Options
	client  *dme.Client
	session *session.Session
	finder  *finder.Finder

	mu   sync.Mutex
	conn *edgeevents.Connection
}

// New returns an engine talking to the discovery service at opts.URL.
func New(opts Options) (*Engine, error) {
	if opts.OrgName == "" || opts.AppName == "" || opts.AppVers == "" {
		return nil, ErrMissingIdentity
	}
	client, err := dme.New(opts.URL)
	if err != nil {
		return nil, err
	}
	if opts.UniqueID == "" {
		opts.UniqueID = uuid.NewString()
	}
	if opts.Prober == nil {
		opts.Prober = netprobe.New()
	}
	if opts.StoreKey == "" {
		opts.StoreKey = opts.OrgName + "/" + opts.AppName + "/" + opts.AppVers
	}
	s := session.New()
	return &Engine{
		opts:    opts,
		client:  client,
		session: s,
		finder:  finder.New(client, s, opts.Prober),
	}, nil
}

// Session returns the session shared with the connection.
func (e *Engine) Session() *session.Session {
	return e.session
}

// Client returns the discovery service client.
func (e *Engine) Client() *dme.Client {
	return e.client
}

// Finder returns the finder used by FindCloudlet and by the connection.
// Its settings may be changed before the first call.
func (e *Engine) Finder() *finder.Finder {
	return e.finder
}

func (e *Engine) carrierName(ctx context.Context) string {
	if e.opts.Carrier != nil {
		name, err := e.opts.Carrier.CarrierName(ctx)
		if err == nil && name != "" {
			return name
		}
		logging.Logger.WithError(err).Debug("matchingengine: carrier provider failed")
	}
	return e.opts.CarrierName
}

// RegisterClient registers the application and stores the session cookie.
func (e *Engine) RegisterClient(ctx context.Context) (*dme.RegisterClientReply, error) {
	reply, err := e.client.RegisterClient(ctx, &dme.RegisterClientRequest{
		OrgName:      e.opts.OrgName,
		AppName:      e.opts.AppName,
		AppVers:      e.opts.AppVers,
		CarrierName:  e.carrierName(ctx),
		AuthToken:    e.opts.AuthToken,
		UniqueIDType: UniqueIDType,
		UniqueID:     e.opts.UniqueID,
		Tags:         e.opts.Tags,
	})
	if err != nil {
		e.session.ClearRegistration()
		return reply, err
	}
	e.session.SetRegistration(reply.SessionCookie)
	e.saveQuietly(ctx)
	return reply, nil
}

// location returns loc, or the location of the provider when loc is nil.
func (e *Engine) location(ctx context.Context, loc *model.Location) (*model.Location, error) {
	if loc != nil || e.opts.Location == nil {
		return loc, nil
	}
	return e.opts.Location.LastKnownLocation(ctx)
}

// FindCloudlet finds the cloudlet to use from loc. A nil loc asks the
// location provider. An expired session cookie is renewed first.
func (e *Engine) FindCloudlet(ctx context.Context, loc *model.Location, mode finder.Mode) (*model.FindCloudletReply, error) {
	if e.session.SessionCookie() != "" && e.session.SessionCookieExpired(time.Now()) {
		logging.Logger.Info("matchingengine: session cookie expired, registering again")
		if _, err := e.RegisterClient(ctx); err != nil {
			return nil, err
		}
	}
	loc, err := e.location(ctx, loc)
	if err != nil {
		return nil, err
	}
	reply, err := e.finder.Find(ctx, finder.Request{
		Location:    loc,
		CarrierName: e.carrierName(ctx),
		Mode:        mode,
		Tags:        e.opts.Tags,
	})
	if err != nil {
		return nil, err
	}
	logging.Logger.WithFields(log.Fields{
		"mode":     mode,
		"fqdn":     reply.Fqdn,
		"cloudlet": reply.CloudletName,
	}).Debug("matchingengine: cloudlet found")
	e.saveQuietly(ctx)
	return reply, nil
}

// finderFunc lets the connection search through the engine so that the
// carrier and tags of the engine are used.
type finderFunc func(ctx context.Context, req finder.Request) (*model.FindCloudletReply, error)

func (f finderFunc) Find(ctx context.Context, req finder.Request) (*model.FindCloudletReply, error) {
	return f(ctx, req)
}

func (e *Engine) connectionOptions() edgeevents.Options {
	return edgeevents.Options{
		URL:                   e.client.EdgeEventsURL().String(),
		Dialer:                e.opts.Dialer,
		InsecureSkipTLSVerify: e.opts.InsecureSkipTLSVerify,
		Session:               e.session,
		Finder: finderFunc(func(ctx context.Context, req finder.Request) (*model.FindCloudletReply, error) {
			req.CarrierName = e.carrierName(ctx)
			req.Tags = e.opts.Tags
			reply, err := e.finder.Find(ctx, req)
			if err == nil {
				e.saveQuietly(ctx)
			}
			return reply, err
		}),
		Prober:      e.opts.Prober,
		Location:    e.opts.Location,
		CarrierName: e.opts.CarrierName,
		DeviceInfo:  e.opts.DeviceInfo,
		Tags:        e.opts.Tags,
	}
}

// StartEdgeEvents opens a managed edge events connection to the cloudlet of
// the last FindCloudlet. Any previous connection is closed first. A nil cfg
// selects config.Default().
func (e *Engine) StartEdgeEvents(ctx context.Context, cfg *config.Config, handler edgeevents.Handler) (*edgeevents.Connection, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	return e.start(ctx, edgeevents.New(e.connectionOptions(), cfg, handler))
}

// StartRawEdgeEvents opens a connection forwarding every server event to
// handler.
func (e *Engine) StartRawEdgeEvents(ctx context.Context, handler edgeevents.ServerEventHandler) (*edgeevents.Connection, error) {
	return e.start(ctx, edgeevents.NewRaw(e.connectionOptions(), handler))
}

func (e *Engine) start(ctx context.Context, c *edgeevents.Connection) (*edgeevents.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		if err := e.conn.Close(ctx); err != nil && err != edgeevents.ErrConnectionAlreadyClosed {
			logging.Logger.WithError(err).Warn("matchingengine: closing previous connection failed")
		}
		e.conn = nil
	}
	if err := c.Start(ctx); err != nil {
		// Release what Start left behind.
		c.Close(ctx)
		return nil, err
	}
	e.conn = c
	return c, nil
}

// EdgeEventsConnection returns the current connection, or nil.
func (e *Engine) EdgeEventsConnection() *edgeevents.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Close closes the edge events connection and saves the session.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	c := e.conn
	e.conn = nil
	e.mu.Unlock()
	var err error
	if c != nil {
		err = c.Close(ctx)
		if err == edgeevents.ErrConnectionAlreadyClosed {
			err = nil
		}
	}
	e.saveQuietly(ctx)
	return err
}

// Save persists the session.
func (e *Engine) Save(ctx context.Context) error {
	if e.opts.Store == nil {
		return ErrNoStore
	}
	return e.opts.Store.Save(ctx, e.opts.StoreKey, e.session.Snapshot())
}

func (e *Engine) saveQuietly(ctx context.Context) {
	if e.opts.Store == nil {
		return
	}
	if err := e.Save(ctx); err != nil {
		logging.Logger.WithError(err).Warn("matchingengine: saving session failed")
	}
}

// Restore loads the session saved by a previous process so that edge
// events can start without registering again. It returns session.ErrNotFound
// when nothing was saved.
func (e *Engine) Restore(ctx context.Context) error {
	if e.opts.Store == nil {
		return ErrNoStore
	}
	st, err := e.opts.Store.Load(ctx, e.opts.StoreKey)
	if err != nil {
		return err
	}
	e.session.Restore(st)
	logging.Logger.WithField("saved_at", st.SavedAt).Debug("matchingengine: session restored")
	return nil
}
