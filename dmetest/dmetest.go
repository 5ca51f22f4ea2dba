// Package dmetest implements an in-process discovery service: the REST
// calls used to register and find cloudlets and the edge events stream.
// It backs the integration tests and the dme-sim command.
package dmetest

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/edgexr/edge-events/access"
	"github.com/edgexr/edge-events/dme"
	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/model"
)

// Issuer is the issuer of the cookies signed by the simulator.
const Issuer = "dmetest"

// CookieTTL is the lifetime of the issued cookies.
const CookieTTL = 24 * time.Hour

// Cloudlet is one cloudlet hosting an instance of every registered app.
type Cloudlet struct {
	Name     string                 `yaml:"name"`
	Carrier  string                 `yaml:"carrier"`
	Location model.CloudletLocation `yaml:"location"`
	Fqdn     string                 `yaml:"fqdn"`
	Ports    []model.AppPort        `yaml:"ports"`
}

// LoadCloudlets reads a YAML list of cloudlets. Location fields are
// "latitude" and "longitude"; port fields are the lower cased AppPort field
// names, e.g. "publicport".
func LoadCloudlets(path string) ([]Cloudlet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Cloudlet
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("dmetest: %s: %w", path, err)
	}
	return out, nil
}

// Server is the simulated discovery service.
type Server struct {
	// Streams limits the number of concurrent edge events streams.
	Streams access.StreamLimiter
	// Upgrader accepts edge events streams.
	Upgrader websocket.Upgrader

	signer    *access.Signer
	cloudlets []Cloudlet

	mu      sync.Mutex
	peers   map[string]*peer
	records []Record
	wg      sync.WaitGroup
}

// New creates a server signing cookies with key. A nil key selects a
// random one.
func New(key []byte, cloudlets ...Cloudlet) (*Server, error) {
	if key == nil {
		key = make([]byte, access.MinKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	signer, err := access.NewSigner(Issuer, key)
	if err != nil {
		return nil, err
	}
	return &Server{
		signer:    signer,
		cloudlets: append([]Cloudlet(nil), cloudlets...),
		peers:     map[string]*peer{},
	}, nil
}

// NewServer starts a server on a local port. The caller closes both.
func NewServer(cloudlets ...Cloudlet) (*Server, *httptest.Server, error) {
	s, err := New(nil, cloudlets...)
	if err != nil {
		return nil, nil, err
	}
	ts := httptest.NewServer(s.Handler())
	logging.Logger.Debugf("dmetest: listening on %s", ts.URL)
	return s, ts, nil
}

// Signer returns the cookie signer.
func (s *Server) Signer() *access.Signer {
	return s.signer
}

// Handler returns the routes of the service.
func (s *Server) Handler() http.Handler {
	session := access.NewCookieController(access.SubjectSession, s.signer)
	r := chi.NewRouter()
	r.Post(dme.RegisterClientPath, s.registerClient)
	r.Group(func(r chi.Router) {
		r.Use(session.Limit)
		r.Post(dme.FindCloudletPath, s.findCloudlet)
		r.Post(dme.AppInstListPath, s.appInstList)
	})
	r.With(s.Streams.Limit).Get(dme.EdgeEventsPath, s.edgeEvents)
	return logging.MakeAccessLogHandler(r)
}

// Close terminates every stream and waits for their handlers.
func (s *Server) Close() {
	s.mu.Lock()
	for _, p := range s.peers {
		p.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Logger.WithError(err).Warn("dmetest: writing reply failed")
	}
}

func (s *Server) registerClient(w http.ResponseWriter, r *http.Request) {
	var req dme.RegisterClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.OrgName == "" || req.AppName == "" || req.AppVers == "" {
		writeJSON(w, &dme.RegisterClientReply{Status: "RS_FAIL"})
		return
	}
	uid := req.UniqueID
	if uid == "" {
		uid = uuid.NewString()
	}
	cookie, err := s.signer.Sign(access.SubjectSession, access.Claims{
		OrgName:  req.OrgName,
		AppName:  req.AppName,
		AppVers:  req.AppVers,
		UniqueID: uid,
	}, CookieTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, &dme.RegisterClientReply{
		Status:        dme.RegisterSuccess,
		SessionCookie: cookie,
		UniqueIDType:  Issuer,
		UniqueID:      uid,
	})
}

// nearby returns the cloudlets of carrier ordered by distance to loc.
func (s *Server) nearby(loc model.Location, carrier string) []model.CloudletInstances {
	var out []model.CloudletInstances
	for _, c := range s.cloudlets {
		if carrier != "" && c.Carrier != "" && carrier != c.Carrier {
			continue
		}
		out = append(out, model.CloudletInstances{
			CloudletName: c.Name,
			CarrierName:  c.Carrier,
			GpsLocation:  c.Location,
			Distance:     distance(loc, c.Location),
			Appinstances: []model.AppInstance{{
				Fqdn:  c.Fqdn,
				Ports: append([]model.AppPort(nil), c.Ports...),
			}},
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Distance < out[j].Distance
	})
	return out
}

// edgeEventsCookie issues the cookie opening a stream for fqdn.
func (s *Server) edgeEventsCookie(cl *access.Claims, cloudlet, fqdn string) (string, error) {
	return s.signer.Sign(access.SubjectEdgeEvents, access.Claims{
		OrgName:      cl.OrgName,
		AppName:      cl.AppName,
		AppVers:      cl.AppVers,
		UniqueID:     cl.UniqueID,
		Fqdn:         fqdn,
		CloudletName: cloudlet,
	}, CookieTTL)
}

func (s *Server) findCloudlet(w http.ResponseWriter, r *http.Request) {
	var req dme.FindCloudletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.GpsLocation.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	near := s.nearby(req.GpsLocation, req.CarrierName)
	if len(near) == 0 {
		writeJSON(w, &model.FindCloudletReply{Status: model.FindNotFound})
		return
	}
	reply := near[0].Reply(near[0].Appinstances[0])
	cookie, err := s.edgeEventsCookie(access.GetClaims(r.Context()), reply.CloudletName, reply.Fqdn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reply.EdgeEventsCookie = cookie
	writeJSON(w, reply)
}

func (s *Server) appInstList(w http.ResponseWriter, r *http.Request) {
	var req dme.AppInstListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.GpsLocation.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cl := access.GetClaims(r.Context())
	near := s.nearby(req.GpsLocation, req.CarrierName)
	if req.Limit > 0 && int(req.Limit) < len(near) {
		near = near[:req.Limit]
	}
	for i := range near {
		ai := &near[i].Appinstances[0]
		ai.OrgName, ai.AppName, ai.AppVers = cl.OrgName, cl.AppName, cl.AppVers
		cookie, err := s.edgeEventsCookie(cl, near[i].CloudletName, ai.Fqdn)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ai.EdgeEventsCookie = cookie
	}
	writeJSON(w, &dme.AppInstListReply{Status: dme.AppInstListSuccess, Cloudlets: near})
}

// Reply returns the FindCloudlet reply a client with claims cl would get
// for the named cloudlet.
func (s *Server) Reply(cl *access.Claims, name string) (*model.FindCloudletReply, bool) {
	for _, c := range s.cloudlets {
		if c.Name != name {
			continue
		}
		ci := model.CloudletInstances{CloudletName: c.Name, CarrierName: c.Carrier, GpsLocation: c.Location}
		reply := ci.Reply(model.AppInstance{Fqdn: c.Fqdn, Ports: c.Ports})
		cookie, err := s.edgeEventsCookie(cl, c.Name, c.Fqdn)
		if err != nil {
			logging.Logger.WithError(err).Warn("dmetest: signing edge events cookie failed")
			return nil, false
		}
		reply.EdgeEventsCookie = cookie
		return reply, true
	}
	return nil, false
}

const earthRadiusKm = 6371.0

// distance returns the great circle distance in kilometers.
func distance(loc model.Location, c model.CloudletLocation) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(c.Latitude - loc.Latitude)
	dLon := rad(c.Longitude - loc.Longitude)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(loc.Latitude))*math.Cos(rad(c.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
