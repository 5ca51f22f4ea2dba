package dmetest

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/warnonerror"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/edgexr/edge-events/access"
	"github.com/edgexr/edge-events/latency"
	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/model"
	"github.com/edgexr/edge-events/transport"
)

var errNotInit = errors.New("dmetest: first message is not an init")

// initTimeout bounds the wait for the init message of a new stream.
const initTimeout = 10 * time.Second

// writeTimeout bounds every write on a stream.
const writeTimeout = 10 * time.Second

// Record is a client event received by the server.
type Record struct {
	// Stream identifies the stream the event came from.
	Stream string
	// Fqdn is the app instance the stream speaks for.
	Fqdn  string
	Event model.ClientEdgeEvent
}

// peer is one open edge events stream.
type peer struct {
	id     string
	claims *access.Claims
	conn   *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

func (p *peer) send(ev *model.ServerEdgeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// close unblocks the reader of p.
func (p *peer) close() {
	p.once.Do(func() {
		warnonerror.Close(p.conn, "dmetest: ignoring conn.Close result")
	})
}

func (s *Server) record(p *peer, ev *model.ClientEdgeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{Stream: p.id, Fqdn: p.claims.Fqdn, Event: *ev})
}

// Records returns the client events received so far.
func (s *Server) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// CountEvents returns how many events of kind t were received for fqdn.
// An empty fqdn counts every stream.
func (s *Server) CountEvents(fqdn string, t model.ClientEventType) int {
	n := 0
	for _, r := range s.Records() {
		if r.Event.EventType == t && (fqdn == "" || r.Fqdn == fqdn) {
			n++
		}
	}
	return n
}

// NumStreams returns the number of open streams speaking for fqdn. An
// empty fqdn counts every stream.
func (s *Server) NumStreams(fqdn string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.peers {
		if fqdn == "" || p.claims.Fqdn == fqdn {
			n++
		}
	}
	return n
}

func (s *Server) peersOf(fqdn string) []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*peer
	for _, p := range s.peers {
		if fqdn == "" || p.claims.Fqdn == fqdn {
			out = append(out, p)
		}
	}
	return out
}

// Push sends ev to every stream speaking for fqdn and returns how many
// received it. An empty fqdn selects every stream.
func (s *Server) Push(fqdn string, ev *model.ServerEdgeEvent) int {
	n := 0
	for _, p := range s.peersOf(fqdn) {
		if err := p.send(ev); err != nil {
			logging.Logger.WithError(err).Warn("dmetest: push failed")
			continue
		}
		n++
	}
	return n
}

// PushCloudletUpdate tells every stream speaking for fqdn to move to the
// named cloudlet. Each stream gets a cookie matching its own claims.
func (s *Server) PushCloudletUpdate(fqdn, cloudlet string) int {
	n := 0
	for _, p := range s.peersOf(fqdn) {
		reply, ok := s.Reply(p.claims, cloudlet)
		if !ok {
			return 0
		}
		err := p.send(&model.ServerEdgeEvent{
			EventType:   model.ServerCloudletUpdate,
			NewCloudlet: reply,
		})
		if err != nil {
			logging.Logger.WithError(err).Warn("dmetest: push failed")
			continue
		}
		n++
	}
	return n
}

func (s *Server) readEvent(conn *websocket.Conn) (*model.ClientEdgeEvent, error) {
	ev := &model.ClientEdgeEvent{}
	if err := conn.ReadJSON(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// accept verifies the init message of a new stream.
func (s *Server) accept(conn *websocket.Conn) (*access.Claims, error) {
	if err := conn.SetReadDeadline(time.Now().Add(initTimeout)); err != nil {
		return nil, err
	}
	ev, err := s.readEvent(conn)
	if err != nil {
		return nil, err
	}
	if ev.EventType != model.ClientInitConnection {
		return nil, errNotInit
	}
	if _, err := s.signer.Verify(ev.SessionCookie, jwtExpect(access.SubjectSession)); err != nil {
		return nil, err
	}
	cl, err := s.signer.Verify(ev.EdgeEventsCookie, jwtExpect(access.SubjectEdgeEvents))
	if err != nil {
		return nil, err
	}
	return cl, conn.SetReadDeadline(time.Time{})
}

func (s *Server) edgeEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(&s.Upgrader, w, r)
	if err != nil {
		return // error already printed
	}
	s.wg.Add(1)
	defer s.wg.Done()
	p := &peer{id: uuid.NewString(), conn: conn}
	defer p.close()

	cl, err := s.accept(conn)
	if err != nil {
		logging.Logger.WithError(err).Warn("dmetest: rejecting stream")
		if err := p.send(&model.ServerEdgeEvent{EventType: model.ServerError, ErrorMsg: err.Error()}); err != nil {
			logging.Logger.WithError(err).Debug("dmetest: error reply failed")
		}
		return
	}
	p.claims = cl
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p.id)
		s.mu.Unlock()
	}()
	entry := logging.Logger.WithFields(log.Fields{"stream": p.id, "fqdn": cl.Fqdn})
	entry.Debug("dmetest: stream start")
	defer entry.Debug("dmetest: stream stop")

	s.record(p, &model.ClientEdgeEvent{EventType: model.ClientInitConnection})
	if err := p.send(&model.ServerEdgeEvent{EventType: model.ServerInitConnection}); err != nil {
		entry.WithError(err).Warn("dmetest: init reply failed")
		return
	}
	for {
		ev, err := s.readEvent(conn)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				entry.WithError(err).Debug("dmetest: read failed")
			}
			return
		}
		s.record(p, ev)
		switch ev.EventType {
		case model.ClientTerminateConnection:
			transport.StartClosing(conn)
			return
		case model.ClientLatencySamples:
			st := statistics(ev.Samples)
			err = p.send(&model.ServerEdgeEvent{
				EventType:  model.ServerLatencyProcessed,
				Statistics: &st,
			})
		}
		if err != nil {
			entry.WithError(err).Warn("dmetest: reply failed")
			return
		}
	}
}

// statistics summarises samples the way the server reports them.
func statistics(samples []model.Sample) model.Statistics {
	site := latency.NewSite("", 0, "", len(samples))
	for _, s := range samples {
		site.AddSample(s.Value)
	}
	st := site.Statistics()
	now := time.Now()
	st.Timestamp = &now
	return st
}

func jwtExpect(subject string) jwt.Expected {
	return jwt.Expected{Subject: subject, Time: time.Now()}
}
