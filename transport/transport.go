// Package transport implements the edge events stream over WebSocket. Each
// event is one JSON text message.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/model"
)

// SecWebSocketProtocol is the subprotocol of the edge events stream.
const SecWebSocketProtocol = "edgeevents.v1"

// MaxMessageSize bounds the size of a received event.
const MaxMessageSize = 1 << 17

// DefaultTimeout bounds the handshake and every write without a deadline.
const DefaultTimeout = 10 * time.Second

// closeWait is how long Close waits for the peer to answer the close frame.
const closeWait = time.Second

// ErrClosed is returned by Send once the stream is closed.
var ErrClosed = errors.New("transport: stream closed")

// RejectHeader carries why a server refused to open a stream.
const RejectHeader = "X-Edge-Events-Reject"

// RejectedError is returned by Dial when the server refused the stream
// before the upgrade.
type RejectedError struct {
	StatusCode int
	// Reason is the RejectHeader of the response, if any.
	Reason     string
	RetryAfter string
	err        error
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport: stream rejected (http status %d): %v", e.StatusCode, e.err)
	}
	return fmt.Sprintf("transport: stream rejected (http status %d): %s", e.StatusCode, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.err
}

// Stream is a bidirectional edge events stream.
type Stream interface {
	// Send writes one client event.
	Send(ctx context.Context, ev *model.ClientEdgeEvent) error
	// Events delivers server events. It is closed when the stream ends.
	Events() <-chan *model.ServerEdgeEvent
	// Err returns why Events was closed.
	Err() error
	// Close releases the stream. It is safe to call more than once.
	Close() error
}

// Dialer opens streams.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, opts Options) (Stream, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, opts Options) (Stream, error) {
	return f(ctx, opts)
}

// Options configures Dial.
type Options struct {
	// URL is the ws:// or wss:// URL of the stream.
	URL string
	// InsecureSkipTLSVerify disables certificate verification.
	InsecureSkipTLSVerify bool
	// Header is added to the handshake request.
	Header http.Header
	// HandshakeTimeout defaults to DefaultTimeout.
	HandshakeTimeout time.Duration
}

// WebSocketDialer is the default Dialer.
var WebSocketDialer Dialer = DialerFunc(func(ctx context.Context, opts Options) (Stream, error) {
	return Dial(ctx, opts)
})

// Conn is a Stream over a WebSocket connection.
type Conn struct {
	conn   *websocket.Conn
	events chan *model.ServerEdgeEvent
	done   chan struct{}
	recv   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial opens a stream.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     []string{SecWebSocketProtocol},
		Proxy:            http.ProxyFromEnvironment,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = DefaultTimeout
	}
	if opts.InsecureSkipTLSVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		logging.Logger.Warn("transport: disabling TLS certificate verification (INSECURE!)")
	}
	conn, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", opts.URL, &RejectedError{
				StatusCode: resp.StatusCode,
				Reason:     resp.Header.Get(RejectHeader),
				RetryAfter: resp.Header.Get("Retry-After"),
				err:        err,
			})
		}
		return nil, fmt.Errorf("transport: dial %s: %w", opts.URL, err)
	}
	if conn.Subprotocol() != SecWebSocketProtocol {
		conn.Close()
		return nil, fmt.Errorf("transport: server did not accept %s", SecWebSocketProtocol)
	}
	return newConn(conn), nil
}

func newConn(conn *websocket.Conn) *Conn {
	c := &Conn{
		conn:   conn,
		events: make(chan *model.ServerEdgeEvent),
		done:   make(chan struct{}),
		recv:   make(chan struct{}),
	}
	conn.SetReadLimit(MaxMessageSize)
	go c.receive()
	return c
}

func (c *Conn) receive() {
	logging.Logger.Debug("transport: receiver start")
	defer logging.Logger.Debug("transport: receiver stop")
	defer close(c.recv)
	defer close(c.events)
	for {
		mtype, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		if mtype != websocket.TextMessage {
			logging.Logger.Warn("transport: got non-Text message")
			continue
		}
		ev := &model.ServerEdgeEvent{}
		if err := json.Unmarshal(data, ev); err != nil {
			logging.Logger.WithError(err).Warn("transport: json.Unmarshal failed")
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			c.setErr(ErrClosed)
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err implements Stream.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Events implements Stream.
func (c *Conn) Events() <-chan *model.ServerEdgeEvent {
	return c.events
}

// Send implements Stream.
func (c *Conn) Send(ctx context.Context, ev *model.ClientEdgeEvent) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout) // Liveness!
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements Stream. It sends a close frame, waits shortly for the
// peer to acknowledge it and always releases the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		StartClosing(c.conn)
		c.writeMu.Unlock()
		timer := time.NewTimer(closeWait)
		defer timer.Stop()
		select {
		case <-c.recv:
		case <-timer.C:
		}
		err = c.conn.Close()
		<-c.recv
	})
	return err
}

// StartClosing starts closing the websocket connection.
func StartClosing(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(
		websocket.CloseNormalClosure, "Done sending")
	d := time.Now().Add(time.Second) // Liveness!
	err := conn.WriteControl(websocket.CloseMessage, msg, d)
	if err != nil {
		logging.Logger.WithError(err).Debug("transport: conn.WriteControl failed")
		return
	}
	logging.Logger.Debug("transport: sending Close message")
}

var _ Stream = (*Conn)(nil)
