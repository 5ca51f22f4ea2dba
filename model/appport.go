package model

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// ErrPortNotInRange is returned when a requested port is not served by an AppPort.
var ErrPortNotInRange = errors.New("port not in range")

// ErrNoPorts is returned when a reply does not carry any usable port.
var ErrNoPorts = errors.New("no ports available")

// Protocol is the L4/L7 protocol of an AppPort.
type Protocol string

// Known protocols.
const (
	ProtoTCP       = Protocol("L_PROTO_TCP")
	ProtoUDP       = Protocol("L_PROTO_UDP")
	ProtoHTTP      = Protocol("L_PROTO_HTTP")
	ProtoWebSocket = Protocol("L_PROTO_WEBSOCKET")
)

// Network returns the Go network name to dial for the protocol.
func (p Protocol) Network() string {
	if p == ProtoUDP {
		return "udp"
	}
	return "tcp"
}

// AppPort is a declared network port of a deployed application instance.
type AppPort struct {
	// Proto is the port protocol.
	Proto Protocol `json:"proto"`

	// InternalPort is the port the application listens on inside the cloudlet.
	InternalPort int32 `json:"internal_port"`

	// PublicPort is the port exposed to clients.
	PublicPort int32 `json:"public_port"`

	// FqdnPrefix is prepended to the cloudlet FQDN for this port, if set.
	FqdnPrefix string `json:"fqdn_prefix,omitempty"`

	// EndPort is the last internal port of a range. Zero means no range.
	EndPort int32 `json:"end_port,omitempty"`

	// TLS tells whether clients must use TLS on this port.
	TLS bool `json:"tls,omitempty"`
}

// Host returns the host name for the port, applying FqdnPrefix to fqdn.
func (p AppPort) Host(fqdn string) string {
	return p.FqdnPrefix + fqdn
}

// GetPort maps desired to the public port it should use on p. Zero and the
// internal port both select the public port. A public port within the
// declared range is returned unchanged.
func GetPort(p AppPort, desired int32) (int32, error) {
	if desired == 0 || desired == p.InternalPort || desired == p.PublicPort {
		return p.PublicPort, nil
	}
	if p.EndPort > p.InternalPort {
		last := p.PublicPort + (p.EndPort - p.InternalPort)
		if desired >= p.PublicPort && desired <= last {
			return desired, nil
		}
	}
	return 0, fmt.Errorf("%w: %d not served by %s %d-%d", ErrPortNotInRange,
		desired, p.Proto, p.PublicPort, p.EndPort)
}

// URL creates a URL for the given port of the reply. The scheme is picked
// according to the port protocol and TLS flag unless scheme is non empty.
func URL(fqdn string, p AppPort, scheme string, desired int32, path string) (*url.URL, error) {
	port, err := GetPort(p, desired)
	if err != nil {
		return nil, err
	}
	if scheme == "" {
		switch {
		case p.Proto == ProtoWebSocket && p.TLS:
			scheme = "wss"
		case p.Proto == ProtoWebSocket:
			scheme = "ws"
		case p.TLS:
			scheme = "https"
		default:
			scheme = "http"
		}
	}
	return &url.URL{
		Scheme: scheme,
		Host:   p.Host(fqdn) + ":" + strconv.Itoa(int(port)),
		Path:   path,
	}, nil
}
