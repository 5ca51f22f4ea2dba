// Package netprobe measures the round trip time needed to establish a
// connection with a remote endpoint, optionally from a specific local
// network interface.
package netprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/metrics"
)

// TestType selects how a latency sample is obtained.
type TestType string

// Supported test types.
const (
	Connect = TestType("CONNECT")
	Ping    = TestType("PING")
)

// DefaultTimeout bounds a single probe when the request does not set one.
const DefaultTimeout = 5 * time.Second

var (
	// ErrBindFailed indicates that the local address or device could not be bound.
	ErrBindFailed = errors.New("bind failed")
	// ErrNoValidAddressFamily indicates that local and remote addresses never agreed on a family.
	ErrNoValidAddressFamily = errors.New("no valid address family")
	// ErrResolve indicates that a local or remote address could not be resolved.
	ErrResolve = errors.New("cannot resolve address")
	// ErrInvalidPort indicates a port outside [1, 65535].
	ErrInvalidPort = errors.New("invalid port")
)

// Request describes one probe.
type Request struct {
	// LocalInterface is an interface name (e.g. "wlan0") or a local IP
	// address. Empty means the system default.
	LocalInterface string

	// Host is the remote host name or IP address.
	Host string

	// Port is the remote port.
	Port int

	// Network is "tcp" or "udp". Empty means "tcp".
	Network string

	// TestType is Connect or Ping. Empty means Connect.
	TestType TestType

	// Timeout bounds the probe. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Prober is anything able to run a probe.
type Prober interface {
	Probe(ctx context.Context, req Request) (time.Duration, error)
}

// icmpFunc sends one ICMP echo and returns its round trip time.
type icmpFunc func(ctx context.Context, host, source string, timeout time.Duration) (time.Duration, error)

// NetProbe is the default Prober.
type NetProbe struct {
	// Privileged makes PING probes use raw ICMP sockets instead of
	// unprivileged datagram ICMP sockets.
	Privileged bool

	icmp icmpFunc
}

// New returns a new NetProbe.
func New() *NetProbe {
	p := &NetProbe{}
	p.icmp = p.goPing
	return p
}

// Probe runs req and returns the measured round trip time.
func (p *NetProbe) Probe(ctx context.Context, req Request) (time.Duration, error) {
	testType := req.TestType
	if testType == "" {
		testType = Connect
	}
	rtt, err := p.probe(ctx, req, testType)
	if err != nil {
		metrics.ProbeErrors.WithLabelValues(string(testType), errorLabel(err)).Inc()
		return 0, err
	}
	metrics.ProbeLatency.WithLabelValues(string(testType)).Observe(rtt.Seconds())
	return rtt, nil
}

func (p *NetProbe) probe(ctx context.Context, req Request, testType TestType) (time.Duration, error) {
	if req.Port <= 0 || req.Port > 65535 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, req.Port)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	local, device, err := resolveLocal(req.LocalInterface)
	if err != nil {
		return 0, err
	}
	remote, err := resolveRemote(ctx, req.Host)
	if err != nil {
		return 0, err
	}
	if testType == Ping && p.icmp != nil {
		source := ""
		if local != nil {
			source = local.String()
		}
		rtt, err := p.icmp(ctx, remote[0].String(), source, timeout)
		if err == nil {
			return rtt, nil
		}
		// PING is best effort: without ICMP we measure with CONNECT.
		logging.Logger.WithError(err).Debug("netprobe: ICMP unavailable, using CONNECT")
		metrics.ProbeErrors.WithLabelValues(string(Ping), "fallback-connect").Inc()
	}
	network := req.Network
	if network == "" {
		network = "tcp"
	}
	rtt, err := connect(ctx, network, local, device, pick(remote, false), req.Port, timeout)
	if err == nil || !isFamilyMismatch(err) {
		return rtt, err
	}
	// Dual stack hosts commonly resolve to a family the local address
	// cannot reach. Retry once, forcing IPv4.
	logging.Logger.WithError(err).Debug("netprobe: address family mismatch, retrying with IPv4")
	v4 := pick(remote, true)
	if v4 == nil || (local != nil && local.To4() == nil) {
		return 0, fmt.Errorf("%w: %s", ErrNoValidAddressFamily, err)
	}
	rtt, err = connect(ctx, network+"4", local, device, v4, req.Port, timeout)
	if err != nil && isFamilyMismatch(err) {
		return 0, fmt.Errorf("%w: %s", ErrNoValidAddressFamily, err)
	}
	return rtt, err
}

// connect measures the time between starting to connect and the
// connection being established. The socket is closed right after.
func connect(ctx context.Context, network string, local net.IP, device string, remote net.IP, port int, timeout time.Duration) (time.Duration, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if local != nil {
		if network == "udp" || network == "udp4" {
			dialer.LocalAddr = &net.UDPAddr{IP: local}
		} else {
			dialer.LocalAddr = &net.TCPAddr{IP: local}
		}
	}
	if device != "" {
		dialer.Control = bindToDevice(device)
	}
	address := net.JoinHostPort(remote.String(), strconv.Itoa(port))
	start := time.Now()
	conn, err := dialer.DialContext(ctx, network, address)
	elapsed := time.Since(start)
	if err != nil {
		if isBindError(err) {
			return 0, fmt.Errorf("%w: %s", ErrBindFailed, err)
		}
		return 0, err
	}
	conn.Close()
	return elapsed, nil
}

// resolveLocal returns the IP to bind and the device to bind to, if any.
func resolveLocal(name string) (net.IP, string, error) {
	if name == "" {
		return nil, "", nil
	}
	if ip := net.ParseIP(name); ip != nil {
		return ip, "", nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, "", fmt.Errorf("%w: interface %q: %s", ErrResolve, name, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, "", fmt.Errorf("%w: interface %q: %s", ErrResolve, name, err)
	}
	var fallback net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ipnet.IP.To4() != nil {
			return ipnet.IP, ifi.Name, nil
		}
		if fallback == nil {
			fallback = ipnet.IP
		}
	}
	if fallback == nil {
		return nil, "", fmt.Errorf("%w: interface %q has no usable address", ErrResolve, name)
	}
	return fallback, ifi.Name, nil
}

func resolveRemote(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrResolve, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %q has no addresses", ErrResolve, host)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// pick returns the first address, or the first IPv4 address when v4only.
func pick(ips []net.IP, v4only bool) net.IP {
	for _, ip := range ips {
		if !v4only || ip.To4() != nil {
			return ip
		}
	}
	return nil
}

func isFamilyMismatch(err error) bool {
	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		return true
	}
	return errors.Is(err, syscall.EAFNOSUPPORT)
}

func isBindError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "bind" {
		return true
	}
	return errors.Is(err, syscall.EADDRNOTAVAIL) || errors.Is(err, syscall.EADDRINUSE)
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrBindFailed):
		return "bind"
	case errors.Is(err, ErrNoValidAddressFamily):
		return "address-family"
	case errors.Is(err, ErrResolve):
		return "resolve"
	case errors.Is(err, ErrInvalidPort):
		return "port"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "connect"
	}
}
