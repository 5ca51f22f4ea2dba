package netprobe

import (
	"context"
	"errors"
	"time"

	"github.com/go-ping/ping"
)

var errNoEchoReply = errors.New("no ICMP echo reply")

// goPing sends a single ICMP echo request to host.
func (p *NetProbe) goPing(ctx context.Context, host, source string, timeout time.Duration) (time.Duration, error) {
	pinger, err := ping.NewPinger(host)
	if err != nil {
		return 0, err
	}
	// Unprivileged mode uses datagram ICMP sockets, which many systems
	// allow through net.ipv4.ping_group_range.
	pinger.SetPrivileged(p.Privileged)
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.Source = source

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()
	if err := pinger.Run(); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, errNoEchoReply
	}
	return stats.AvgRtt, nil
}
