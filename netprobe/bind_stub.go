//go:build !linux
// +build !linux

package netprobe

import (
	"syscall"

	"github.com/edgexr/edge-events/logging"
)

// bindToDevice is a no-op where SO_BINDTODEVICE does not exist. The local
// address resolved from the interface is still bound.
func bindToDevice(device string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		logging.Logger.Debugf("netprobe: cannot bind to device %s on this platform", device)
		return nil
	}
}
