package netprobe

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// bindToDevice returns a dialer Control function binding the socket to device.
func bindToDevice(device string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			// Note: casting to int is safe because a socket is int on Unix
			sockErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, device)
		})
		if err == nil {
			err = sockErr
		}
		if err != nil {
			return fmt.Errorf("%w: SO_BINDTODEVICE %s: %s", ErrBindFailed, device, err)
		}
		return nil
	}
}
