//go:build unix

package config

import (
	"strings"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// setRawOptions applies the options that must be set before bind or connect.
func setRawOptions(fd uintptr, network string, s Socket) error {
	if s.ReuseAddress {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return errors.Annotate(err, "setting SO_REUSEADDR")
		}
	}
	if s.TrafficClass > 0 {
		var err error
		if strings.HasSuffix(network, "6") {
			err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, s.TrafficClass)
		} else {
			err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, s.TrafficClass)
		}
		if err != nil {
			return errors.Annotate(err, "setting traffic class")
		}
	}
	if s.ReceiveBufferSize > 0 {
		// Must precede listen for the window to be advertised to accepted peers.
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, s.ReceiveBufferSize); err != nil {
			return errors.Annotate(err, "setting SO_RCVBUF")
		}
	}
	return nil
}
