package config

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/juju/errors"
)

// Dial connects to addr with the connect timeout and socket options applied.
func (s Socket) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{
		Timeout:   s.ConnectTimeout,
		KeepAlive: s.keepAlivePeriod(),
		Control:   s.control,
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.Apply(conn); err != nil {
		_ = conn.Close()
		return nil, errors.Trace(err)
	}
	return conn, nil
}

// Listen opens a TCP listener with the pre-bind options (address reuse,
// traffic class, receive buffer) applied. Accepted connections still need Apply.
func (s Socket) Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		KeepAlive: s.keepAlivePeriod(),
		Control:   s.control,
	}
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return l, nil
}

// Apply sets the per-connection options on an established TCP connection.
// Non-TCP connections (pipes in tests) are left alone.
func (s Socket) Apply(conn net.Conn) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetNoDelay(s.TCPNoDelay); err != nil {
		return errors.Annotate(err, "setting no-delay")
	}
	if err := tcp.SetKeepAlive(s.KeepAlive); err != nil {
		return errors.Annotate(err, "setting keep-alive")
	}
	if s.SendBufferSize > 0 {
		if err := tcp.SetWriteBuffer(s.SendBufferSize); err != nil {
			return errors.Annotate(err, "setting send buffer")
		}
	}
	if s.ReceiveBufferSize > 0 {
		if err := tcp.SetReadBuffer(s.ReceiveBufferSize); err != nil {
			return errors.Annotate(err, "setting receive buffer")
		}
	}
	if s.SoLinger >= 0 {
		if err := tcp.SetLinger(s.SoLinger); err != nil {
			return errors.Annotate(err, "setting linger")
		}
	}
	return nil
}

// ReadDeadline returns the deadline for a read starting now, or the zero
// time when reads never time out.
func (s Socket) ReadDeadline(now time.Time) time.Time {
	if s.ReadTimeout <= 0 {
		return time.Time{}
	}
	return now.Add(s.ReadTimeout)
}

func (s Socket) keepAlivePeriod() time.Duration {
	if s.KeepAlive {
		return 0 // OS default period
	}
	return -1
}

func (s Socket) control(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = setRawOptions(fd, network, s)
	})
	if err != nil {
		return err
	}
	return opErr
}
