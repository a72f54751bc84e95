// Package transport implements client connections to a single remote endpoint.
//
// A Connection carries one request at a time: SendRequest writes a frame and blocks until the
// matching response frame, a transport failure, or the read timeout. There is no demultiplexing
// on the wire; callers needing concurrency borrow separate connections from a Pool.
//
// Two implementations share the contract:
//
//	BlockingConn: the caller's goroutine writes, then reads the response itself.
//	AsyncConn:    a reactor goroutine reads and decodes frames, handing each
//	              response to the waiting caller through a single slot.
package transport

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"easy-rpc/codec"
	"easy-rpc/config"
	"easy-rpc/logging"
	"easy-rpc/message"
	"easy-rpc/rpcerr"
)

// Connection is one physical link to one remote endpoint.
//
// Connect is idempotent. SendRequest fails with rpcerr.ErrNotConnected before
// Connect. Close is idempotent and never fails on an already broken socket.
// A Connection is not safe for concurrent SendRequest calls.
type Connection interface {
	Connect(ctx context.Context) error
	SendRequest(req *message.Request) (*message.Response, error)
	Close() error
	IsConnected() bool
	IsClosed() bool
	RemoteAddr() string
}

// Options configures a connection.
type Options struct {
	Addr   string
	Socket config.Socket
	Codec  codec.Codec
	Logger logrus.FieldLogger

	// Dial overrides how the socket is opened. Defaults to Socket.Dial.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = codec.Default
	}
	o.Logger = logging.OrNop(o.Logger).WithField("remote", o.Addr)
	if o.Dial == nil {
		o.Dial = o.Socket.Dial
	}
	return o
}

func (o Options) dial(ctx context.Context) (net.Conn, error) {
	if o.Addr == "" {
		return nil, errors.NotValidf("empty address")
	}
	conn, err := o.Dial(ctx, o.Addr)
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.ErrTransport, err, "connecting to %s", o.Addr)
	}
	return conn, nil
}

// readFailure classifies an error from reading a response frame.
func readFailure(err error, closedLocally bool) error {
	switch {
	case closedLocally:
		return rpcerr.Wrap(rpcerr.ErrConnectionClosed, err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return rpcerr.Wrap(rpcerr.ErrTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return rpcerr.Wrapf(rpcerr.ErrConnectionClosed, err, "peer closed")
	}
	return rpcerr.Wrap(rpcerr.ErrTransport, err)
}
