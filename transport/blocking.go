package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"easy-rpc/codec"
	"easy-rpc/message"
	"easy-rpc/protocol"
	"easy-rpc/rpcerr"
)

// BlockingConn performs the whole exchange on the calling goroutine: write
// the request frame, then read the response frame from the same socket.
type BlockingConn struct {
	opts Options
	log  logrus.FieldLogger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

var _ Connection = (*BlockingConn)(nil)

// NewBlockingConn returns an unconnected connection.
func NewBlockingConn(opts Options) *BlockingConn {
	opts = opts.withDefaults()
	return &BlockingConn{opts: opts, log: opts.Logger.WithField("conn", "blocking")}
}

func (c *BlockingConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return rpcerr.ErrConnectionClosed
	}
	if c.conn != nil {
		return nil
	}
	conn, err := c.opts.dial(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	c.conn = conn
	c.log.Debug("connected")
	return nil
}

// SendRequest writes req and waits for its response. Any failure closes
// the connection: a stream that failed mid-exchange cannot be paired again.
func (c *BlockingConn) SendRequest(req *message.Request) (*message.Response, error) {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	switch {
	case closed:
		return nil, rpcerr.ErrConnectionClosed
	case conn == nil:
		return nil, rpcerr.ErrNotConnected
	}

	resp, err := c.exchange(conn, req)
	if err != nil {
		c.log.WithError(err).WithField("id", req.ID).Debug("exchange failed, closing")
		_ = c.Close()
		return nil, err
	}
	return resp, nil
}

func (c *BlockingConn) exchange(conn net.Conn, req *message.Request) (*message.Response, error) {
	payload, err := codec.MarshalRequest(c.opts.Codec, req)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(conn, payload); err != nil {
		return nil, readFailure(err, c.IsClosed())
	}
	if err := conn.SetReadDeadline(c.opts.Socket.ReadDeadline(time.Now())); err != nil {
		return nil, readFailure(err, c.IsClosed())
	}
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		if errors.Is(err, rpcerr.ErrCodec) {
			return nil, err
		}
		return nil, readFailure(err, c.IsClosed())
	}
	return codec.UnmarshalResponse(c.opts.Codec, frame)
}

func (c *BlockingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.log.Debug("closed")
	}
	return nil
}

func (c *BlockingConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

func (c *BlockingConn) IsClosed() bool {
	return !c.IsConnected()
}

func (c *BlockingConn) RemoteAddr() string {
	return c.opts.Addr
}
