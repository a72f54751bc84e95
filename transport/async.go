package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"easy-rpc/codec"
	"easy-rpc/message"
	"easy-rpc/protocol"
	"easy-rpc/rpcerr"
)

const readChunkSize = 16 << 10

// AsyncConn reads on a reactor goroutine. SendRequest writes the request
// frame and then parks on the connection's handoff slot until the reactor
// delivers the decoded response, the reactor fails, the read timeout
// elapses, or Close is called.
//
//	caller ──SendRequest──→ write frame ──→ wait(slot)
//	reactor ←── read chunk ←── FrameDecoder ←── decode ──→ fill(slot) ──→ caller wakes
type AsyncConn struct {
	opts Options
	log  logrus.FieldLogger
	tomb tomb.Tomb

	mu     sync.Mutex // guards everything below, including the slot contents
	conn   net.Conn
	closed bool
	slot   *handoff // the outstanding call, nil when idle
}

// handoff is the single-slot rendezvous between one caller and the reactor.
// done is closed exactly once, after resp or err is set, under AsyncConn.mu.
type handoff struct {
	resp *message.Response
	err  error
	done chan struct{}
}

var _ Connection = (*AsyncConn)(nil)

// NewAsyncConn returns an unconnected event-driven connection.
func NewAsyncConn(opts Options) *AsyncConn {
	opts = opts.withDefaults()
	return &AsyncConn{opts: opts, log: opts.Logger.WithField("conn", "async")}
}

// Connect dials the endpoint and starts the reactor.
func (c *AsyncConn) Connect(ctx context.Context) error {
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
	c.tomb.Go(func() error {
		c.reactor(conn)
		return nil
	})
	c.log.Debug("connected")
	return nil
}

func (c *AsyncConn) SendRequest(req *message.Request) (*message.Response, error) {
	h := &handoff{done: make(chan struct{})}
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, rpcerr.ErrConnectionClosed
	case c.conn == nil:
		c.mu.Unlock()
		return nil, rpcerr.ErrNotConnected
	case c.slot != nil:
		c.mu.Unlock()
		return nil, errors.Errorf("connection to %s already has a request in flight", c.opts.Addr)
	}
	c.slot = h
	conn := c.conn
	c.mu.Unlock()

	payload, err := codec.MarshalRequest(c.opts.Codec, req)
	if err != nil {
		c.shutdown(err)
		return h.wait()
	}
	if err := protocol.WriteFrame(conn, payload); err != nil {
		c.shutdown(readFailure(err, c.IsClosed()))
		return h.wait()
	}

	var timeout <-chan time.Time
	if d := c.opts.Socket.ReadTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-h.done:
	case <-timeout:
		// A late response could pair with the next request, so the
		// connection is unusable from here on.
		err := rpcerr.Wrapf(rpcerr.ErrTimeout, nil, "no response to %s within %v", req, c.opts.Socket.ReadTimeout)
		if c.fill(h, nil, err) {
			c.log.WithField("id", req.ID).Debug("read timeout, closing")
			_ = c.Close()
		}
	}
	return h.wait()
}

func (h *handoff) wait() (*message.Response, error) {
	<-h.done
	return h.resp, h.err
}

// fill completes h if it is still the outstanding call. It reports whether
// this call did the completing.
func (c *AsyncConn) fill(h *handoff, resp *message.Response, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot != h {
		return false
	}
	c.complete(resp, err)
	return true
}

// deliver hands a decoded response to the waiting caller. A response nobody
// asked for means the stream is out of step.
func (c *AsyncConn) deliver(resp *message.Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot == nil {
		return false
	}
	c.complete(resp, nil)
	return true
}

// complete sets the slot contents, then signals. Called with mu held.
func (c *AsyncConn) complete(resp *message.Response, err error) {
	h := c.slot
	h.resp, h.err = resp, err
	c.slot = nil
	close(h.done)
}

func (c *AsyncConn) reactor(conn net.Conn) {
	dec := protocol.NewFrameDecoder()
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if ferr := c.drain(dec); ferr != nil {
				if !c.IsClosed() {
					c.log.WithError(ferr).Warn("bad frame, closing")
				}
				c.shutdown(ferr)
				return
			}
		}
		if err != nil {
			c.shutdown(readFailure(err, c.IsClosed()))
			return
		}
	}
}

func (c *AsyncConn) drain(dec *protocol.FrameDecoder) error {
	for {
		frame, ok, err := dec.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		resp, err := codec.UnmarshalResponse(c.opts.Codec, frame)
		if err != nil {
			return err
		}
		if !c.deliver(resp) {
			return rpcerr.Wrapf(rpcerr.ErrCodec, nil, "unsolicited response %q", resp.ID)
		}
	}
}

// shutdown closes the socket and fails the outstanding call with cause.
// It is safe to call from the reactor.
func (c *AsyncConn) shutdown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.slot != nil {
		c.complete(nil, cause)
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.tomb.Kill(nil)
}

// Close releases the socket, unblocks a caller waiting in SendRequest with
// rpcerr.ErrConnectionClosed and waits for the reactor to exit.
func (c *AsyncConn) Close() error {
	c.shutdown(rpcerr.Wrapf(rpcerr.ErrConnectionClosed, nil, "closed locally"))
	c.mu.Lock()
	started := c.conn != nil
	c.mu.Unlock()
	// The reactor only exists once Connect succeeded.
	if started {
		_ = c.tomb.Wait()
	}
	return nil
}

func (c *AsyncConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// IsClosed is also true once the reactor has seen the peer go away.
func (c *AsyncConn) IsClosed() bool {
	return !c.IsConnected()
}

func (c *AsyncConn) RemoteAddr() string {
	return c.opts.Addr
}
