// Package server accepts connections and dispatches their requests to a fixed
// set of handlers.
//
// Two connection models are available:
//
//	Blocking:    one goroutine per connection reads a frame, dispatches it and
//	             writes the response before reading the next. MaxConns bounds
//	             the number of connections served at once.
//	EventDriven: one reader per connection feeds a FrameDecoder with whatever
//	             each read returns; every decoded frame becomes an event handled
//	             by a fixed pool of workers.
//
// In both models handler failures become error responses and the connection
// stays open. A frame that cannot be decoded, a read timeout or a peer close
// ends the connection.
package server

import (
	"context"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gopkg.in/tomb.v2"

	"easy-rpc/codec"
	"easy-rpc/config"
	"easy-rpc/logging"
	"easy-rpc/lookup"
	"easy-rpc/middleware"
	"easy-rpc/protocol"
)

// Model selects how connections are served.
type Model int

const (
	Blocking Model = iota
	EventDriven
)

// ParseModel maps "blocking" and "event-driven" to a Model.
func ParseModel(name string) (Model, error) {
	switch name {
	case "blocking":
		return Blocking, nil
	case "event-driven", "async":
		return EventDriven, nil
	}
	return 0, errors.NotValidf("server model %q", name)
}

func (m Model) String() string {
	if m == EventDriven {
		return "event-driven"
	}
	return "blocking"
}

// Options configures a Server.
type Options struct {
	Addr        string
	Model       Model
	Codec       codec.Codec
	Socket      config.Socket // ReadTimeout closes connections idle for that long
	MaxConns    int           // connections served at once, 0 means unbounded
	Workers     int           // event-driven model only, defaults to GOMAXPROCS
	Middlewares []middleware.Middleware
	Logger      logrus.FieldLogger
}

// Server serves one listener.
type Server struct {
	opts       Options
	log        logrus.FieldLogger
	dispatcher *Dispatcher
	tomb       tomb.Tomb
	ctx        context.Context // cancelled on Shutdown
	slots      *semaphore.Weighted
	events     chan event
	started    atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	conns    map[*serverConn]struct{}
}

type serverConn struct {
	net.Conn
	busy    atomic.Bool
	writeMu sync.Mutex
}

type event struct {
	conn  *serverConn
	frame []byte
}

// New builds a server over handlers. The registry must not be empty.
func New(handlers Registry, opts Options) (*Server, error) {
	resolver, err := lookup.NewResolver(handlers)
	if err != nil {
		return nil, errors.Annotate(err, "building handler registry")
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if err := opts.Socket.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	log := logging.OrNop(opts.Logger).WithField("component", "server")
	s := &Server{
		opts:       opts,
		log:        log,
		dispatcher: NewDispatcher(resolver, opts.Codec, log, opts.Middlewares...),
		conns:      make(map[*serverConn]struct{}),
	}
	s.ctx = s.tomb.Context(context.Background())
	if opts.MaxConns > 0 {
		s.slots = semaphore.NewWeighted(int64(opts.MaxConns))
	}
	return s, nil
}

// ListenAndServe listens on Options.Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := s.opts.Socket.Listen(context.Background(), s.opts.Addr)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", s.opts.Addr)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown. It returns nil after a
// Shutdown and the accept error otherwise. A Server serves once.
func (s *Server) Serve(l net.Listener) error {
	if !s.started.CompareAndSwap(false, true) {
		_ = l.Close()
		return errors.New("server already started")
	}
	s.mu.Lock()
	if !s.tomb.Alive() {
		s.mu.Unlock()
		_ = l.Close()
		return nil
	}
	s.listener = l
	if s.opts.Model == EventDriven {
		s.events = make(chan event)
		for range s.opts.Workers {
			s.tomb.Go(s.worker)
		}
	}
	s.tomb.Go(s.acceptLoop)
	s.mu.Unlock()
	s.log.WithField("addr", l.Addr()).WithField("model", s.opts.Model).Info("serving")

	<-s.tomb.Dying()
	_ = l.Close()
	if s.tomb.Err() != nil {
		// Accept failed: nobody is draining, drop the connections now.
		s.closeConns(false)
	}
	return s.tomb.Wait()
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() error {
	for {
		if s.slots != nil {
			if err := s.slots.Acquire(s.ctx, 1); err != nil {
				return tomb.ErrDying
			}
		}
		conn, err := s.listener.Accept()
		if err != nil {
			s.release()
			if !s.tomb.Alive() {
				return tomb.ErrDying
			}
			return errors.Annotate(err, "accepting")
		}
		if err := s.opts.Socket.Apply(conn); err != nil {
			s.log.WithError(err).Warn("applying socket options")
		}
		sc := s.track(conn)
		if sc == nil {
			s.release()
			_ = conn.Close()
			return tomb.ErrDying
		}
		s.tomb.Go(func() error {
			defer s.release()
			defer s.untrack(sc)
			if s.opts.Model == EventDriven {
				s.readEvents(sc)
			} else {
				s.serveBlocking(sc)
			}
			return nil
		})
	}
}

func (s *Server) release() {
	if s.slots != nil {
		s.slots.Release(1)
	}
}

func (s *Server) serveBlocking(conn *serverConn) {
	log := s.log.WithField("remote", conn.RemoteAddr())
	for {
		if err := conn.SetReadDeadline(s.opts.Socket.ReadDeadline(time.Now())); err != nil {
			return
		}
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			s.logReadError(log, err)
			return
		}
		if !s.respond(conn, frame, log) || !s.tomb.Alive() {
			return
		}
	}
}

func (s *Server) readEvents(conn *serverConn) {
	log := s.log.WithField("remote", conn.RemoteAddr())
	dec := protocol.NewFrameDecoder()
	buf := make([]byte, 16<<10)
	for {
		if err := conn.SetReadDeadline(s.opts.Socket.ReadDeadline(time.Now())); err != nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				frame, ok, ferr := dec.Next()
				if ferr != nil {
					log.WithError(ferr).Warn("bad frame, closing")
					return
				}
				if !ok {
					break
				}
				select {
				case s.events <- event{conn: conn, frame: frame}:
				case <-s.tomb.Dying():
					return
				}
			}
		}
		if err != nil {
			s.logReadError(log, err)
			return
		}
	}
}

func (s *Server) worker() error {
	for {
		select {
		case ev := <-s.events:
			log := s.log.WithField("remote", ev.conn.RemoteAddr())
			if !s.respond(ev.conn, ev.frame, log) || !s.tomb.Alive() {
				_ = ev.conn.Close()
			}
		case <-s.tomb.Dying():
			return nil
		}
	}
}

// respond dispatches one frame and writes the answer. It reports whether
// the connection is still usable.
func (s *Server) respond(conn *serverConn, frame []byte, log logrus.FieldLogger) bool {
	conn.busy.Store(true)
	defer conn.busy.Store(false)
	out, err := s.dispatcher.HandleFrame(context.Background(), frame)
	if err != nil {
		log.WithError(err).Warn("undecodable request, closing")
		return false
	}
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	if err := protocol.WriteFrame(conn, out); err != nil {
		log.WithError(err).Debug("writing response")
		return false
	}
	return true
}

func (s *Server) logReadError(log logrus.FieldLogger, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.Debug("connection closed")
	case isTimeout(err):
		log.Debug("idle connection timed out")
	default:
		log.WithError(err).Warn("reading request")
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Server) track(conn net.Conn) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tomb.Alive() {
		return nil
	}
	sc := &serverConn{Conn: conn}
	s.conns[sc] = struct{}{}
	return sc
}

func (s *Server) untrack(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
	_ = sc.Close()
}

// Shutdown stops accepting, closes idle connections and waits up to timeout
// for in-flight calls to be answered before closing everything.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.tomb.Kill(nil)
	serving := s.listener != nil
	if serving {
		_ = s.listener.Close()
	}
	s.mu.Unlock()
	if !serving {
		// Serve never started a goroutine, so there is nothing to wait for.
		return nil
	}
	s.closeConns(true)

	done := make(chan struct{})
	go func() {
		_ = s.tomb.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}
	s.closeConns(false)
	return errors.Errorf("shutdown: in-flight calls still running after %v", timeout)
}

func (s *Server) closeConns(idleOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sc := range s.conns {
		if idleOnly && sc.busy.Load() {
			continue
		}
		_ = sc.Close()
	}
}
