// Pool keeps a bounded set of connections to one address.
//
// Every live connection is borrowed, idle or being opened, and together
// they never exceed MaxActive. A semaphore with MaxActive units gates
// borrowing: a borrower holds one unit until it releases, and a new
// connection is only created when no idle one is available, so idle
// connections never need a unit of their own. The min-idle top-up holds a
// unit per connection it opens and only opens what fits beside the rest.
//
//	Acquire: unit ──→ pop idle (LIFO or FIFO) ──→ validate? ──→ borrowed
//	                 └─ none idle ──→ create + connect ───────↗
//	Release: validate ──→ push idle (≤ MaxIdle) or destroy ──→ unit back
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gopkg.in/tomb.v2"

	"easy-rpc/config"
	"easy-rpc/logging"
	"easy-rpc/rpcerr"
)

// Pool borrows connections from an underlying Factory and keeps them for reuse.
// It is itself a Factory: Create borrows and Recycle returns.
type Pool struct {
	factory Factory
	cfg     config.Pool
	clock   clock.Clock
	log     logrus.FieldLogger
	units   *semaphore.Weighted
	tomb    tomb.Tomb

	closing context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	idle     []idleConn
	borrowed map[Connection]struct{}
	opening  int // borrowers creating a connection
	topping  int // connections being opened by Evict
	closed   bool

	created   atomic.Int64
	destroyed atomic.Int64
}

type idleConn struct {
	conn  Connection
	since time.Time
}

// PoolStats is a snapshot of the pool.
type PoolStats struct {
	Active    int // borrowed
	Idle      int
	MaxActive int
	Created   int64
	Destroyed int64
}

var _ Factory = (*Pool)(nil)

// NewPool returns a pool over factory. A nil clock means the wall clock and
// a nil logger discards. With a positive EvictionInterval a background
// evictor runs until Close.
func NewPool(factory Factory, cfg config.Pool, clk clock.Clock, log logrus.FieldLogger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	p := &Pool{
		factory:  factory,
		cfg:      cfg,
		clock:    clk,
		log:      logging.OrNop(log).WithField("component", "pool"),
		units:    semaphore.NewWeighted(int64(cfg.MaxActive)),
		borrowed: make(map[Connection]struct{}),
	}
	p.closing, p.cancel = context.WithCancel(context.Background())
	if cfg.EvictionInterval > 0 {
		p.tomb.Go(p.evictLoop)
	}
	return p, nil
}

func (p *Pool) Create(ctx context.Context) (Connection, error) {
	return p.Acquire(ctx)
}

func (p *Pool) Recycle(conn Connection) error {
	return p.Release(conn)
}

// Acquire borrows a connected connection, waiting for a free slot according
// to MaxWait: a positive value bounds the wait, zero fails at once and a
// negative value waits as long as ctx allows.
func (p *Pool) Acquire(ctx context.Context) (Connection, error) {
	if err := p.take(ctx); err != nil {
		return nil, err
	}
	for {
		conn, err := p.borrowIdle()
		if err != nil {
			p.units.Release(1)
			return nil, err
		}
		if conn == nil {
			break
		}
		if p.cfg.TestOnBorrow && !valid(conn) {
			p.log.Debug("idle connection failed validation on borrow")
			p.forget(conn)
			p.destroy(conn)
			continue
		}
		return conn, nil
	}

	conn, err := p.open(ctx)
	p.mu.Lock()
	p.opening--
	if err != nil {
		p.mu.Unlock()
		p.units.Release(1)
		return nil, errors.Trace(err)
	}
	if p.closed {
		p.mu.Unlock()
		p.destroy(conn)
		p.units.Release(1)
		return nil, rpcerr.ErrPoolClosed
	}
	p.borrowed[conn] = struct{}{}
	p.mu.Unlock()
	return conn, nil
}

// take obtains one borrowing unit.
func (p *Pool) take(ctx context.Context) error {
	if p.isClosed() {
		return rpcerr.ErrPoolClosed
	}
	if p.cfg.MaxWait == 0 {
		if !p.units.TryAcquire(1) {
			return rpcerr.Wrapf(rpcerr.ErrPoolExhausted, nil, "%d connections in use", p.cfg.MaxActive)
		}
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.cfg.MaxWait > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.MaxWait)
		defer cancel()
	}
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()
	if err := p.units.Acquire(ctx, 1); err != nil {
		if p.isClosed() {
			return rpcerr.ErrPoolClosed
		}
		return rpcerr.Wrapf(rpcerr.ErrPoolExhausted, err, "%d connections in use", p.cfg.MaxActive)
	}
	return nil
}

// borrowIdle pops an idle connection and marks it borrowed. It returns nil
// when none is idle, and the caller is then counted as opening one.
func (p *Pool) borrowIdle() (Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, rpcerr.ErrPoolClosed
	}
	n := len(p.idle)
	if n == 0 {
		p.opening++
		return nil, nil
	}
	var ic idleConn
	if p.cfg.LIFO {
		ic = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		ic = p.idle[0]
		p.idle = p.idle[1:]
	}
	p.borrowed[ic.conn] = struct{}{}
	return ic.conn, nil
}

// Release returns a borrowed connection. It is kept idle only if it passes
// validation (with TestOnReturn) and the idle set has room; otherwise it is
// destroyed.
func (p *Pool) Release(conn Connection) error {
	p.mu.Lock()
	if _, ok := p.borrowed[conn]; !ok {
		p.mu.Unlock()
		return errors.NotValidf("releasing a connection not borrowed from this pool")
	}
	delete(p.borrowed, conn)
	keep := !p.closed && len(p.idle) < p.cfg.MaxIdle && (!p.cfg.TestOnReturn || valid(conn))
	if keep {
		p.idle = append(p.idle, idleConn{conn: conn, since: p.clock.Now()})
	}
	p.mu.Unlock()
	if !keep {
		p.destroy(conn)
	}
	p.units.Release(1)
	return nil
}

// Invalidate destroys a borrowed connection instead of returning it.
func (p *Pool) Invalidate(conn Connection) error {
	if !p.forget(conn) {
		return errors.NotValidf("invalidating a connection not borrowed from this pool")
	}
	p.destroy(conn)
	p.units.Release(1)
	return nil
}

// Evict runs one eviction pass: idle connections older than MinEvictableIdle,
// or failing validation with TestWhileIdle, are destroyed, then the idle set
// is topped up to MinIdle.
func (p *Pool) Evict(ctx context.Context) error {
	now := p.clock.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return rpcerr.ErrPoolClosed
	}
	var victims []Connection
	kept := p.idle[:0]
	for _, ic := range p.idle {
		expired := p.cfg.MinEvictableIdle > 0 && now.Sub(ic.since) >= p.cfg.MinEvictableIdle
		if expired || (p.cfg.TestWhileIdle && !valid(ic.conn)) {
			victims = append(victims, ic.conn)
			continue
		}
		kept = append(kept, ic)
	}
	clear(p.idle[len(kept):])
	p.idle = kept
	p.mu.Unlock()

	for _, conn := range victims {
		p.destroy(conn)
	}
	if len(victims) > 0 {
		p.log.WithField("evicted", len(victims)).Debug("evicted idle connections")
	}

	n := p.reserveTopUp()
	for n > 0 {
		conn, err := p.open(ctx)
		n--
		p.mu.Lock()
		p.topping--
		closed := p.closed
		if err == nil && !closed {
			p.idle = append(p.idle, idleConn{conn: conn, since: p.clock.Now()})
		}
		if err != nil {
			p.topping -= n
		}
		p.mu.Unlock()
		if err != nil {
			p.units.Release(int64(n) + 1)
			return errors.Annotate(err, "topping up idle connections")
		}
		if closed {
			p.destroy(conn)
		}
		p.units.Release(1)
	}
	return nil
}

// reserveTopUp takes one unit per idle connection missing below MinIdle,
// limited to the room left beside borrowed, idle and opening connections.
func (p *Pool) reserveTopUp() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	room := p.cfg.MaxActive - len(p.borrowed) - len(p.idle) - p.opening - p.topping
	want := min(p.cfg.MinIdle-len(p.idle)-p.topping, room)
	n := 0
	for n < want && p.units.TryAcquire(1) {
		n++
	}
	p.topping += n
	return n
}

func (p *Pool) evictLoop() error {
	for {
		select {
		case <-p.tomb.Dying():
			return nil
		case <-p.clock.After(p.cfg.EvictionInterval):
			if err := p.Evict(p.closing); err != nil && !errors.Is(err, rpcerr.ErrPoolClosed) {
				p.log.WithError(err).Warn("eviction failed")
			}
		}
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Active:    len(p.borrowed),
		Idle:      len(p.idle),
		MaxActive: p.cfg.MaxActive,
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
	}
}

// Close destroys the idle connections and stops the evictor. Borrowed
// connections are destroyed as they are released. Later calls to Acquire
// fail with rpcerr.ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.cancel()
	for _, ic := range idle {
		p.destroy(ic.conn)
	}
	if p.cfg.EvictionInterval <= 0 {
		return nil
	}
	p.tomb.Kill(nil)
	return p.tomb.Wait()
}

func (p *Pool) open(ctx context.Context) (Connection, error) {
	conn, err := p.factory.Create(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := conn.Connect(ctx); err != nil {
		_ = p.factory.Recycle(conn)
		return nil, errors.Trace(err)
	}
	p.created.Add(1)
	return conn, nil
}

func (p *Pool) destroy(conn Connection) {
	if err := p.factory.Recycle(conn); err != nil {
		p.log.WithError(err).Debug("destroying connection")
	}
	p.destroyed.Add(1)
}

func (p *Pool) forget(conn Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.borrowed[conn]; !ok {
		return false
	}
	delete(p.borrowed, conn)
	return true
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// valid is the liveness check used on borrow, return and while idle.
func valid(conn Connection) bool {
	return conn.IsConnected() && !conn.IsClosed()
}
