package transport

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"easy-rpc/codec"
	"easy-rpc/config"
	"easy-rpc/message"
	"easy-rpc/rpcerr"
)

// fakeConn is a Connection that never touches the network.
type fakeConn struct {
	id        int64
	connected atomic.Bool
	closed    atomic.Bool
}

func (c *fakeConn) Connect(context.Context) error {
	if c.closed.Load() {
		return rpcerr.ErrConnectionClosed
	}
	c.connected.Store(true)
	return nil
}

func (c *fakeConn) SendRequest(req *message.Request) (*message.Response, error) {
	return message.NewResult(req.ID, c.id), nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) IsConnected() bool  { return c.connected.Load() && !c.closed.Load() }
func (c *fakeConn) IsClosed() bool     { return !c.IsConnected() }
func (c *fakeConn) RemoteAddr() string { return "fake" }

// fakeFactory counts live connections and records the peak.
type fakeFactory struct {
	next    atomic.Int64
	live    atomic.Int64
	peak    atomic.Int64
	failing atomic.Bool
}

func (f *fakeFactory) Create(context.Context) (Connection, error) {
	if f.failing.Load() {
		return nil, rpcerr.Wrapf(rpcerr.ErrTransport, nil, "dial refused")
	}
	live := f.live.Add(1)
	for {
		peak := f.peak.Load()
		if live <= peak || f.peak.CompareAndSwap(peak, live) {
			break
		}
	}
	return &fakeConn{id: f.next.Add(1)}, nil
}

func (f *fakeFactory) Recycle(conn Connection) error {
	f.live.Add(-1)
	return conn.Close()
}

func newPool(t *testing.T, cfg config.Pool) (*Pool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p, err := NewPool(f, cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, f
}

func idOf(conn Connection) int64 {
	return conn.(*fakeConn).id
}

func TestPoolReusesConnections(t *testing.T) {
	p, f := newPool(t, config.DefaultPool())
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, first.IsConnected())
	require.NoError(t, p.Release(first))

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, first, again)
	require.NoError(t, p.Release(again))

	stats := p.Stats()
	assert.Equal(t, PoolStats{Active: 0, Idle: 1, MaxActive: 8, Created: 1}, stats)
	assert.EqualValues(t, 1, f.live.Load())
}

func TestPoolReuseOrder(t *testing.T) {
	for _, lifo := range []bool{true, false} {
		cfg := config.DefaultPool()
		cfg.LIFO = lifo
		p, _ := newPool(t, cfg)
		ctx := context.Background()

		a, err := p.Acquire(ctx)
		require.NoError(t, err)
		b, err := p.Acquire(ctx)
		require.NoError(t, err)
		require.NoError(t, p.Release(a))
		require.NoError(t, p.Release(b))

		next, err := p.Acquire(ctx)
		require.NoError(t, err)
		if lifo {
			assert.Same(t, b, next)
		} else {
			assert.Same(t, a, next)
		}
		require.NoError(t, p.Release(next))
	}
}

func TestPoolExhaustion(t *testing.T) {
	for _, tc := range []struct {
		name    string
		maxWait time.Duration
		ctx     func() (context.Context, context.CancelFunc)
	}{
		{"fail fast", 0, func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) }},
		{"bounded wait", 20 * time.Millisecond, func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) }},
		{"caller deadline", -1, func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 20*time.Millisecond)
		}},
	} {
		cfg := config.DefaultPool()
		cfg.MaxActive = 1
		cfg.MaxWait = tc.maxWait
		p, _ := newPool(t, cfg)

		held, err := p.Acquire(context.Background())
		require.NoError(t, err)

		ctx, cancel := tc.ctx()
		_, err = p.Acquire(ctx)
		cancel()
		assert.True(t, errors.Is(err, rpcerr.ErrPoolExhausted), "%s: %v", tc.name, err)
		require.NoError(t, p.Release(held))
	}
}

func TestPoolWaiterGetsReleasedConnection(t *testing.T) {
	cfg := config.DefaultPool()
	cfg.MaxActive = 1
	p, _ := newPool(t, cfg)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	got := make(chan Connection, 1)
	go func() {
		conn, err := p.Acquire(context.Background())
		assert.NoError(t, err)
		got <- conn
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Release(held))

	select {
	case conn := <-got:
		assert.Same(t, held, conn)
		require.NoError(t, p.Release(conn))
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never got the released connection")
	}
}

func TestPoolDestroysInvalidOnReturn(t *testing.T) {
	p, f := newPool(t, config.DefaultPool())
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, p.Release(conn))

	stats := p.Stats()
	assert.Zero(t, stats.Idle)
	assert.EqualValues(t, 1, stats.Destroyed)
	assert.Zero(t, f.live.Load())

	next, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, conn, next)
	require.NoError(t, p.Release(next))
}

func TestPoolTestOnBorrow(t *testing.T) {
	cfg := config.DefaultPool()
	cfg.TestOnReturn = false
	cfg.TestOnBorrow = true
	p, _ := newPool(t, cfg)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))
	// Dies while idle.
	require.NoError(t, conn.Close())

	next, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, conn, next)
	assert.True(t, next.IsConnected())
	require.NoError(t, p.Release(next))
	assert.EqualValues(t, 1, p.Stats().Destroyed)
}

func TestPoolMaxIdle(t *testing.T) {
	cfg := config.DefaultPool()
	cfg.MaxIdle = 1
	p, _ := newPool(t, cfg)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(a))
	require.NoError(t, p.Release(b))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.EqualValues(t, 1, stats.Destroyed)
	assert.True(t, b.IsClosed())
}

func TestPoolInvalidateAndForeign(t *testing.T) {
	p, f := newPool(t, config.DefaultPool())
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Invalidate(conn))
	assert.True(t, conn.IsClosed())
	assert.Zero(t, f.live.Load())

	assert.True(t, errors.Is(p.Release(conn), errors.NotValid))
	assert.True(t, errors.Is(p.Invalidate(&fakeConn{}), errors.NotValid))
}

func TestPoolCreateFailureFreesSlot(t *testing.T) {
	cfg := config.DefaultPool()
	cfg.MaxActive = 1
	cfg.MaxWait = 0
	p, f := newPool(t, cfg)

	f.failing.Store(true)
	_, err := p.Acquire(context.Background())
	assert.True(t, errors.Is(err, rpcerr.ErrTransport), err)

	f.failing.Store(false)
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))
}

func TestPoolClose(t *testing.T) {
	cfg := config.DefaultPool()
	cfg.MaxActive = 1
	p, f := newPool(t, cfg)
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)
	waiter := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		waiter <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	select {
	case err := <-waiter:
		assert.True(t, errors.Is(err, rpcerr.ErrPoolClosed), err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released by Close")
	}

	_, err = p.Acquire(ctx)
	assert.True(t, errors.Is(err, rpcerr.ErrPoolClosed))
	require.NoError(t, p.Release(held))
	assert.True(t, held.IsClosed())
	assert.Zero(t, f.live.Load())
	assert.True(t, errors.Is(p.Evict(ctx), rpcerr.ErrPoolClosed))
}

func TestPoolEvictTopsUpMinIdle(t *testing.T) {
	cfg := config.DefaultPool()
	cfg.MinIdle = 2
	p, _ := newPool(t, cfg)

	require.NoError(t, p.Evict(context.Background()))
	stats := p.Stats()
	assert.Equal(t, 2, stats.Idle)
	assert.EqualValues(t, 2, stats.Created)
}

func TestPoolEvictTopUpCountsBorrowed(t *testing.T) {
	cfg := config.DefaultPool()
	cfg.MaxActive = 2
	cfg.MinIdle = 2
	p, f := newPool(t, cfg)
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Evict(ctx))
	stats := p.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Idle)
	assert.EqualValues(t, 2, f.peak.Load())

	require.NoError(t, p.Release(held))
	require.NoError(t, p.Evict(ctx))
	assert.Equal(t, 2, p.Stats().Idle)
	assert.EqualValues(t, 2, f.live.Load())
}

func TestPoolEvictTopUpFullPool(t *testing.T) {
	cfg := config.DefaultPool()
	cfg.MaxActive = 2
	cfg.MinIdle = 2
	p, f := newPool(t, cfg)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Evict(ctx))
	assert.Zero(t, p.Stats().Idle)
	assert.EqualValues(t, 2, f.peak.Load())
	require.NoError(t, p.Release(a))
	require.NoError(t, p.Release(b))
}

func TestPoolCloseWithoutEvictor(t *testing.T) {
	p, err := NewPool(&fakeFactory{}, config.DefaultPool(), nil, nil)
	require.NoError(t, err)
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))

	done := make(chan error, 1)
	go func() { done <- p.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.True(t, conn.IsClosed())
}

func TestPoolEvictTestWhileIdle(t *testing.T) {
	cfg := config.DefaultPool()
	cfg.TestWhileIdle = true
	p, _ := newPool(t, cfg)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))
	require.NoError(t, conn.Close())

	require.NoError(t, p.Evict(context.Background()))
	assert.Zero(t, p.Stats().Idle)
}

func TestPoolEvictorUsesClock(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	cfg := config.DefaultPool()
	cfg.EvictionInterval = 10 * time.Second
	cfg.MinEvictableIdle = time.Minute
	f := &fakeFactory{}
	p, err := NewPool(f, cfg, clk, nil)
	require.NoError(t, err)
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))

	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	require.Eventually(t, func() bool {
		// Runs once the first evictor pass has rearmed its timer.
		return clk.WaitAdvance(0, 10*time.Millisecond, 1) == nil
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, p.Stats().Idle, "not old enough yet")

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	assert.Eventually(t, func() bool {
		s := p.Stats()
		return s.Idle == 0 && s.Destroyed == 1
	}, 5*time.Second, time.Millisecond)
	assert.True(t, conn.IsClosed())
}

// Under concurrent borrowing, live connections never exceed MaxActive and a
// connection that failed validation is never handed out again.
func TestPoolBoundsUnderLoad(t *testing.T) {
	cfg := config.DefaultPool()
	cfg.MaxActive = 4
	cfg.MaxIdle = 2
	p, f := newPool(t, cfg)

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				conn, err := p.Acquire(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				assert.True(t, conn.IsConnected(), "handed out a dead connection")
				s := p.Stats()
				assert.LessOrEqual(t, s.Active+s.Idle, cfg.MaxActive)
				if rand.IntN(5) == 0 {
					_ = conn.Close()
				}
				if rand.IntN(20) == 0 {
					assert.NoError(t, p.Invalidate(conn))
					continue
				}
				assert.NoError(t, p.Release(conn))
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, f.peak.Load(), int64(cfg.MaxActive))
	s := p.Stats()
	assert.Zero(t, s.Active)
	assert.LessOrEqual(t, s.Idle, cfg.MaxIdle)
	assert.Equal(t, s.Created-s.Destroyed, int64(s.Idle))
}

func TestDirectFactory(t *testing.T) {
	srv := startFrameServer(t, codec.Default)
	f := DirectFactory{Kind: Async, Options: srv.options()}
	conn, err := f.Create(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &AsyncConn{}, conn)
	assert.False(t, conn.IsConnected())
	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, f.Recycle(conn))
	assert.True(t, conn.IsClosed())
}

func TestFixedFactorySerializesOwners(t *testing.T) {
	srv := startFrameServer(t, codec.Default)
	f := NewFixedFactory(Blocking, srv.options())
	defer f.Close()

	conn, err := f.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Create(ctx)
	assert.True(t, errors.Is(err, rpcerr.ErrTimeout), err)

	require.NoError(t, f.Recycle(conn))
	again, err := f.Create(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, again)

	// A broken connection is replaced for the next owner.
	require.NoError(t, again.Close())
	require.NoError(t, f.Recycle(again))
	fresh, err := f.Create(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, conn, fresh)
	assert.True(t, errors.Is(f.Recycle(conn), errors.NotValid))
	require.NoError(t, f.Recycle(fresh))
}

func TestPoolOverDirectFactory(t *testing.T) {
	srv := startFrameServer(t, codec.Default)
	p, err := NewPool(DirectFactory{Kind: Blocking, Options: srv.options()}, config.DefaultPool(), nil, nil)
	require.NoError(t, err)
	defer p.Close()

	for i := range 3 {
		conn, err := p.Create(context.Background())
		require.NoError(t, err)
		resp, err := conn.SendRequest(echo("x", i))
		require.NoError(t, err)
		assert.Equal(t, i, resp.Result)
		require.NoError(t, p.Recycle(conn))
	}
	assert.EqualValues(t, 1, p.Stats().Created)
}

func TestPoolDialFailureOverAsync(t *testing.T) {
	srv := startFrameServer(t, codec.Default)
	opts := srv.options()
	srv.close()
	p, err := NewPool(DirectFactory{Kind: Async, Options: opts}, config.DefaultPool(), nil, nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Acquire(context.Background())
	assert.True(t, errors.Is(err, rpcerr.ErrTransport), err)
	stats := p.Stats()
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.Created)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("async")
	require.NoError(t, err)
	assert.Equal(t, Async, k)
	assert.Equal(t, "async", k.String())
	k, err = ParseKind("blocking")
	require.NoError(t, err)
	assert.Equal(t, Blocking, k)
	_, err = ParseKind("carrier-pigeon")
	assert.True(t, errors.Is(err, errors.NotValid))
}
