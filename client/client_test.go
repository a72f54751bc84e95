package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"easy-rpc/codec"
	"easy-rpc/config"
	"easy-rpc/message"
	"easy-rpc/middleware"
	"easy-rpc/rpcerr"
	"easy-rpc/server"
	"easy-rpc/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Calc struct{}

func (*Calc) Add(a, b int) int { return a + b }

func (*Calc) Div(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("divide by zero")
	}
	return a / b, nil
}

func (*Calc) Mid(a, b Point) Point { return Point{(a.X + b.X) / 2, (a.Y + b.Y) / 2} }

func (*Calc) Sleep(ctx context.Context, ms int) string {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
	}
	return "slept"
}

var (
	add = NewMethod("Calc", "add", "int", "int")
	div = NewMethod("Calc", "div", "int", "int")
)

type testServer struct {
	addr  string
	calls atomic.Int64
}

func startServer(t testing.TB, model server.Model, c codec.Codec) *testServer {
	t.Helper()
	ts := &testServer{}
	count := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ts.calls.Add(1)
			return next(ctx, req)
		}
	}
	reg, err := server.NewRegistry(&Calc{})
	require.NoError(t, err)
	srv, err := server.New(reg, server.Options{Model: model, Codec: c, Middlewares: []middleware.Middleware{count}})
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()
	t.Cleanup(func() {
		assert.NoError(t, srv.Shutdown(5*time.Second))
		assert.NoError(t, <-served)
	})
	ts.addr = l.Addr().String()
	return ts
}

type setup struct {
	name    string
	model   server.Model
	kind    transport.Kind
	factory string
}

func setups() []setup {
	var out []setup
	for _, model := range []server.Model{server.Blocking, server.EventDriven} {
		for _, kind := range []transport.Kind{transport.Blocking, transport.Async} {
			for _, factory := range []string{"direct", "fixed", "pool"} {
				out = append(out, setup{
					name:  fmt.Sprintf("%s-server/%s-conn/%s", model, kind, factory),
					model: model, kind: kind, factory: factory,
				})
			}
		}
	}
	return out
}

func newInvoker(t testing.TB, s setup, opts transport.Options) *Invoker {
	t.Helper()
	var f transport.Factory
	switch s.factory {
	case "direct":
		f = transport.DirectFactory{Kind: s.kind, Options: opts}
	case "fixed":
		f = transport.NewFixedFactory(s.kind, opts)
	case "pool":
		p, err := transport.NewPool(transport.DirectFactory{Kind: s.kind, Options: opts}, config.DefaultPool(), nil, nil)
		require.NoError(t, err)
		f = p
	}
	inv := New(f, nil)
	t.Cleanup(func() { assert.NoError(t, inv.Close()) })
	return inv
}

func TestEndToEnd(t *testing.T) {
	for _, s := range setups() {
		t.Run(s.name, func(t *testing.T) {
			srv := startServer(t, s.model, codec.Default)
			inv := newInvoker(t, s, transport.Options{Addr: srv.addr, Socket: config.ClientSocket()})
			ctx := context.Background()

			out, err := inv.Invoke(ctx, add, 2, 3)
			require.NoError(t, err)
			assert.Equal(t, 5, out)

			_, err = inv.Invoke(ctx, div, 1, 0)
			var remote *message.RemoteError
			require.True(t, errors.As(err, &remote), err)
			assert.Equal(t, message.Application, remote.Code)
			assert.EqualError(t, err, "divide by zero")

			// The failed call left the connection usable.
			out, err = inv.Invoke(ctx, div, 9, 3)
			require.NoError(t, err)
			assert.Equal(t, 3, out)

			_, err = inv.Invoke(ctx, NewMethod("Nope", "add", "int", "int"), 1, 2)
			assert.True(t, errors.Is(err, rpcerr.ErrResolution), err)
			assert.EqualValues(t, 4, srv.calls.Load())
		})
	}
}

func TestPooledConnectionIsReused(t *testing.T) {
	srv := startServer(t, server.Blocking, codec.Default)
	p, err := transport.NewPool(transport.DirectFactory{Kind: transport.Async, Options: transport.Options{Addr: srv.addr}}, config.DefaultPool(), nil, nil)
	require.NoError(t, err)
	inv := New(p, nil)
	defer inv.Close()

	for i := range 10 {
		_, _ = inv.Invoke(context.Background(), div, i, i%2)
	}
	stats := p.Stats()
	assert.EqualValues(t, 1, stats.Created)
	assert.Zero(t, stats.Destroyed)
	assert.Equal(t, 1, stats.Idle)
}

func TestConcurrentCallsThroughPool(t *testing.T) {
	srv := startServer(t, server.EventDriven, codec.Default)
	cfg := config.DefaultPool()
	cfg.MaxActive = 4
	p, err := transport.NewPool(transport.DirectFactory{Kind: transport.Async, Options: transport.Options{Addr: srv.addr}}, cfg, nil, nil)
	require.NoError(t, err)
	inv := New(p, nil)
	defer inv.Close()

	var wg sync.WaitGroup
	for g := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				sum, err := Call[int](context.Background(), inv, add, g, i)
				if assert.NoError(t, err) {
					assert.Equal(t, g+i, sum)
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.Stats().Created, int64(4))
	assert.EqualValues(t, 16*50, srv.calls.Load())
}

func TestTimeoutIsNotRetried(t *testing.T) {
	srv := startServer(t, server.Blocking, codec.Default)
	socket := config.ClientSocket()
	socket.ReadTimeout = 50 * time.Millisecond
	p, err := transport.NewPool(transport.DirectFactory{Kind: transport.Async, Options: transport.Options{Addr: srv.addr, Socket: socket}}, config.DefaultPool(), nil, nil)
	require.NoError(t, err)
	inv := New(p, nil)
	defer inv.Close()

	_, err = inv.Invoke(context.Background(), NewMethod("Calc", "Sleep", "int"), 300)
	assert.True(t, errors.Is(err, rpcerr.ErrTimeout), err)
	assert.EqualValues(t, 1, srv.calls.Load())

	stats := p.Stats()
	assert.Zero(t, stats.Idle, "timed out connection must not be reused")
	assert.EqualValues(t, 1, stats.Destroyed)

	out, err := inv.Invoke(context.Background(), add, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestUnreachableServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	for _, kind := range []transport.Kind{transport.Blocking, transport.Async} {
		inv := New(transport.DirectFactory{Kind: kind, Options: transport.Options{Addr: addr}}, nil)
		_, err := inv.Invoke(context.Background(), add, 1, 2)
		assert.True(t, errors.Is(err, rpcerr.ErrTransport), err)
	}
}

func TestPoolExhaustedSurfaces(t *testing.T) {
	srv := startServer(t, server.Blocking, codec.Default)
	cfg := config.DefaultPool()
	cfg.MaxActive = 1
	cfg.MaxWait = 0
	p, err := transport.NewPool(transport.DirectFactory{Kind: transport.Blocking, Options: transport.Options{Addr: srv.addr}}, cfg, nil, nil)
	require.NoError(t, err)
	inv := New(p, nil)
	defer inv.Close()

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = inv.Invoke(context.Background(), add, 1, 2)
	assert.True(t, errors.Is(err, rpcerr.ErrPoolExhausted), err)
	require.NoError(t, p.Release(held))
}

func TestArgumentCountChecked(t *testing.T) {
	inv := New(transport.DirectFactory{Options: transport.Options{Addr: "127.0.0.1:1"}}, nil)
	_, err := inv.Invoke(context.Background(), add, 1)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestCallConvertsJSONResults(t *testing.T) {
	srv := startServer(t, server.EventDriven, codec.JSON{})
	opts := transport.Options{Addr: srv.addr, Codec: codec.JSON{}}
	inv := New(transport.NewFixedFactory(transport.Blocking, opts), nil)
	defer inv.Close()
	ctx := context.Background()

	sum, err := Call[int](ctx, inv, add, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, sum)

	mid, err := MethodOf("Calc", "Mid", (*Calc)(nil).Mid)
	require.NoError(t, err)
	assert.Equal(t, []string{"client.Point", "client.Point"}, mid.ParamTypes)
	p, err := Call[Point](ctx, inv, mid, Point{0, 0}, Point{4, 6})
	require.NoError(t, err)
	assert.Equal(t, Point{2, 3}, p)
}

func TestMethodOf(t *testing.T) {
	m, err := MethodOf("Calc", "Sleep", (*Calc)(nil).Sleep)
	require.NoError(t, err)
	assert.Equal(t, []string{"int"}, m.ParamTypes)
	assert.Equal(t, "Calc.Sleep(int)", m.String())

	_, err = MethodOf("Calc", "Add", 42)
	assert.True(t, errors.Is(err, errors.NotValid))
}
