package transport

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"golang.org/x/sync/semaphore"

	"easy-rpc/rpcerr"
)

// Factory hands out connections and takes them back.
//
// Create may return an unconnected connection; callers Connect before use,
// which is a no-op for connections that are already up. Recycle must be
// called exactly once for every connection Create returned.
type Factory interface {
	Create(ctx context.Context) (Connection, error)
	Recycle(conn Connection) error
}

// Kind selects a Connection implementation.
type Kind int

const (
	Blocking Kind = iota
	Async
)

// ParseKind maps "blocking" and "async" to a Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "blocking":
		return Blocking, nil
	case "async", "event-driven":
		return Async, nil
	}
	return 0, errors.NotValidf("connection kind %q", name)
}

func (k Kind) String() string {
	if k == Async {
		return "async"
	}
	return "blocking"
}

// New returns an unconnected connection of this kind.
func (k Kind) New(opts Options) Connection {
	if k == Async {
		return NewAsyncConn(opts)
	}
	return NewBlockingConn(opts)
}

// DirectFactory creates a fresh connection per Create and closes it on Recycle.
type DirectFactory struct {
	Kind    Kind
	Options Options
}

func (f DirectFactory) Create(context.Context) (Connection, error) {
	return f.Kind.New(f.Options), nil
}

func (f DirectFactory) Recycle(conn Connection) error {
	return conn.Close()
}

// FixedFactory shares one connection between owners, one at a time. Create
// blocks until the previous owner has recycled. A connection found closed on
// Recycle is dropped and replaced on the next Create.
type FixedFactory struct {
	kind  Kind
	opts  Options
	owner *semaphore.Weighted

	mu   sync.Mutex
	conn Connection
}

// NewFixedFactory returns a factory over a single lazily created connection.
func NewFixedFactory(kind Kind, opts Options) *FixedFactory {
	return &FixedFactory{kind: kind, opts: opts, owner: semaphore.NewWeighted(1)}
}

func (f *FixedFactory) Create(ctx context.Context) (Connection, error) {
	if err := f.owner.Acquire(ctx, 1); err != nil {
		return nil, rpcerr.Wrapf(rpcerr.ErrTimeout, err, "waiting for connection to %s", f.opts.Addr)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		f.conn = f.kind.New(f.opts)
	}
	return f.conn, nil
}

func (f *FixedFactory) Recycle(conn Connection) error {
	f.mu.Lock()
	if conn != f.conn {
		f.mu.Unlock()
		return errors.NotValidf("recycling a connection this factory did not create")
	}
	if conn.IsClosed() {
		f.conn = nil
		_ = conn.Close()
	}
	f.mu.Unlock()
	f.owner.Release(1)
	return nil
}

// Close closes the current connection.
func (f *FixedFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}
