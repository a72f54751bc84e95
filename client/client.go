// Package client invokes remote methods over a transport.Factory.
//
// Each Invoke is one attempt on one connection: acquire, send, recycle. The
// connection is recycled whatever the outcome, and nothing is retried. A
// transport, codec or timeout failure leaves the connection closed, so a pool
// destroys it on return; an error raised by the remote handler leaves it usable.
package client

import (
	"context"
	"io"
	"reflect"
	"strconv"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"easy-rpc/logging"
	"easy-rpc/message"
	"easy-rpc/transport"
)

// Invoker issues calls. It is safe for concurrent use when its factory is.
type Invoker struct {
	factory transport.Factory
	log     logrus.FieldLogger
	seq     atomic.Uint64
}

// New returns an invoker over factory, typically a *transport.Pool.
func New(factory transport.Factory, log logrus.FieldLogger) *Invoker {
	return &Invoker{factory: factory, log: logging.OrNop(log).WithField("component", "client")}
}

// Invoke calls m with args and returns the remote result. ctx bounds
// acquiring and connecting; the exchange itself is bounded by the
// connection's read timeout. A handler failure is returned as
// *message.RemoteError.
func (i *Invoker) Invoke(ctx context.Context, m Method, args ...any) (any, error) {
	if len(args) != len(m.ParamTypes) {
		return nil, errors.NotValidf("%d arguments for %s", len(args), m)
	}
	req := message.NewRequest(strconv.FormatUint(i.seq.Add(1), 10), m.Type, m.Name, m.ParamTypes, args...)

	conn, err := i.factory.Create(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "acquiring connection for %s", m)
	}
	defer func() {
		if err := i.factory.Recycle(conn); err != nil {
			i.log.WithError(err).Warn("recycling connection")
		}
	}()

	if err := conn.Connect(ctx); err != nil {
		return nil, errors.Annotatef(err, "connecting for %s", m)
	}
	resp, err := conn.SendRequest(req)
	if err != nil {
		i.log.WithError(err).WithField("id", req.ID).Debug("call failed")
		return nil, errors.Annotatef(err, "calling %s", m)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Close closes the factory when it holds resources of its own.
func (i *Invoker) Close() error {
	if c, ok := i.factory.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Call is Invoke with the result converted to T. Codecs that are not type
// preserving deliver numbers as float64 and structs as maps; both convert.
func Call[T any](ctx context.Context, inv *Invoker, m Method, args ...any) (T, error) {
	var out T
	result, err := inv.Invoke(ctx, m, args...)
	if err != nil || result == nil {
		return out, err
	}
	if v, ok := result.(T); ok {
		return v, nil
	}
	rv := reflect.ValueOf(result)
	want := reflect.TypeFor[T]()
	if rv.Type().ConvertibleTo(want) && numeric(rv.Kind()) && numeric(want.Kind()) {
		return rv.Convert(want).Interface().(T), nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return out, errors.Trace(err)
	}
	if err := dec.Decode(result); err != nil {
		return out, errors.Annotatef(err, "converting result of %s to %s", m, want)
	}
	return out, nil
}

func numeric(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Float64
}
