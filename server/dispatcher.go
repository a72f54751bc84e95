package server

import (
	"context"

	"github.com/sirupsen/logrus"

	"easy-rpc/codec"
	"easy-rpc/logging"
	"easy-rpc/lookup"
	"easy-rpc/message"
	"easy-rpc/middleware"
	"easy-rpc/rpcerr"
)

// Dispatcher turns request frames into response frames:
//
//	decode → resolve handler and method (cached) → middleware chain → invoke → encode
//
// Every failure after a successful decode becomes an error response. Only a
// frame that cannot be decoded, or a response that cannot be encoded even as
// an error, is reported to the caller, which must then drop the connection.
type Dispatcher struct {
	codec    codec.Codec
	resolver *lookup.Resolver
	handler  middleware.HandlerFunc
	log      logrus.FieldLogger
}

// NewDispatcher wires resolver behind the middlewares, the first listed outermost.
func NewDispatcher(resolver *lookup.Resolver, c codec.Codec, log logrus.FieldLogger, mws ...middleware.Middleware) *Dispatcher {
	if c == nil {
		c = codec.Default
	}
	d := &Dispatcher{codec: c, resolver: resolver, log: logging.OrNop(log)}
	d.handler = middleware.Chain(mws...)(d.invoke)
	return d
}

// Dispatch runs one decoded request and always returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	resp := d.handler(ctx, req)
	if resp == nil {
		return message.NewError(req.ID, rpcerr.Wrapf(rpcerr.ErrResolution, nil, "no response for %s", req))
	}
	resp.ID = req.ID
	return resp
}

// HandleFrame decodes payload, dispatches it and encodes the response.
func (d *Dispatcher) HandleFrame(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := codec.UnmarshalRequest(d.codec, payload)
	if err != nil {
		return nil, err
	}
	resp := d.Dispatch(ctx, req)
	out, err := codec.MarshalResponse(d.codec, resp)
	if err == nil {
		return out, nil
	}
	// Typically a result type the codec cannot carry; tell the caller.
	d.log.WithError(err).WithField("id", req.ID).Warn("encoding response")
	return codec.MarshalResponse(d.codec, message.NewError(req.ID, err))
}

func (d *Dispatcher) invoke(ctx context.Context, req *message.Request) *message.Response {
	if err := req.Validate(); err != nil {
		return message.NewError(req.ID, rpcerr.Wrap(rpcerr.ErrResolution, err))
	}
	callable, err := d.resolver.ResolveMethod(req.TargetType, req.Method, req.ParamTypes)
	if err != nil {
		return message.NewError(req.ID, err)
	}
	result, err := callable.Invoke(ctx, req.Args)
	if err != nil {
		return message.NewError(req.ID, err)
	}
	return message.NewResult(req.ID, result)
}
