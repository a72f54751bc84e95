package middleware

import (
	"context"
	"time"

	"easy-rpc/message"
	"easy-rpc/rpcerr"
)

// Timeout answers with a timeout error when next takes longer than timeout.
// The handler keeps running in the background with a cancelled context;
// handlers that take a context.Context should honour it.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewError(req.ID, rpcerr.Wrapf(rpcerr.ErrTimeout, ctx.Err(), "%s exceeded %v", req, timeout))
			}
		}
	}
}
