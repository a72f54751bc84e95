package middleware

import (
	"context"

	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"easy-rpc/message"
)

// ErrRateLimited is returned to callers rejected by RateLimit.
const ErrRateLimited = errors.ConstError("rate limit exceeded")

// RateLimit rejects calls beyond a token bucket of r calls per second with
// the given burst.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewError(req.ID, ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
