package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"easy-rpc/logging"
	"easy-rpc/message"
)

// Logging logs every call at debug level, and failed calls at info.
func Logging(log logrus.FieldLogger) Middleware {
	log = logging.OrNop(log)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			entry := log.WithFields(logrus.Fields{
				"type":     req.TargetType,
				"method":   req.Method,
				"id":       req.ID,
				"duration": time.Since(start),
			})
			if resp.Error != nil {
				entry.WithField("err", resp.Error.Message).WithField("code", resp.Error.Code).Info("call failed")
			} else {
				entry.Debug("call")
			}
			return resp
		}
	}
}
