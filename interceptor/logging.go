package interceptor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pipebus/transport"
)

// Logging records each delivery and how long the downstream callback took.
func Logging(logger *zap.Logger) Interceptor {
	return func(next Deliverer) Deliverer {
		return func(ctx context.Context, conn *transport.Connection, msg any) {
			start := time.Now()
			next(ctx, conn, msg)
			logger.Debug("message delivered",
				zap.Uint64("conn", conn.ID()),
				zap.Duration("took", time.Since(start)),
			)
		}
	}
}
