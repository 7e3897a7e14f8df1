package interceptor

import (
	"context"

	"golang.org/x/time/rate"

	"pipebus/transport"
)

// RateLimit throttles delivery with a token bucket. It waits for a token
// rather than dropping: the bus guarantees no message vanishes silently, so
// backpressure pushes into the connection's read worker (and ultimately the
// pipe) instead.
func RateLimit(r float64, burst int) Interceptor {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Deliverer) Deliverer {
		return func(ctx context.Context, conn *transport.Connection, msg any) {
			if err := limiter.Wait(ctx); err != nil {
				return // context canceled during teardown
			}
			next(ctx, conn, msg)
		}
	}
}
