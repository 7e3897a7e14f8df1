// Package interceptor provides the delivery middleware chain of the bus.
//
// An Interceptor wraps the step that hands a decoded message to application
// code. Chained interceptors form an onion around the final deliverer:
//
//	Chain(A, B, C)(deliver) → A(B(C(deliver)))
//
// Interceptors run on the owning connection's read worker, so a blocking
// interceptor stalls that one connection's delivery and nothing else.
package interceptor

import (
	"context"

	"pipebus/transport"
)

// Deliverer hands one decoded message, tagged with its originating
// connection, to the next stage.
type Deliverer func(ctx context.Context, conn *transport.Connection, msg any)

// Interceptor wraps a Deliverer with a cross-cutting concern.
type Interceptor func(next Deliverer) Deliverer

// Chain composes interceptors into one. They are applied in the order
// given: the first interceptor sees the message first.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next Deliverer) Deliverer {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}
