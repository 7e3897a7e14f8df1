package interceptor

import (
	"context"
	"fmt"

	"pipebus/transport"
)

// Recover converts a panic in downstream application code into an error
// report. Without it a panicking callback would unwind the connection's read
// worker and take the whole process with it; with it the fault stays scoped
// to the one message that triggered it.
func Recover(onErr func(conn *transport.Connection, err error)) Interceptor {
	return func(next Deliverer) Deliverer {
		return func(ctx context.Context, conn *transport.Connection, msg any) {
			defer func() {
				if r := recover(); r != nil && onErr != nil {
					onErr(conn, fmt.Errorf("interceptor: message callback panicked: %v", r))
				}
			}()
			next(ctx, conn, msg)
		}
	}
}
