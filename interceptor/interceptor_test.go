package interceptor

import (
	"context"
	"testing"
	"time"

	"pipebus/transport"
)

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Interceptor {
		return func(next Deliverer) Deliverer {
			return func(ctx context.Context, conn *transport.Connection, msg any) {
				order = append(order, name+"-before")
				next(ctx, conn, msg)
				order = append(order, name+"-after")
			}
		}
	}

	deliver := Chain(tag("A"), tag("B"))(func(ctx context.Context, conn *transport.Connection, msg any) {
		order = append(order, "deliver")
	})
	deliver(context.Background(), nil, "msg")

	want := []string{"A-before", "B-before", "deliver", "B-after", "A-after"}
	if len(order) != len(want) {
		t.Fatalf("Wrong call count: got %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Position %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

func TestRecoverIsolatesPanic(t *testing.T) {
	var reported error
	deliver := Recover(func(conn *transport.Connection, err error) {
		reported = err
	})(func(ctx context.Context, conn *transport.Connection, msg any) {
		panic("application bug")
	})

	// Must not propagate the panic.
	deliver(context.Background(), nil, "msg")

	if reported == nil {
		t.Fatal("Panic was swallowed without an error report")
	}
}

func TestRateLimitDoesNotDrop(t *testing.T) {
	var delivered int
	deliver := RateLimit(1000, 1)(func(ctx context.Context, conn *transport.Connection, msg any) {
		delivered++
	})

	// Burst of 1 at 1000/s: every message must still arrive, just paced.
	const n = 10
	start := time.Now()
	for i := 0; i < n; i++ {
		deliver(context.Background(), nil, i)
	}
	if delivered != n {
		t.Errorf("Delivered %d of %d messages", delivered, n)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("Expected pacing beyond burst, took only %v", elapsed)
	}
}

func TestRateLimitHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var delivered int
	deliver := RateLimit(0.001, 1)(func(ctx context.Context, conn *transport.Connection, msg any) {
		delivered++
	})

	// At 0.001/s a token takes minutes; a canceled context must make the
	// interceptor return promptly instead of blocking the read worker.
	start := time.Now()
	deliver(ctx, nil, "first")
	deliver(ctx, nil, "second")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Canceled context did not unblock rate limiter: took %v", elapsed)
	}
	if delivered != 0 {
		t.Errorf("Expected no delivery on canceled context, got %d", delivered)
	}
}
