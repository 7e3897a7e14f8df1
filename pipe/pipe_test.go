package pipe

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pipebus/frame"
)

// endpoint returns a per-test socket path so parallel tests never collide.
func endpoint(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "bus.sock")
}

// pair listens, dials, and accepts, returning both ends.
func pair(t *testing.T) (server, client *Channel, cleanup func()) {
	t.Helper()
	ep := endpoint(t)
	ln, err := Listen(ep)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	accepted := make(chan *Channel, 1)
	go func() {
		ch, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- ch
	}()

	client, err = Dial(ep)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not complete")
	}

	return server, client, func() {
		client.Close()
		server.Close()
		ln.Close()
	}
}

func TestSendReceive(t *testing.T) {
	server, client, cleanup := pair(t)
	defer cleanup()

	payload := []byte("one whole frame")
	if err := client.Send(payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Payload mismatch: got %q, want %q", got, payload)
	}
}

func TestHeartbeatInvisible(t *testing.T) {
	server, client, cleanup := pair(t)
	defer cleanup()

	if err := client.SendHeartbeat(); err != nil {
		t.Fatalf("SendHeartbeat failed: %v", err)
	}
	if err := client.Send([]byte("data")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Receive must skip the heartbeat and deliver the data frame.
	got, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("Expected data frame, got %q", got)
	}
}

func TestReceiveUnblocksOnPeerClose(t *testing.T) {
	server, client, cleanup := pair(t)
	defer cleanup()

	done := make(chan error, 1)
	go func() {
		_, err := server.Receive()
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		if !errors.Is(err, frame.ErrDisconnected) {
			t.Errorf("Expected ErrDisconnected, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive stayed blocked after peer close")
	}
}

func TestReceiveUnblocksOnLocalClose(t *testing.T) {
	server, _, cleanup := pair(t)
	defer cleanup()

	done := make(chan error, 1)
	go func() {
		_, err := server.Receive()
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	server.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed on local close, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive stayed blocked after local close")
	}
}

func TestCloseIdempotent(t *testing.T) {
	server, client, cleanup := pair(t)
	defer cleanup()

	if err := client.Close(); err != nil {
		t.Fatalf("First Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Second Close returned error: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := client.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close: expected ErrClosed, got %v", err)
	}
}

func TestDialContextHonorsCancel(t *testing.T) {
	ep := endpoint(t)
	ln, err := Listen(ep)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	// A canceled context must abort the dial even with a live listener.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := DialContext(ctx, ep); err == nil {
		t.Error("Expected error dialing with canceled context, got nil")
	}
}

func TestListenerReclaimsStaleSocket(t *testing.T) {
	ep := endpoint(t)

	first, err := Listen(ep)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	// Simulate a crash: the socket file survives, Close is never called.
	first.ln.Close()

	second, err := Listen(ep)
	if err != nil {
		t.Fatalf("Listen on stale socket failed: %v", err)
	}
	second.Close()
}

func TestListenerCloseUnblocksAccept(t *testing.T) {
	ln, err := Listen(endpoint(t))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	ln.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed from Accept, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept stayed blocked after listener close")
	}
}

func TestFrameBoundariesPreserved(t *testing.T) {
	server, client, cleanup := pair(t)
	defer cleanup()

	// Many frames of varying size pushed back to back: each must arrive as
	// exactly one unit regardless of how the stream chunks them.
	sizes := []int{0, 1, 17, 4096, 100_000}
	go func() {
		for _, n := range sizes {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(n + i)
			}
			client.Send(payload)
		}
	}()

	for _, n := range sizes {
		got, err := server.Receive()
		if err != nil {
			t.Fatalf("Receive failed at size %d: %v", n, err)
		}
		if len(got) != n {
			t.Fatalf("Frame split or merged: got %d bytes, want %d", len(got), n)
		}
	}
}
