// Package pipe owns the OS named-pipe handles of the bus.
//
// On POSIX hosts a named pipe endpoint is a Unix domain socket: the endpoint
// name maps to a filesystem path, the server listens on it, clients dial it.
// A Channel wraps one accepted or dialed duplex handle and moves whole frames
// — the byte-stream chunking underneath is invisible to callers.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"pipebus/frame"
)

// ErrClosed is returned by operations on a channel or listener that has
// already been closed locally. Peer-initiated teardown surfaces as
// frame.ErrDisconnected instead.
var ErrClosed = errors.New("pipe: closed")

// SocketPath maps an endpoint name to the rendezvous path. Names carrying a
// path separator are used verbatim; bare names land in the temp directory,
// so two processes agreeing on endpoint "E" find each other without sharing
// any other configuration.
func SocketPath(endpoint string) string {
	if strings.ContainsRune(endpoint, os.PathSeparator) {
		return endpoint
	}
	return filepath.Join(os.TempDir(), endpoint+".sock")
}

// Listener accepts channels on a named endpoint.
type Listener struct {
	ln     net.Listener
	path   string
	closed atomic.Bool
}

// Listen claims the endpoint. A stale socket file left by a crashed process
// is removed first; the file is removed again on Close.
func Listen(endpoint string) (*Listener, error) {
	path := SocketPath(endpoint)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("pipe: cannot clear stale endpoint %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("pipe: listen %s: %w", path, err)
	}
	return &Listener{ln: ln, path: path}, nil
}

// Accept blocks until a client connects, returning the channel for the new
// duplex handle. After Close it returns ErrClosed.
func (l *Listener) Accept() (*Channel, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if l.closed.Load() {
			return nil, ErrClosed
		}
		return nil, err
	}
	return newChannel(conn), nil
}

// Close releases the endpoint and unblocks a pending Accept. Idempotent.
func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	err := l.ln.Close()
	os.Remove(l.path)
	return err
}

// Path returns the filesystem path the listener is bound to.
func (l *Listener) Path() string {
	return l.path
}

// Dial connects to an endpoint another process is listening on.
func Dial(endpoint string) (*Channel, error) {
	return DialContext(context.Background(), endpoint)
}

// DialContext is Dial with cancellation: a caller tearing down while the
// connect syscall is still blocked (server backlog full) gets ctx.Err()
// instead of hanging.
func DialContext(ctx context.Context, endpoint string) (*Channel, error) {
	path := SocketPath(endpoint)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("pipe: dial %s: %w", path, err)
	}
	return newChannel(conn), nil
}

// Channel is one duplex pipe handle carrying whole frames.
//
// Receive must be called from a single goroutine (the stream has one frame
// cursor); Send may be called from many — the write mutex keeps frames from
// interleaving. Close is idempotent and safe to race with in-flight Send and
// Receive, which then fail with a disconnection error instead of hanging.
type Channel struct {
	conn    net.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newChannel(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// Send writes payload as exactly one data frame and returns once every byte
// has been handed to the pipe.
func (c *Channel) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	h := frame.Header{Type: frame.FrameTypeData}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := frame.Encode(c.conn, &h, payload); err != nil {
		return c.mapErr(err)
	}
	return nil
}

// SendHeartbeat writes an empty keepalive frame. The peer's Receive consumes
// it silently.
func (c *Channel) SendHeartbeat() error {
	if c.closed.Load() {
		return ErrClosed
	}
	h := frame.Header{Type: frame.FrameTypeHeartbeat}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := frame.Encode(c.conn, &h, nil); err != nil {
		return c.mapErr(err)
	}
	return nil
}

// Receive blocks until one data frame arrives and returns its payload.
// Heartbeat frames are consumed without surfacing. When the peer disconnects
// or Close is called concurrently, Receive unblocks with frame.ErrDisconnected
// or ErrClosed respectively.
func (c *Channel) Receive() ([]byte, error) {
	for {
		h, body, err := frame.Decode(c.conn)
		if err != nil {
			return nil, c.mapErr(err)
		}
		if h.Type == frame.FrameTypeHeartbeat {
			continue
		}
		return body, nil
	}
}

// Close tears down the handle. Idempotent; a concurrent blocked Receive or
// Send fails rather than hangs because the underlying handle is closed out
// from under it.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Closed reports whether Close has been called locally.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// mapErr folds the error soup of a concurrently-closed handle into the two
// conditions callers act on: locally closed vs peer gone. Corruption errors
// pass through untouched.
func (c *Channel) mapErr(err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if errors.Is(err, frame.ErrCorrupt) || errors.Is(err, frame.ErrDisconnected) {
		return err
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", frame.ErrDisconnected, err)
}
