// Package transport implements the per-connection engine of the bus.
//
// A Connection wraps one pipe channel with a dedicated read worker:
//
//	receive frame → graph-decode → OnMessage(conn, value) → repeat
//
// until the peer disconnects, an unrecoverable error occurs, or Stop is
// called. All callbacks fire on the connection's own worker goroutine, so a
// callback that blocks indefinitely stalls further delivery on that
// connection (and only that connection). Sends are synchronous and ordered:
// Push returns once the frame has been handed to the pipe.
package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pipebus/graph"
	"pipebus/pipe"
)

// State is the connection lifecycle position.
// Created → Connected → Closing → Closed, strictly forward.
type State int32

const (
	StateCreated State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Config carries the collaborators and callbacks for one Connection.
// OnMessage, OnError and OnClose are all optional; OnClose fires exactly
// once, and nothing fires after Stop has returned.
type Config struct {
	Serializer *graph.Serializer
	Logger     *zap.Logger

	// HeartbeatInterval enables a keepalive worker that sends empty frames
	// the peer consumes silently. Zero disables it.
	HeartbeatInterval time.Duration

	OnMessage func(c *Connection, msg any)
	OnError   func(c *Connection, err error)
	OnClose   func(c *Connection)
}

// Connection owns exactly one pipe channel and one read worker.
type Connection struct {
	id  uint64
	ch  *pipe.Channel
	cfg Config
	log *zap.Logger

	state      atomic.Int32
	started    atomic.Bool   // read worker spawned
	done       chan struct{} // closed when teardown is complete
	closeOnce  sync.Once
	finishOnce sync.Once
}

// New wires a channel into a connection. The read worker does not run until
// Start is called, so callbacks can still be adjusted on the returned value.
func New(id uint64, ch *pipe.Channel, cfg Config) *Connection {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Connection{
		id:   id,
		ch:   ch,
		cfg:  cfg,
		log:  log.With(zap.Uint64("conn", id)),
		done: make(chan struct{}),
	}
}

// ID returns the opaque handle identifying this connection.
func (c *Connection) ID() uint64 {
	return c.id
}

// State returns the current lifecycle position.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Start moves the connection to Connected and spawns its workers.
func (c *Connection) Start() {
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateConnected)) {
		return
	}
	c.started.Store(true)
	c.log.Debug("connection started")
	go c.readLoop()
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(c.cfg.HeartbeatInterval)
	}
}

// Push serializes msg and sends it as one frame, blocking until the frame
// has been handed to the pipe. Messages pushed from one goroutine arrive at
// the peer's callback in push order — there is a single writer path through
// the channel's write mutex and no reordering queue.
func (c *Connection) Push(msg any) error {
	if c.State() != StateConnected {
		return pipe.ErrClosed
	}
	payload, err := c.cfg.Serializer.Serialize(msg)
	if err != nil {
		return fmt.Errorf("transport: serialize: %w", err)
	}
	return c.ch.Send(payload)
}

// Stop requests teardown and blocks until the read worker has exited and the
// handle is closed. Idempotent and safe to call from any goroutine; once it
// returns, no callback for this connection will fire again.
func (c *Connection) Stop() {
	c.beginClose()
	<-c.done
}

// Done is closed when the connection has fully torn down, whichever side
// initiated it. Lets callers wait for peer-driven teardown without forcing
// a stop of their own.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// beginClose advances the state to Closing and closes the channel handle,
// which unblocks a Receive or Send in flight on another goroutine.
func (c *Connection) beginClose() {
	c.closeOnce.Do(func() {
		for {
			s := c.state.Load()
			if s >= int32(StateClosing) {
				break
			}
			if c.state.CompareAndSwap(s, int32(StateClosing)) {
				break
			}
		}
		c.ch.Close()
		// A connection stopped before Start has no worker to run teardown.
		if !c.started.Load() {
			c.finish()
		}
	})
}

// readLoop is the dedicated read worker: the only goroutine that touches the
// receive side of the channel and the only goroutine that fires callbacks.
func (c *Connection) readLoop() {
	defer c.finish()

	for {
		payload, err := c.ch.Receive()
		if err != nil {
			// A locally-initiated Stop closes the handle under us; that
			// is an orderly exit, not a fault to report.
			if c.State() >= StateClosing {
				return
			}
			c.reportError(err)
			return
		}
		msg, err := c.cfg.Serializer.Deserialize(payload)
		if err != nil {
			// A payload that lied about its contents cannot be trusted to
			// have framed itself honestly either: fatal for this
			// connection, invisible to every other one.
			c.reportError(err)
			return
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(c, msg)
		}
	}
}

// finish completes teardown: close the handle, mark Closed, fire OnClose
// exactly once, then release anyone blocked in Stop.
func (c *Connection) finish() {
	c.finishOnce.Do(func() {
		c.ch.Close()
		c.state.Store(int32(StateClosed))
		c.log.Debug("connection closed")
		if c.cfg.OnClose != nil {
			c.cfg.OnClose(c)
		}
		close(c.done)
	})
}

func (c *Connection) reportError(err error) {
	c.log.Debug("connection error", zap.Error(err))
	if c.cfg.OnError != nil {
		c.cfg.OnError(c, err)
	}
}

func (c *Connection) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ch.SendHeartbeat(); err != nil {
				return
			}
		}
	}
}
