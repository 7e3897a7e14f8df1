// Package client implements the connecting side of the bus.
//
// A Client maintains at most one live connection to a named endpoint and
// drives an explicit state machine on a dedicated worker:
//
//	Disconnected → Connecting → Connected → Disconnected → …
//
// Initial connect failures and mid-session drops both feed the same
// reconnect path, with exponential backoff between attempts and a
// configurable retry bound. Start and Stop never block on the pipe: all
// dialing happens on the worker.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"pipebus/graph"
	"pipebus/interceptor"
	"pipebus/loadbalance"
	"pipebus/pipe"
	"pipebus/registry"
	"pipebus/transport"
)

// ErrNotConnected is returned by Push while no connection is established.
var ErrNotConnected = errors.New("client: not connected")

// ConnState is the client's connection state machine position.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config configures a Client. Serializer is required.
type Config struct {
	Serializer *graph.Serializer
	Logger     *zap.Logger

	// HeartbeatInterval enables keepalive frames on the established
	// connection. Zero disables.
	HeartbeatInterval time.Duration

	// Interceptors wrap inbound delivery, first interceptor outermost.
	Interceptors []interceptor.Interceptor

	// Reconnect policy. MaxRetries bounds consecutive failed attempts
	// before the client gives up (<= 0 means retry forever). The intervals
	// feed the exponential backoff between attempts; defaults are 100ms
	// and 5s.
	MaxRetries       int
	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration

	// Registry, when set, resolves the logical endpoint to a socket path
	// on every attempt; Balancer picks among the discovered instances
	// (default round-robin). Name keys the Sticky balancer and logging.
	Registry registry.Registry
	Balancer loadbalance.Balancer
	Name     string

	// Callbacks run on the worker goroutines of the client. OnError is
	// called with a nil connection for connect-attempt failures, which
	// have no connection yet.
	OnMessage    func(conn *transport.Connection, msg any)
	OnError      func(conn *transport.Connection, err error)
	OnConnect    func(conn *transport.Connection)
	OnDisconnect func(conn *transport.Connection)
}

// Client connects to a named endpoint and re-establishes the connection when
// it drops.
type Client struct {
	cfg Config
	log *zap.Logger

	deliver interceptor.Deliverer
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{} // connect worker exited

	mu     sync.Mutex
	conn   *transport.Connection
	connID uint64

	state   atomic.Int32
	started atomic.Bool
	stopped atomic.Bool
}

// New creates a client in the Disconnected state.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Name != "" {
		log = log.Named(cfg.Name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		log:    log.Named("client"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	final := func(ctx context.Context, conn *transport.Connection, msg any) {
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(conn, msg)
		}
	}
	c.deliver = interceptor.Chain(cfg.Interceptors...)(final)
	return c
}

// State returns the current state machine position.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// Start spawns the connect worker and returns immediately. Connection
// establishment, including every retry, happens on the worker; failures
// surface through OnError.
func (c *Client) Start(endpoint string) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("client: already started")
	}
	go c.run(endpoint)
	return nil
}

// Push sends msg on the established connection, blocking until the frame is
// handed to the pipe. While disconnected it fails fast with ErrNotConnected
// rather than queueing into the void.
func (c *Client) Push(msg any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Push(msg)
}

// Stop cancels any in-progress (re)connection attempt, closes an established
// connection, and joins the worker. Idempotent; no callback fires after it
// returns.
func (c *Client) Stop() error {
	if !c.started.Load() {
		return nil
	}
	if c.stopped.Swap(true) {
		<-c.done
		return nil
	}

	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Stop()
	}

	<-c.done
	c.log.Info("stopped")
	return nil
}

// run is the connect worker: the only goroutine that dials, and the owner of
// the state machine.
func (c *Client) run(endpoint string) {
	defer close(c.done)
	defer c.state.Store(int32(StateDisconnected))

	b := &backoff.Backoff{
		Min: c.cfg.MinRetryInterval,
		Max: c.cfg.MaxRetryInterval,
	}
	if b.Min <= 0 {
		b.Min = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Second
	}

	for c.ctx.Err() == nil {
		c.state.Store(int32(StateConnecting))

		ch, err := c.dial(endpoint)
		if err != nil {
			c.state.Store(int32(StateDisconnected))
			c.reportError(nil, err)

			attempt := int(b.Attempt()) + 1
			if c.cfg.MaxRetries > 0 && attempt >= c.cfg.MaxRetries {
				c.log.Warn("giving up", zap.Int("attempts", attempt))
				return
			}
			d := b.Duration()
			c.log.Debug("retrying", zap.Duration("in", d), zap.Int("attempt", attempt))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}
		b.Reset()

		conn := c.establish(ch)
		if conn == nil {
			// Raced with Stop between dial and establish.
			ch.Close()
			return
		}

		c.log.Info("connected", zap.String("endpoint", endpoint))
		conn.Start()
		if c.cfg.OnConnect != nil {
			c.cfg.OnConnect(conn)
		}

		<-conn.Done()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.state.Store(int32(StateDisconnected))
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(conn)
		}
	}
}

// establish wires a dialed channel into a connection and publishes it for
// Push, unless Stop already won the race.
func (c *Client) establish(ch *pipe.Channel) *transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() {
		return nil
	}
	c.connID++
	conn := transport.New(c.connID, ch, transport.Config{
		Serializer:        c.cfg.Serializer,
		Logger:            c.log,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		OnMessage: func(conn *transport.Connection, msg any) {
			c.deliver(c.ctx, conn, msg)
		},
		OnError: func(conn *transport.Connection, err error) {
			c.reportError(conn, err)
		},
	})
	c.conn = conn
	c.state.Store(int32(StateConnected))
	return conn
}

// dial resolves the endpoint and opens the pipe. With no registry the
// endpoint is the socket path itself; with one, the endpoint is a logical
// name resolved to the instances currently published.
func (c *Client) dial(endpoint string) (*pipe.Channel, error) {
	if c.cfg.Registry == nil {
		return pipe.DialContext(c.ctx, endpoint)
	}

	instances, err := c.cfg.Registry.Discover(endpoint)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", endpoint, err)
	}
	bal := c.cfg.Balancer
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("client: resolve %s: %w", endpoint, err)
	}
	return pipe.DialContext(c.ctx, inst.Path)
}

func (c *Client) reportError(conn *transport.Connection, err error) {
	c.log.Debug("error", zap.Error(err))
	if c.cfg.OnError != nil {
		c.cfg.OnError(conn, err)
	}
}
