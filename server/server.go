// Package server implements the listening side of the bus: one named
// endpoint, an unbounded number of concurrently connected clients.
//
// Message flow:
//
//	Accept pipe → Connection (dedicated read worker per client)
//	  → interceptor chain → OnMessage(conn, value)
//
// A connection's faults — disconnect, corrupt frame, undecodable payload —
// surface through OnError tagged with that connection and tear down only
// that connection; every other client keeps exchanging messages.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pipebus/graph"
	"pipebus/interceptor"
	"pipebus/pipe"
	"pipebus/registry"
	"pipebus/transport"
)

// ErrNotStarted is returned by Push/PushTo before Start has succeeded or
// after Stop has begun. A Push the server cannot attempt fails loudly
// instead of broadcasting to an empty set.
var ErrNotStarted = errors.New("server: not started")

// Config configures a Server. Serializer is required; everything else has a
// working zero value.
type Config struct {
	Serializer *graph.Serializer
	Logger     *zap.Logger

	// HeartbeatInterval, when set, makes every accepted connection send
	// keepalive frames at this interval.
	HeartbeatInterval time.Duration

	// Interceptors wrap inbound delivery, first interceptor outermost.
	Interceptors []interceptor.Interceptor

	// Registry, when set, publishes the endpoint on Start and withdraws it
	// on Stop. RegistryTTL defaults to 10 seconds.
	Registry    registry.Registry
	RegistryTTL int64
	Weight      int

	// Callbacks. All run on the worker of the connection they concern
	// (OnClientConnected runs on the accept worker), so they must not
	// block indefinitely.
	OnMessage            func(conn *transport.Connection, msg any)
	OnError              func(conn *transport.Connection, err error)
	OnClientConnected    func(conn *transport.Connection)
	OnClientDisconnected func(conn *transport.Connection)
}

// Server accepts client connections on a named endpoint and fans received
// messages into a single callback tagged with the originating connection.
type Server struct {
	cfg Config
	log *zap.Logger

	endpoint string
	ln       *pipe.Listener
	deliver  interceptor.Deliverer

	mu    sync.Mutex
	conns map[uint64]*transport.Connection

	nextID   atomic.Uint64
	started  atomic.Bool
	shutdown atomic.Bool
	wg       sync.WaitGroup // accept worker
}

// New creates a server with an empty connection set.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:   cfg,
		log:   log.Named("server"),
		conns: make(map[uint64]*transport.Connection),
	}
}

// Start claims the endpoint and spawns the accept worker, then returns.
// A failure to listen is fatal to Start — the accept loop never retries
// establishment (clients do).
func (s *Server) Start(endpoint string) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("server: already started")
	}

	ln, err := pipe.Listen(endpoint)
	if err != nil {
		s.started.Store(false)
		return err
	}
	s.ln = ln
	s.endpoint = endpoint

	// Build the delivery chain once at startup, not per message.
	final := func(ctx context.Context, conn *transport.Connection, msg any) {
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(conn, msg)
		}
	}
	s.deliver = interceptor.Chain(s.cfg.Interceptors...)(final)

	if s.cfg.Registry != nil {
		ttl := s.cfg.RegistryTTL
		if ttl <= 0 {
			ttl = 10
		}
		err := s.cfg.Registry.Register(endpoint, registry.Instance{
			Path:   ln.Path(),
			Weight: s.cfg.Weight,
		}, ttl)
		if err != nil {
			ln.Close()
			s.started.Store(false)
			return fmt.Errorf("server: registry publish: %w", err)
		}
	}

	s.log.Info("listening", zap.String("endpoint", endpoint), zap.String("path", ln.Path()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// acceptLoop runs on its own worker: accept, register, keep accepting —
// never blocking on any one connection's lifetime.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		ch, err := s.ln.Accept()
		if err != nil {
			// Stop closes the listener out from under us; anything else
			// on a bound unix socket means the listener is gone too.
			if !s.shutdown.Load() {
				s.log.Error("accept failed", zap.Error(err))
			}
			return
		}
		s.admit(ch)
	}
}

// admit wires an accepted channel into the connection set and starts its
// read worker.
func (s *Server) admit(ch *pipe.Channel) {
	id := s.nextID.Add(1)
	conn := transport.New(id, ch, transport.Config{
		Serializer:        s.cfg.Serializer,
		Logger:            s.log,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		OnMessage: func(c *transport.Connection, msg any) {
			s.deliver(context.Background(), c, msg)
		},
		OnError: func(c *transport.Connection, err error) {
			if s.cfg.OnError != nil {
				s.cfg.OnError(c, err)
			}
		},
		OnClose: s.drop,
	})

	s.mu.Lock()
	if s.shutdown.Load() {
		// Raced with Stop: refuse the straggler instead of leaking it.
		s.mu.Unlock()
		ch.Close()
		return
	}
	s.conns[id] = conn
	s.mu.Unlock()

	s.log.Debug("client connected", zap.Uint64("conn", id))
	conn.Start()
	if s.cfg.OnClientConnected != nil {
		s.cfg.OnClientConnected(conn)
	}
}

// drop is each connection's own teardown path removing it from the set —
// the only writer besides the accept worker.
func (s *Server) drop(conn *transport.Connection) {
	s.mu.Lock()
	_, present := s.conns[conn.ID()]
	delete(s.conns, conn.ID())
	s.mu.Unlock()

	if present {
		s.log.Debug("client disconnected", zap.Uint64("conn", conn.ID()))
		if s.cfg.OnClientDisconnected != nil {
			s.cfg.OnClientDisconnected(conn)
		}
	}
}

// Push broadcasts msg to every currently-live connection. A send failure on
// one recipient is reported through OnError for that connection and does not
// abort the remaining sends.
func (s *Server) Push(msg any) error {
	if !s.started.Load() || s.shutdown.Load() {
		return ErrNotStarted
	}

	s.mu.Lock()
	targets := make([]*transport.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.Push(msg); err != nil {
			s.log.Debug("broadcast send failed", zap.Uint64("conn", c.ID()), zap.Error(err))
			if s.cfg.OnError != nil {
				s.cfg.OnError(c, err)
			}
		}
	}
	return nil
}

// PushTo sends msg to a single connection, for targeted replies from the
// OnMessage callback.
func (s *Server) PushTo(msg any, conn *transport.Connection) error {
	if !s.started.Load() || s.shutdown.Load() {
		return ErrNotStarted
	}
	return conn.Push(msg)
}

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop withdraws the endpoint, closes every live connection, and joins all
// workers. Safe to call if no client ever connected, safe to call twice,
// and no callback fires after it returns.
func (s *Server) Stop() error {
	if !s.started.Load() {
		return nil
	}
	if s.shutdown.Swap(true) {
		return nil
	}

	// Withdraw from discovery first, so no new client resolves to us.
	if s.cfg.Registry != nil {
		if err := s.cfg.Registry.Deregister(s.endpoint, s.ln.Path()); err != nil {
			s.log.Warn("registry withdraw failed", zap.Error(err))
		}
	}

	s.ln.Close()

	s.mu.Lock()
	targets := make([]*transport.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.Stop()
	}

	s.wg.Wait()
	s.log.Info("stopped", zap.String("endpoint", s.endpoint))
	return nil
}
