package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"tempest/internal/metrics"
	"tempest/pkg/lobby"
	"tempest/pkg/session"
	"tempest/pkg/wire"
)

// Server ties the transport adapter, the session fabric and the lobby
// registry together. Construct, register lobby types, then Run.
type Server struct {
	addr    string
	schema  wire.Schema
	logger  *zap.Logger
	metrics *metrics.Registry

	fabric   *session.Fabric
	handlers map[string]lobby.Handle

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// Option tweaks server construction.
type Option func(*Server)

// WithMetrics attaches a Prometheus registry; without it the server
// runs unmetered.
func WithMetrics(r *metrics.Registry) Option {
	return func(s *Server) { s.metrics = r }
}

func New(addr string, schema wire.Schema, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		schema:   schema,
		logger:   logger,
		handlers: make(map[string]lobby.Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fabric = session.NewFabric(schema, logger, s.metrics)
	return s
}

// Register binds a lobby type tag to the user's hooks constructor.
// All registrations must happen before Run; the handler map is
// immutable afterwards.
func Register[O, A, D any, H lobby.Hooks[O, A, D]](s *Server, lobbyType string, settings lobby.Settings, build func(O) H) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		panic("server: Register after Run")
	}
	s.handlers[lobbyType] = lobby.NewHandle[O, A, D, H](
		lobbyType, settings, build, s.fabric, s.schema, s.logger, s.metrics)
}

// Start binds the listener and spawns the accept loop. It returns once
// the server is accepting; use Addr to learn the bound address.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server: already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Run serves until the context is cancelled, then stops the server.
// A listener failure ends the accept loop and is logged; Run still
// returns only once the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop closes the listener and waits for every connection goroutine.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
}

// Addr reports the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Fabric exposes the session fabric, mostly for harnesses and tests.
func (s *Server) Fabric() *session.Fabric {
	return s.fabric
}
