package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// ServerConfig holds configuration for the membership server
type ServerConfig struct {
	Address string
	Port    int
	Secret  string
}

// Server serves the membership gRPC service and the HTTP endpoints
// (pprof, metrics, admin) on one TCP port
type Server struct {
	config    ServerConfig
	messenger *Messenger

	server     *grpc.Server
	httpServer *http.Server
	listener   net.Listener
	mux        cmux.CMux

	metricsHandler http.Handler
	routes         []func(*http.ServeMux)

	mu      sync.Mutex
	stopped bool
}

// NewServer creates a server delivering inbound messages to messenger
func NewServer(config ServerConfig, messenger *Messenger) *Server {
	return &Server{
		config:    config,
		messenger: messenger,
	}
}

// SetMetricsHandler sets the Prometheus metrics HTTP handler
func (s *Server) SetMetricsHandler(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsHandler = handler
}

// AddRoutes registers extra HTTP routes, applied when the server starts
func (s *Server) AddRoutes(register func(mux *http.ServeMux)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, register)
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Address, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.Serve(listener)
	return nil
}

// Serve serves on an existing listener in the background
func (s *Server) Serve(listener net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listener = listener
	s.server = grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(s.config.Secret)),
	)
	RegisterMembershipServer(s.server, s.messenger)

	log.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting membership server")

	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if s.metricsHandler != nil {
		httpMux.Handle("/metrics", s.metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}
	for _, register := range s.routes {
		register(httpMux)
	}

	s.httpServer = &http.Server{
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(httpListener); err != nil && !s.isStopped() {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		if err := s.server.Serve(grpcListener); err != nil && !s.isStopped() {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		if err := s.mux.Serve(); err != nil && !s.isStopped() {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()
}

// Addr returns the listening address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop stops the HTTP and gRPC servers and closes the listener
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped || s.server == nil {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	log.Info().Msg("Stopping membership server")
	_ = s.httpServer.Close()
	s.server.Stop()
	_ = s.listener.Close()
}
