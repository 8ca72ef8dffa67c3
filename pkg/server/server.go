package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/erain9/tradeclient/pkg/logging"
	"github.com/erain9/tradeclient/pkg/marketdata"
	"github.com/erain9/tradeclient/pkg/otel"
)

// FeedService is the health service name reporting the market data feed
const FeedService = "feed"

// Config holds the listen addresses. An empty address disables that listener.
type Config struct {
	GRPCAddr string
	HTTPAddr string
}

// BookSummary is the top of one replica book
type BookSummary struct {
	Instrument string  `json:"instrument"`
	BestBid    float64 `json:"best_bid"`
	BestAsk    float64 `json:"best_ask"`
	Spread     float64 `json:"spread"`
	BidLevels  int     `json:"bid_levels"`
	AskLevels  int     `json:"ask_levels"`
}

// Status is served as JSON on /status
type Status struct {
	Connected  bool             `json:"connected"`
	Channels   []string         `json:"channels"`
	Feed       marketdata.Stats `json:"feed"`
	Books      []BookSummary    `json:"books"`
	OpenOrders int              `json:"open_orders"`
}

// StatusFunc reports the current process status
type StatusFunc func() Status

// Option configures a Server
type Option func(*Server)

// WithOrderEntry serves /orders backed by entry
func WithOrderEntry(entry OrderEntry) Option {
	return func(s *Server) {
		s.orders = entry
	}
}

// Server exposes gRPC health checking and a small HTTP status page
type Server struct {
	cfg    Config
	status StatusFunc
	orders OrderEntry
	logger zerolog.Logger

	grpc   *grpc.Server
	health *health.Server
	http   *http.Server

	mu       sync.Mutex
	grpcLis  net.Listener
	httpLis  net.Listener
	serveErr chan error
}

// New creates a server. Nothing listens until Start.
func New(cfg Config, status StatusFunc, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		status:   status,
		logger:   logger,
		health:   health.NewServer(),
		serveErr: make(chan error, 2),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.grpc = grpc.NewServer(
		grpc.StatsHandler(otel.NewGRPCStatsHandler()),
		grpc.ChainUnaryInterceptor(logging.UnaryServerInterceptor(logger)),
		grpc.ChainStreamInterceptor(logging.StreamServerInterceptor(logger)),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	// Enable reflection for tools like grpcurl
	reflection.Register(s.grpc)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(FeedService, healthpb.HealthCheckResponse_NOT_SERVING)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.orders != nil {
		s.registerOrderRoutes(mux)
	}
	s.http = &http.Server{Handler: mux}

	return s
}

// Start opens the listeners and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		s.grpcLis = lis
		go func() {
			s.logger.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC server")
			if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error().Err(err).Msg("gRPC server failed")
				s.serveErr <- err
			}
		}()
	}

	if s.cfg.HTTPAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpLis = lis
		go func() {
			s.logger.Info().Str("addr", lis.Addr().String()).Msg("Starting HTTP server")
			if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("HTTP server failed")
				s.serveErr <- err
			}
		}()
	}
	return nil
}

// Errors delivers fatal serve errors
func (s *Server) Errors() <-chan error {
	return s.serveErr
}

// GRPCAddr returns the bound gRPC address, or "" before Start
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or "" before Start
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// SetFeedStatus flips the feed health service between SERVING and NOT_SERVING
func (s *Server) SetFeedStatus(connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(FeedService, status)
}

// Shutdown drains both servers
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	err := s.http.Shutdown(ctx)

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write status")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	res, err := s.health.Check(r.Context(), &healthpb.HealthCheckRequest{Service: FeedService})
	if err != nil || res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		http.Error(w, "feed not serving", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintln(w, "ok")
}
