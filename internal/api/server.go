// Package api exposes the trader engine over HTTP for the presentation layer.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"spot-grid-trader-go/internal/exchange"
	"spot-grid-trader-go/internal/models"
	"spot-grid-trader-go/internal/trader"
)

// Service is the part of the engine the API drives.
type Service interface {
	Create(ctx context.Context, req trader.CreateRequest) (*trader.TraderView, error)
	Get(id string) (*trader.TraderView, error)
	List() []trader.TraderView
	Start(ctx context.Context, id string) (*trader.TraderView, error)
	Stop(ctx context.Context, id string) (*trader.TraderView, error)
	Delete(ctx context.Context, id string) error
	ListTrades(ctx context.Context, traderID string, limit int) ([]models.Trade, error)
	GetPnL(ctx context.Context, id string) (*trader.PnL, error)
	Balance() trader.Balance
	Ticker(ctx context.Context, symbol string) (*exchange.Ticker, error)
	Statistics(ctx context.Context, traderID string) (*trader.Statistics, error)
}

// Server provides an HTTP interface for the trading engine.
type Server struct {
	server    *http.Server
	service   Service
	logger    *zap.Logger
	startedAt time.Time
}

// NewServer creates a server listening on port.
func NewServer(service Service, port int, logger *zap.Logger) *Server {
	s := &Server{
		service:   service,
		logger:    logger.Named("api-server"),
		startedAt: time.Now().UTC(),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/traders", s.handleListTraders).Methods(http.MethodGet)
	r.HandleFunc("/api/traders", s.handleCreateTrader).Methods(http.MethodPost)
	r.HandleFunc("/api/traders/{id}", s.handleGetTrader).Methods(http.MethodGet)
	r.HandleFunc("/api/traders/{id}", s.handleDeleteTrader).Methods(http.MethodDelete)
	r.HandleFunc("/api/traders/{id}/start", s.handleStartTrader).Methods(http.MethodPost)
	r.HandleFunc("/api/traders/{id}/stop", s.handleStopTrader).Methods(http.MethodPost)
	r.HandleFunc("/api/traders/{id}/pnl", s.handlePnL).Methods(http.MethodGet)
	r.HandleFunc("/api/trades", s.handleTrades).Methods(http.MethodGet)
	r.HandleFunc("/api/balance", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/api/ticker", s.handleTicker).Methods(http.MethodGet)
	r.HandleFunc("/api/statistics", s.handleStatistics).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
	return r
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("Starting API server", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}
