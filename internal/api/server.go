package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tochka-team/stock-market-api/internal/config"
)

// Server runs the HTTP API of the venue.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes and builds the http.Server.
func NewServer(cfg config.Config, svc VenueService, logger *slog.Logger) *Server {
	h := NewHandlers(svc, cfg.AdminAPIToken, logger)

	mux := http.NewServeMux()

	// Public surface
	mux.HandleFunc("GET /ping", h.handlePing)
	mux.HandleFunc("POST /register", h.handleRegister)
	mux.HandleFunc("GET /instrument", h.handleInstruments)
	mux.HandleFunc("GET /public/orderbook/{ticker}", h.handleOrderBook)
	mux.HandleFunc("GET /public/transactions/{ticker}", h.handleTransactions)

	// Authenticated user surface
	mux.HandleFunc("GET /balance", h.requireUser(h.handleBalances))
	mux.HandleFunc("POST /order", h.requireUser(h.handlePlaceOrder))
	mux.HandleFunc("GET /order", h.requireUser(h.handleListOrders))
	mux.HandleFunc("GET /order/{id}", h.requireUser(h.handleGetOrder))
	mux.HandleFunc("DELETE /order/{id}", h.requireUser(h.handleCancelOrder))

	// Admin surface
	mux.HandleFunc("POST /admin/instrument", h.requireAdmin(h.handleAddInstrument))
	mux.HandleFunc("DELETE /admin/instrument/{ticker}", h.requireAdmin(h.handleDeleteInstrument))
	mux.HandleFunc("POST /admin/balance/deposit", h.requireAdmin(h.handleDeposit))
	mux.HandleFunc("POST /admin/balance/withdraw", h.requireAdmin(h.handleWithdraw))
	mux.HandleFunc("DELETE /admin/user/{id}", h.requireAdmin(h.handleDeleteUser))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      logRequests(mux, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		cfg:      cfg.Server,
		handlers: h,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logRequests logs every request at debug level with its outcome.
func logRequests(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
