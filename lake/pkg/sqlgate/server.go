// Package sqlgate serves the sales warehouse over the PostgreSQL wire
// protocol so BI tools and psql can run the same policy-checked, row-capped
// queries the analyst agent runs.
package sqlgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	wire "github.com/jeroenrinzema/psql-wire"
)

const readyzTimeout = 5 * time.Second

type Server struct {
	log     *slog.Logger
	cfg     Config
	httpSrv *http.Server
	psqlSrv *wire.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	}))
	mux.Handle("/readyz", http.HandlerFunc(s.readyzHandler))

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if len(cfg.Accounts) > 0 {
		s.log.Info("sqlgate: authentication enabled", "account_count", len(cfg.Accounts))
	} else {
		s.log.Info("sqlgate: authentication disabled (no accounts configured)")
	}

	psqlSrv, err := wire.NewServer(
		s.queryHandler,
		wire.Logger(s.log),
		wire.SessionAuthStrategy(createAuthStrategy(s.log, cfg.Accounts)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL wire server: %w", err)
	}
	s.psqlSrv = psqlSrv

	return s, nil
}

// Run serves until ctx is done or either listener fails.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 2)

	go func() {
		if err := s.httpSrv.Serve(s.cfg.HTTPListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("failed to serve HTTP: %w", err)
		}
	}()
	s.log.Info("sqlgate: http listening", "address", s.cfg.HTTPListener.Addr())

	go func() {
		if err := s.psqlSrv.Serve(s.cfg.PostgresListener); err != nil && !errors.Is(err, net.ErrClosed) {
			serveErrCh <- fmt.Errorf("failed to serve PostgreSQL: %w", err)
		}
	}()
	s.log.Info("sqlgate: postgres wire protocol listening", "address", s.cfg.PostgresListener.Addr())

	select {
	case <-ctx.Done():
		s.log.Info("sqlgate: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		if err := s.psqlSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown PostgreSQL wire server: %w", err)
		}
		s.log.Info("sqlgate: shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("sqlgate: server error causing shutdown", "error", err)
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
	defer cancel()

	if _, err := s.cfg.Executor.Execute(ctx, "SELECT 1 AS ok"); err != nil {
		s.log.Debug("readyz: warehouse not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("warehouse not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}
