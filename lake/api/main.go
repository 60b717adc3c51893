package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/memory"
	"github.com/malbeclabs/pharma-lake/lake/api/config"
	"github.com/malbeclabs/pharma-lake/lake/api/handlers"
	"github.com/malbeclabs/pharma-lake/lake/api/metrics"
	"github.com/malbeclabs/pharma-lake/lake/pkg/logger"
	"github.com/malbeclabs/pharma-lake/lake/pkg/store"
	"github.com/malbeclabs/pharma-lake/lake/pkg/warehouse"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	listenAddr := flag.String("listen-addr", ":8080", "address to listen on")
	verbose := flag.Bool("verbose", false, "enable verbose (debug) logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	log := logger.New(*verbose || logger.Verbose())
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := config.NewPostgresPool(ctx, log, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	st, err := store.New(log, pool)
	if err != nil {
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	exec, err := config.NewWarehouse(ctx, log, cfg, pool)
	if err != nil {
		return err
	}
	defer exec.Close()

	completer := config.NewLLM(log, cfg)
	wf, err := config.NewWorkflow(log, cfg, completer, exec)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	updater, err := memory.NewUpdater(memory.UpdaterConfig{Logger: log, LLM: completer, Store: st})
	if err != nil {
		return fmt.Errorf("failed to create memory updater: %w", err)
	}
	defer updater.Close()

	h, err := handlers.New(handlers.Config{
		Logger:            log,
		Store:             st,
		Workflow:          wf,
		Memory:            updater,
		Build:             handlers.BuildInfo{Version: version, Commit: commit, Date: date},
		Checks:            healthChecks(pool, exec),
		PollInterval:      cfg.StreamPollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create handlers: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", handlers.UserHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	h.Routes(r)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", "address", *listenAddr, "warehouse", cfg.WarehouseDriver, "model", cfg.AnthropicModel)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("received shutdown signal, shutting down gracefully")

	// Give existing connections 30 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown error", "error", err)
	} else {
		log.Info("server stopped gracefully")
	}
	h.Wait()
	return nil
}

func healthChecks(pool *pgxpool.Pool, exec warehouse.Executor) map[string]handlers.HealthCheck {
	return map[string]handlers.HealthCheck{
		"postgres": pool.Ping,
		"warehouse": func(ctx context.Context) error {
			_, err := exec.Execute(ctx, "SELECT 1 AS ok")
			return err
		},
	}
}
