package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/pharma-lake/lake/api/config"
	"github.com/malbeclabs/pharma-lake/lake/pkg/logger"
	"github.com/malbeclabs/pharma-lake/lake/pkg/sqlgate"
	"github.com/malbeclabs/pharma-lake/lake/pkg/sqlgate/metrics"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultHTTPListenAddr     = "0.0.0.0:3011"
	defaultPostgresListenAddr = "0.0.0.0:5433"
	defaultReadHeaderTimeout  = 30 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultMetricsAddr        = "0.0.0.0:8081"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	httpListenAddrFlag := flag.String("http-listen-addr", defaultHTTPListenAddr, "HTTP health server listen address")
	postgresListenAddrFlag := flag.String("postgres-listen-addr", defaultPostgresListenAddr, "PostgreSQL wire protocol listen address")
	readHeaderTimeoutFlag := flag.Duration("read-header-timeout", defaultReadHeaderTimeout, "HTTP read header timeout")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", defaultShutdownTimeout, "Server shutdown timeout")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (empty to disable)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("sqlgate %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	_ = godotenv.Load()
	log := logger.New(*verboseFlag || logger.Verbose())

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsServerErrCh := make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
			}
		}()
	}

	exec, err := config.NewWarehouse(ctx, log, cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to open warehouse: %w", err)
	}
	defer exec.Close()
	log.Info("using warehouse", "driver", cfg.WarehouseDriver, "max_rows", cfg.MaxRows)

	httpListener, err := net.Listen("tcp", *httpListenAddrFlag)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener: %w", err)
	}
	defer httpListener.Close()

	postgresListener, err := net.Listen("tcp", *postgresListenAddrFlag)
	if err != nil {
		return fmt.Errorf("failed to create PostgreSQL listener: %w", err)
	}
	defer postgresListener.Close()

	srvCfg := sqlgate.Config{
		Logger:            log,
		Executor:          exec,
		HTTPListener:      httpListener,
		PostgresListener:  postgresListener,
		ReadHeaderTimeout: *readHeaderTimeoutFlag,
		ShutdownTimeout:   *shutdownTimeoutFlag,
	}
	if err := srvCfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	srv, err := sqlgate.New(srvCfg)
	if err != nil {
		return fmt.Errorf("failed to create sqlgate server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx)
	}()

	select {
	case err := <-serverErrCh:
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}
