package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/doomscroll/stakepool/internal/config"
	"github.com/doomscroll/stakepool/internal/engine"
	"github.com/doomscroll/stakepool/internal/logger"
	"github.com/doomscroll/stakepool/internal/metrics"
	"github.com/doomscroll/stakepool/internal/server"
	"github.com/doomscroll/stakepool/internal/sweeper"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:9090"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for the API")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	enablePprofFlag := flag.Bool("enable-pprof", false, "Enable pprof handlers on the metrics listener")
	sweepIntervalFlag := flag.Duration("sweep-interval", time.Minute, "How often to end challenges whose window has closed (0 disables the sweeper)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for in-flight requests during graceful shutdown")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The program identity all challenge/participant/escrow addresses are
	// derived under. Must match the deployed program.
	programID, err := solana.PublicKeyFromBase58(os.Getenv("STAKEPOOL_PROGRAM_ID"))
	if err != nil {
		return fmt.Errorf("invalid STAKEPOOL_PROGRAM_ID: %w", err)
	}

	pgCfg, err := config.LoadPostgresConfig()
	if err != nil {
		return err
	}

	log.Info("connecting to postgres",
		"host", pgCfg.Host, "port", pgCfg.Port, "database", pgCfg.Database)
	pool, err := pgCfg.NewPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if os.Getenv("POSTGRES_RUN_MIGRATIONS") == "true" {
		log.Info("running postgres migrations")
		if err := config.RunMigrations(pgCfg.ConnStr()); err != nil {
			return err
		}
	}

	eng, err := engine.New(engine.Config{
		Logger:    log,
		Pool:      pool,
		ProgramID: programID,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	var allowedOrigins []string
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			allowedOrigins = append(allowedOrigins, strings.TrimSpace(origin))
		}
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		Engine:          eng,
		Pool:            pool,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		AllowedOrigins:  allowedOrigins,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	if *sweepIntervalFlag > 0 {
		// The sweeper acts as the service's verifier identity; without one
		// configured, expired challenges must be ended through the API.
		rawVerifier := os.Getenv("STAKEPOOL_VERIFIER_KEY")
		if rawVerifier == "" {
			log.Warn("STAKEPOOL_VERIFIER_KEY not set, sweeper disabled")
		} else {
			verifier, err := solana.PublicKeyFromBase58(rawVerifier)
			if err != nil {
				return fmt.Errorf("invalid STAKEPOOL_VERIFIER_KEY: %w", err)
			}
			sw, err := sweeper.New(sweeper.Config{
				Logger:   log,
				Engine:   eng,
				Verifier: verifier,
				Interval: *sweepIntervalFlag,
			})
			if err != nil {
				return fmt.Errorf("failed to create sweeper: %w", err)
			}
			g.Go(func() error {
				return sw.Run(gctx)
			})
		}
	}

	g.Go(func() error {
		return runMetricsServer(gctx, log, *metricsAddrFlag, *enablePprofFlag)
	})

	log.Info("stakepoold starting",
		"version", version,
		"listen_addr", *listenAddrFlag,
		"metrics_addr", *metricsAddrFlag,
		"program_id", programID.String())

	return g.Wait()
}

func runMetricsServer(ctx context.Context, log *slog.Logger, addr string, enablePprof bool) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if enablePprof {
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info("metrics listening", "address", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
