package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/nodebridge/meshbridge/internal/bridge"
	"github.com/nodebridge/meshbridge/internal/config"
	"github.com/nodebridge/meshbridge/internal/logging"
)

// clientVersion is "<app>/<version>[-<git_short>]" per spec.md §4.8 step
// 4, overridable at link time with -ldflags "-X main.version=... -X
// main.gitShort=...".
var (
	version  = "dev"
	gitShort = ""
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	configPaths := flag.Args()
	if len(configPaths) == 0 {
		configPaths = []string{"meshbridge.toml"}
	}

	cfg, err := config.Load(configPaths[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshbridge: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.General.LogLevel
	if *debug {
		logLevel = "debug"
	}
	logger := logging.New(logging.Config{Level: logLevel, Format: logging.FormatJSON})

	clientVersion := "meshbridge/" + version
	if gitShort != "" {
		clientVersion += "-" + gitShort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := bridge.New(cfg, logger, clientVersion)

	if cfg.Metrics.Enabled {
		go runMetricsServer(ctx, cfg.Metrics.ListenAddr, rt, logger)
	}

	if err := rt.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("meshbridge exited with error")
		os.Exit(1)
	}
}

// runMetricsServer serves the Prometheus exposition endpoint until ctx is
// cancelled, per SPEC_FULL.md §C.3.
func runMetricsServer(ctx context.Context, addr string, rt *bridge.Runtime, logger zerolog.Logger) {
	defer logging.RecoverPanic(logger, "runMetricsServer")

	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Metrics().Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer logging.RecoverPanic(logger, "metricsHTTPServe")
		logger.Info().Str("addr", addr).Msg("metrics http server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics http server shutdown error")
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics http server error")
		}
	}
}
