package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsmend/remedy-engine/internal/api"
	"github.com/opsmend/remedy-engine/internal/audit"
	"github.com/opsmend/remedy-engine/internal/config"
	"github.com/opsmend/remedy-engine/internal/engine"
	"github.com/opsmend/remedy-engine/internal/metrics"
	"github.com/opsmend/remedy-engine/internal/playbook"
	"github.com/opsmend/remedy-engine/internal/utils"
)

func main() {
	var (
		configPath  string
		verifyAudit bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&verifyAudit, "verify-audit", false, "Verify the audit ledger's hash chain and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	if verifyAudit {
		count, err := audit.Verify(cfg.Audit.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "audit ledger verification failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("audit ledger intact: %d entries\n", count)
		return
	}

	logger.Info("starting remedy-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	actions := playbook.NewActions()
	if err := playbook.RegisterBuiltins(actions); err != nil {
		logger.Error("failed to register builtin actions", slog.Any("error", err))
		os.Exit(1)
	}

	supervisor, err := engine.New(cfg, logger, actions)
	if err != nil {
		logger.Error("failed to assemble engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer supervisor.Close()

	handlers := api.NewHandlers(
		supervisor.Store,
		supervisor.Registry,
		supervisor.Executor,
		supervisor.Escalations,
		supervisor.Publisher,
		supervisor,
		supervisor.Locks,
	)
	server := api.NewServer(cfg.Server, logger, handlers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("api server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	runDone := make(chan error, 1)
	go func() {
		runDone <- supervisor.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-runDone:
		if err != nil {
			logger.Error("engine stopped", slog.Any("error", err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("remedy-engine stopped")
}
