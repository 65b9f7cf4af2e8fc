package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/vigil/internal/app"
	"github.com/ent0n29/vigil/internal/config"
	"github.com/ent0n29/vigil/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.Init(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logging.Errorw("vigil stopped", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(runCtx, cfg)
	if err != nil {
		return err
	}

	sweepDone := make(chan error, 1)
	go func() { sweepDone <- built.Sweeper.Run(runCtx) }()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}
	serveErr := make(chan error, 1)
	go func() {
		logging.Infow("server listening", "addr", cfg.BindAddr, "transcribe.provider", built.Provider.Name)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var failure error
	select {
	case <-runCtx.Done():
		logging.Infow("shutdown signal received")
	case err := <-serveErr:
		failure = fmt.Errorf("listen: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	if err := <-sweepDone; err != nil {
		logging.Warnw("retention sweeper stopped", "error", err)
	}
	if err := built.Cleanup(shutdownCtx); err != nil {
		failure = errors.Join(failure, err)
	}

	logging.Infow("shutdown complete")
	return failure
}
