package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consultation-capture/pkg/analysis"
	"consultation-capture/pkg/api"
	"consultation-capture/pkg/capture"
	"consultation-capture/pkg/consultation"
	"consultation-capture/pkg/pipeline"
	"consultation-capture/pkg/storage"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(d)
		},
	}
}

func serve(d *deps) error {
	cfg, logger := d.cfg, d.logger

	sessions, err := openSessionStore(d)
	if err != nil {
		return err
	}
	defer sessions.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := pipeline.NewWorkerPool(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, logger)
	pool.Start(ctx)

	registry := consultation.NewRegistry(consultation.Options{
		Microphone: capture.NewFFmpegMicrophone(cfg.Capture, logger),
		Analysis:   analysis.NewClient(cfg.Analysis, logger),
		Sessions:   sessions,
		Jobs:       storage.NewMemoryJobStore(),
		Pool:       pool,
		Capture:    cfg.Capture,
		Pipeline:   cfg.Pipeline,
		Logger:     logger,
	})

	go registry.RunEviction(ctx, cfg.Session.TTL, cfg.Session.SweepInterval)

	router := mux.NewRouter()
	api.NewHandlers(registry, true, logger).Register(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server failed to start: %w", err)
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := registry.Close(); err != nil {
		logger.Warn("Releasing sessions failed", zap.Error(err))
	}
	pool.Stop()

	logger.Info("Server exited")
	return nil
}

func openSessionStore(d *deps) (storage.SessionStore, error) {
	if d.cfg.Session.Store == "memory" {
		return storage.NewMemorySessionStore(), nil
	}
	store, err := storage.NewBadgerSessionStore(d.cfg.StoragePath, d.cfg.Session.TTL)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	return store, nil
}
