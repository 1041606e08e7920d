package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/example/sheet2audio/api-go/internal/blob"
	"github.com/example/sheet2audio/api-go/internal/bootstrap"
	"github.com/example/sheet2audio/api-go/internal/config"
	"github.com/example/sheet2audio/api-go/internal/httpapi"
	"github.com/example/sheet2audio/api-go/internal/instrument"
	"github.com/example/sheet2audio/api-go/internal/model"
	"github.com/example/sheet2audio/api-go/internal/store"
	"github.com/example/sheet2audio/api-go/internal/worker"
)

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	jobStore, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobStore.Close()

	reporter, closeReporter, err := bootstrap.OpenReporter(ctx, cfg, jobStore)
	if err != nil {
		return err
	}
	defer closeReporter()

	checker := bootstrap.NewChecker()
	report := checker.Run(cfg)
	for _, item := range report.Items {
		if item.Status == model.DiagnosticFail {
			logger.Warn("startup check failed", "check", item.ID, "message", item.Message, "hint", item.Hint)
		}
	}

	blobStore := blob.LocalFS{Root: cfg.DataDir}
	pipe := bootstrap.NewPipeline(cfg, reporter, jobStore, blobStore, logger)
	w := &worker.Worker{
		Store:             jobStore,
		Pipeline:          pipe,
		Blobs:             blobStore,
		Reporter:          reporter,
		PollInterval:      cfg.PollInterval,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		Logger:            logger,
	}

	baseURL := os.Getenv("SCORE_BASE_URL")
	if baseURL == "" {
		addr := cfg.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		baseURL = fmt.Sprintf("http://%s", addr)
	}

	server := httpapi.Server{
		Blobs:          blobStore,
		Jobs:           jobStore,
		Progress:       reporter,
		Canceller:      w,
		Catalog:        instrument.NewCatalog(cfg.Instruments...),
		BaseURL:        baseURL,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Diagnostics:    func() model.DiagnosticReport { return checker.Run(cfg) },
		Logger:         logger,
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = w.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API listening", "addr", cfg.Addr, "baseURL", baseURL, "progress", cfg.ProgressBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	wg.Wait()
	return nil
}
