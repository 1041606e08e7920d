// Package bootstrap builds the service components from configuration. Both
// binaries share it.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/example/sheet2audio/api-go/internal/assemble"
	"github.com/example/sheet2audio/api-go/internal/blob"
	"github.com/example/sheet2audio/api-go/internal/command"
	"github.com/example/sheet2audio/api-go/internal/config"
	"github.com/example/sheet2audio/api-go/internal/instrument"
	"github.com/example/sheet2audio/api-go/internal/pipeline"
	"github.com/example/sheet2audio/api-go/internal/progress"
	"github.com/example/sheet2audio/api-go/internal/recognize"
	"github.com/example/sheet2audio/api-go/internal/synth"
)

// NewLogger returns a JSON logger at the named level (debug, info, warn,
// error); anything else means info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// OpenReporter selects the progress backend. fallback serves the sqlite
// backend. The returned func releases whatever the backend opened.
func OpenReporter(ctx context.Context, cfg config.Config, fallback progress.Reporter) (progress.Reporter, func() error, error) {
	noop := func() error { return nil }
	switch cfg.ProgressBackend {
	case config.BackendRedis:
		r, err := progress.NewRedis(ctx, progress.RedisOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			TTL:      cfg.ProgressTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect progress redis: %w", err)
		}
		return r, r.Close, nil
	case config.BackendMemory:
		return progress.NewMemory(), noop, nil
	default:
		if fallback == nil {
			return nil, nil, fmt.Errorf("progress backend %q needs a store", cfg.ProgressBackend)
		}
		return fallback, noop, nil
	}
}

// NewPipeline wires the external tools, each behind its own timeout.
func NewPipeline(cfg config.Config, reporter progress.Reporter, status pipeline.StatusSink, blobs blob.LocalFS, logger *slog.Logger) *pipeline.Pipeline {
	recognizer := recognize.NewInvoker(cfg.AudiverisPath, command.Exec{Timeout: cfg.RecognizeTimeout}, logger)
	recognizer.ExtraArgs = cfg.AudiverisArgs

	return &pipeline.Pipeline{
		Recognizer:        recognizer,
		Synth:             synth.NewSynthesizer(cfg.FluidsynthPath, cfg.SoundFont, command.Exec{Timeout: cfg.SynthTimeout}, logger),
		Assembler:         assemble.NewAssembler(cfg.FFmpegPath, command.Exec{Timeout: cfg.AssembleTimeout}, logger),
		Catalog:           instrument.NewCatalog(cfg.Instruments...),
		Reporter:          reporter,
		Status:            status,
		Blobs:             blobs,
		MaxParallelScores: cfg.MaxParallelScores,
		Policy:            cfg.FailurePolicy,
		Logger:            logger,
	}
}
