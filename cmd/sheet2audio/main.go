// Command sheet2audio converts one sheet-music image to a WAV file without
// running the API service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/example/sheet2audio/api-go/internal/assemble"
	"github.com/example/sheet2audio/api-go/internal/blob"
	"github.com/example/sheet2audio/api-go/internal/bootstrap"
	"github.com/example/sheet2audio/api-go/internal/config"
	"github.com/example/sheet2audio/api-go/internal/instrument"
	"github.com/example/sheet2audio/api-go/internal/pipeline"
	"github.com/example/sheet2audio/api-go/internal/progress"
)

// logReporter keeps progress in memory and logs each update.
type logReporter struct {
	*progress.Memory
	logger *slog.Logger
}

func (r logReporter) Report(ctx context.Context, jobID string, percentage int, message string) error {
	r.logger.Info("progress", "jobId", jobID, "progress", percentage, "message", message)
	return r.Memory.Report(ctx, jobID, percentage, message)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("sheet2audio", flag.ContinueOnError)
	fs.SetOutput(stderr)
	image := fs.String("image", "", "sheet-music image to convert (required)")
	instrumentName := fs.String("instrument", instrument.DefaultName, "instrument to render with")
	out := fs.String("out", "", "output WAV path (default: <image name>.wav)")
	dataDir := fs.String("data-dir", "", "workspace directory (default: a temporary directory)")
	policy := fs.String("policy", "", "per-score failure policy: skip or abort (default from SCORE_FAILURE_POLICY)")
	listInstruments := fs.Bool("instruments", false, "list instruments and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return 1
	}
	logger := bootstrap.NewLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	if *listInstruments {
		for _, name := range instrument.NewCatalog(cfg.Instruments...).Names() {
			fmt.Println(name)
		}
		return 0
	}
	if strings.TrimSpace(*image) == "" {
		fmt.Fprintln(stderr, "-image is required")
		fs.Usage()
		return 2
	}
	if *policy != "" {
		if cfg.FailurePolicy, err = pipeline.ParsePolicy(*policy); err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
	}
	imagePath, err := filepath.Abs(*image)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *out == "" {
		*out = strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".wav"
	}

	root := *dataDir
	keep := true
	if root == "" {
		if root, err = os.MkdirTemp("", "sheet2audio-*"); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		keep = false
		defer func() {
			if !keep {
				os.RemoveAll(root)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs := blob.LocalFS{Root: root}
	reporter := logReporter{Memory: progress.NewMemory(), logger: logger}
	pipe := bootstrap.NewPipeline(cfg, reporter, nil, blobs, logger)

	jobID := uuid.NewString()
	res, err := pipe.Run(ctx, pipeline.Request{
		JobID:      jobID,
		ImagePath:  imagePath,
		Instrument: *instrumentName,
	})
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "cancelled")
		return 130
	}
	if err != nil {
		fmt.Fprintln(stderr, res.Message)
		if keepsIntermediates(err) {
			keep = true
			fmt.Fprintf(stderr, "intermediate files kept in %s\n", blobs.Workspace(jobID).WorkDir())
		}
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		fmt.Fprintf(stderr, "write %s: %v\n", *out, err)
		return 1
	}
	if err := assemble.MoveFile(res.OutputPath, *out); err != nil {
		fmt.Fprintf(stderr, "write %s: %v\n", *out, err)
		return 1
	}
	fmt.Println(*out)
	if res.Skipped > 0 {
		fmt.Fprintln(stderr, res.Message)
	}
	return 0
}

// keepsIntermediates reports whether a failure left segments worth inspecting.
func keepsIntermediates(err error) bool {
	return errors.Is(err, assemble.ErrAssemblyFailed)
}
