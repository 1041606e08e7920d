// Package recognize runs the optical music recognition engine on one image
// and collects the MusicXML artifacts it leaves behind.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/example/sheet2audio/api-go/internal/command"
)

// ErrRecognitionEmpty means the engine produced no MusicXML artifact.
var ErrRecognitionEmpty = errors.New("MusicXML not found. Recognition may have failed")

// Extensions recognized as structured-notation artifacts.
var Extensions = []string{".mxl", ".musicxml"}

// Invoker wraps the recognition engine command line.
type Invoker struct {
	// Path is the engine executable, Audiveris by default.
	Path string
	// ExtraArgs are inserted before the image path.
	ExtraArgs []string
	Runner    command.Runner
	Logger    *slog.Logger
}

// NewInvoker builds an Invoker for the engine at path.
func NewInvoker(path string, runner command.Runner, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{Path: path, Runner: runner, Logger: logger}
}

// Recognize runs the engine for imagePath writing into outDir and returns the
// artifacts found under outDir, sorted by path. The exit status is advisory:
// the engine may fail and still export pages, or succeed and export nothing.
func (i *Invoker) Recognize(ctx context.Context, imagePath, outDir string) ([]string, error) {
	if strings.TrimSpace(imagePath) == "" {
		return nil, fmt.Errorf("image path is required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create recognition output dir: %w", err)
	}

	args := buildArgs(i.ExtraArgs, imagePath, outDir)
	result, runErr := i.Runner.Run(ctx, i.Path, args...)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		i.Logger.Warn("recognition engine reported failure", "error", runErr, "result", result)
	} else {
		i.Logger.Debug("recognition engine finished", "result", result)
	}

	artifacts, err := FindArtifacts(outDir)
	if err != nil {
		return nil, fmt.Errorf("scan recognition output: %w", err)
	}
	if len(artifacts) == 0 {
		return nil, ErrRecognitionEmpty
	}
	return artifacts, nil
}

func buildArgs(extra []string, imagePath, outDir string) []string {
	args := append([]string{}, extra...)
	return append(args,
		"-batch", imagePath,
		"-export",
		"-output", outDir,
	)
}

// FindArtifacts walks dir recursively for MusicXML files.
func FindArtifacts(dir string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isArtifact(d.Name()) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(found)
	return found, nil
}

func isArtifact(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range Extensions {
		if ext == want {
			return true
		}
	}
	return false
}
