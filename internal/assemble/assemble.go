// Package assemble joins per-score audio segments into the job's final file.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/sheet2audio/api-go/internal/command"
	"github.com/example/sheet2audio/api-go/internal/synth"
)

// ErrAssemblyFailed means no final audio file could be produced.
var ErrAssemblyFailed = errors.New("audio assembly failed")

// ManifestName is the concat list written beside the segments.
const ManifestName = "concat.txt"

// Assembler concatenates segments with ffmpeg's concat demuxer. A single
// segment is moved into place without touching its bytes.
type Assembler struct {
	Path   string
	Runner command.Runner
	Logger *slog.Logger
}

func NewAssembler(path string, runner command.Runner, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{Path: path, Runner: runner, Logger: logger}
}

// Assemble writes segments, in the order given, to finalPath. On success the
// segments and the manifest are gone; on failure they are left for inspection.
func (a *Assembler) Assemble(ctx context.Context, segments []synth.Segment, finalPath string) error {
	if len(segments) == 0 {
		return fmt.Errorf("%w: no segments", ErrAssemblyFailed)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}
	if len(segments) == 1 {
		if err := MoveFile(segments[0].Path, finalPath); err != nil {
			return fmt.Errorf("%w: %v", ErrAssemblyFailed, err)
		}
		return nil
	}

	manifest := filepath.Join(filepath.Dir(segments[0].Path), ManifestName)
	if err := writeManifest(manifest, segments); err != nil {
		return fmt.Errorf("%w: write manifest: %v", ErrAssemblyFailed, err)
	}
	if err := os.Remove(finalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale result: %w", err)
	}

	result, runErr := a.Runner.Run(ctx, a.Path, "-y", "-f", "concat", "-safe", "0", "-i", manifest, "-c", "copy", finalPath)
	if ctx.Err() != nil {
		_ = os.Remove(finalPath)
		return ctx.Err()
	}
	if runErr != nil {
		a.Logger.Warn("ffmpeg reported failure", "segments", len(segments), "error", runErr, "result", result)
	}
	if info, err := os.Stat(finalPath); err != nil || info.Size() == 0 {
		_ = os.Remove(finalPath)
		return fmt.Errorf("%w: concat of %d segments left no output (exit %d)", ErrAssemblyFailed, len(segments), result.ExitCode)
	}

	for _, seg := range segments {
		if err := os.Remove(seg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.Logger.Warn("remove segment", "path", seg.Path, "error", err)
		}
	}
	if err := os.Remove(manifest); err != nil {
		a.Logger.Warn("remove manifest", "path", manifest, "error", err)
	}
	return nil
}

func writeManifest(path string, segments []synth.Segment) error {
	var b strings.Builder
	for _, seg := range segments {
		abs, err := filepath.Abs(seg.Path)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\n", QuotePath(abs))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// QuotePath escapes a path for a single-quoted concat manifest entry.
func QuotePath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}

// MoveFile renames src to dst, copying when they are on different filesystems.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems; copy then remove.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
