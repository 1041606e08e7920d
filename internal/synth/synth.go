// Package synth renders a symbolic performance to raw audio with an external
// SoundFont synthesizer (FluidSynth by default).
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/example/sheet2audio/api-go/internal/command"
	"github.com/example/sheet2audio/api-go/internal/render"
)

// SampleRate is the fixed output rate in Hz.
const SampleRate = 44100

// ErrSynthesisFailed means the synthesizer left no audio behind.
var ErrSynthesisFailed = errors.New("synthesizer produced no audio")

// Segment is the audio rendered for one score, tagged with its artifact index.
type Segment struct {
	Index int
	Path  string
}

// Synthesizer wraps the synthesizer command line.
type Synthesizer struct {
	Path      string
	SoundFont string
	Runner    command.Runner
	Logger    *slog.Logger
}

func NewSynthesizer(path, soundFont string, runner command.Runner, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{Path: path, SoundFont: soundFont, Runner: runner, Logger: logger}
}

// SegmentName is the file name of the audio for artifact index.
func SegmentName(index int) string {
	return fmt.Sprintf("segment_%03d.wav", index)
}

// Synthesize writes perf as MIDI into dir, runs the synthesizer and returns
// the resulting WAV segment. The MIDI file is removed afterwards.
func (s *Synthesizer) Synthesize(ctx context.Context, perf *render.Performance, dir string, index int) (Segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Segment{}, fmt.Errorf("create segment dir: %w", err)
	}
	audioPath := filepath.Join(dir, SegmentName(index))
	midiPath := filepath.Join(dir, fmt.Sprintf("segment_%03d.mid", index))
	if err := os.Remove(audioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Segment{}, fmt.Errorf("remove stale segment: %w", err)
	}

	if err := WriteMIDIFile(midiPath, perf); err != nil {
		return Segment{}, fmt.Errorf("write midi: %w", err)
	}
	defer os.Remove(midiPath)

	args := buildArgs(s.SoundFont, midiPath, audioPath)
	result, runErr := s.Runner.Run(ctx, s.Path, args...)
	if ctx.Err() != nil {
		_ = os.Remove(audioPath)
		return Segment{}, ctx.Err()
	}
	if runErr != nil {
		s.Logger.Warn("synthesizer reported failure", "index", index, "error", runErr, "result", result)
	} else {
		s.Logger.Debug("synthesizer finished", "index", index, "result", result)
	}

	info, err := os.Stat(audioPath)
	if err != nil || info.Size() == 0 {
		return Segment{}, fmt.Errorf("%w: segment %d (exit %d)", ErrSynthesisFailed, index, result.ExitCode)
	}
	return Segment{Index: index, Path: audioPath}, nil
}

// buildArgs renders without a shell or audio driver straight to a file.
func buildArgs(soundFont, midiPath, audioPath string) []string {
	return []string{
		"-ni",
		"-F", audioPath,
		"-r", strconv.Itoa(SampleRate),
		soundFont,
		midiPath,
	}
}
