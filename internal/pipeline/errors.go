package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/sheet2audio/api-go/internal/assemble"
	"github.com/example/sheet2audio/api-go/internal/recognize"
	"github.com/example/sheet2audio/api-go/internal/render"
	"github.com/example/sheet2audio/api-go/internal/score"
	"github.com/example/sheet2audio/api-go/internal/synth"
)

// Stage names used in StageError.
const (
	StageSetup      = "setup"
	StageRecognize  = "recognize"
	StageIngest     = "ingest"
	StageRender     = "render"
	StageSynthesize = "synthesize"
	StageAssemble   = "assemble"
)

// ErrNoViableScores means every score of the job failed.
var ErrNoViableScores = errors.New("no score could be converted")

// StageError is a stage-aware error. Index is the artifact index for
// per-score stages and -1 otherwise.
type StageError struct {
	Stage string
	Index int
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Index >= 0 {
		return fmt.Sprintf("%s score %d: %v", e.Stage, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func stageErr(stage string, index int, err error) error {
	return &StageError{Stage: stage, Index: index, Err: err}
}

// UserMessage maps err to the short text shown to end users. Subprocess output
// never reaches it.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "Cancelled"
	case errors.Is(err, recognize.ErrRecognitionEmpty):
		return "MusicXML not found. Recognition may have failed."
	case errors.Is(err, score.ErrMalformedArtifact):
		return "The recognized score could not be read."
	case errors.Is(err, render.ErrUnrenderableScore):
		return "The score has no playable notes."
	case errors.Is(err, synth.ErrSynthesisFailed):
		return "Audio synthesis failed."
	case errors.Is(err, assemble.ErrAssemblyFailed):
		return "The audio could not be assembled."
	case errors.Is(err, context.DeadlineExceeded):
		return "Conversion timed out."
	}
	var se *StageError
	if errors.As(err, &se) {
		return fmt.Sprintf("Conversion failed during %s.", se.Stage)
	}
	return "Conversion failed."
}
