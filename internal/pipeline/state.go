package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/sheet2audio/api-go/internal/model"
)

// StatusSink persists job state transitions.
type StatusSink interface {
	SetStatus(ctx context.Context, id string, status model.JobStatus) error
}

// jobState walks one job through the state machine and mirrors each step to
// the sink. Sink writes survive cancellation of the job context.
type jobState struct {
	ctx    context.Context
	jobID  string
	status model.JobStatus
	sink   StatusSink
	logger *slog.Logger
}

func (s *jobState) transition(to model.JobStatus) error {
	if to == s.status {
		return nil
	}
	if !isValidTransition(s.status, to) {
		return fmt.Errorf("invalid transition: %s -> %s", s.status, to)
	}
	s.status = to
	if s.sink == nil {
		return nil
	}
	if err := s.sink.SetStatus(context.WithoutCancel(s.ctx), s.jobID, to); err != nil {
		s.logger.Warn("persist job status", "status", to, "error", err)
	}
	return nil
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to model.JobStatus) bool {
	if to == model.JobFailed || to == model.JobCancelled {
		return !from.Terminal()
	}
	switch from {
	case model.JobIdle, model.JobQueued:
		return to == model.JobRecognizing
	case model.JobRecognizing:
		return to == model.JobIngesting
	case model.JobIngesting:
		return to == model.JobRendering
	case model.JobRendering:
		return to == model.JobAssembling
	case model.JobAssembling:
		return to == model.JobDone
	default:
		return false
	}
}
