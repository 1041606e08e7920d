// Package worker picks queued jobs from the store and runs them through the
// pipeline, a bounded number at a time.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/sheet2audio/api-go/internal/blob"
	"github.com/example/sheet2audio/api-go/internal/model"
	"github.com/example/sheet2audio/api-go/internal/pipeline"
	"github.com/example/sheet2audio/api-go/internal/progress"
)

// ErrNotRunning is returned when cancelling a job this worker is not running.
var ErrNotRunning = errors.New("job is not running")

// Store is the slice of the job store the worker needs.
type Store interface {
	ListQueued(ctx context.Context, limit int) ([]model.Job, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	UpdateJob(ctx context.Context, id string, patch model.JobPatch) error
}

type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type Worker struct {
	Store    Store
	Pipeline Runner
	Blobs    blob.LocalFS
	Reporter progress.Reporter

	PollInterval      time.Duration
	MaxConcurrentJobs int
	Logger            *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Run polls until ctx is done, then cancels in-flight jobs and waits for them.
func (w *Worker) Run(ctx context.Context) error {
	limit := max(w.MaxConcurrentJobs, 1)
	interval := w.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	var g errgroup.Group
	g.SetLimit(limit)
	defer g.Wait()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.poll(ctx, &g, limit)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) poll(ctx context.Context, g *errgroup.Group, limit int) {
	free := limit - w.Active()
	if free <= 0 || ctx.Err() != nil {
		return
	}
	jobs, err := w.Store.ListQueued(ctx, free)
	if err != nil {
		w.logger().Warn("list queued jobs", "error", err)
		return
	}
	for _, job := range jobs {
		claimed, err := w.Store.ClaimJob(ctx, job.ID)
		if err != nil {
			w.logger().Warn("claim job", "jobId", job.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		jobCtx := w.register(ctx, job.ID)
		job := job
		g.Go(func() error {
			w.runJob(jobCtx, job)
			return nil
		})
	}
}

func (w *Worker) register(ctx context.Context, jobID string) context.Context {
	jobCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running == nil {
		w.running = make(map[string]context.CancelFunc)
	}
	w.running[jobID] = cancel
	return jobCtx
}

func (w *Worker) unregister(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.running[jobID]; ok {
		cancel()
		delete(w.running, jobID)
	}
}

// Active is the number of jobs in flight.
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// Cancel stops a running job. Its subprocesses are killed and the pipeline
// records the cancellation.
func (w *Worker) Cancel(jobID string) error {
	w.mu.Lock()
	cancel, ok := w.running[jobID]
	w.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel()
	return nil
}

func (w *Worker) runJob(ctx context.Context, job model.Job) {
	defer w.unregister(job.ID)
	logger := w.logger().With("jobId", job.ID)
	// Bookkeeping below must land even though ctx is cancelled.
	bg := context.WithoutCancel(ctx)

	imagePath, err := w.Blobs.Abs(job.InputKey)
	if err != nil {
		w.finish(bg, logger, job.ID, pipeline.Result{Status: model.JobFailed, Message: "Invalid input."}, err)
		return
	}
	logger.Info("job started", "instrument", job.Instrument)
	res, err := w.Pipeline.Run(ctx, pipeline.Request{
		JobID:      job.ID,
		ImagePath:  imagePath,
		Instrument: job.Instrument,
	})
	w.finish(bg, logger, job.ID, res, err)
}

func (w *Worker) finish(ctx context.Context, logger *slog.Logger, jobID string, res pipeline.Result, runErr error) {
	status := res.Status
	if status == "" {
		status = model.JobFailed
	}
	patch := model.JobPatch{Status: &status}
	switch status {
	case model.JobDone:
		patch.OutputKey = &res.OutputKey
	case model.JobFailed:
		msg := res.Message
		if msg == "" {
			msg = pipeline.UserMessage(runErr)
		}
		patch.Error = &msg
		logger.Error("job failed", "error", runErr)
	case model.JobCancelled:
		if w.Reporter != nil {
			if err := w.Reporter.Report(ctx, jobID, 0, res.Message); err != nil {
				logger.Warn("record cancellation progress", "error", err)
			}
		}
		logger.Info("job cancelled")
	}
	if err := w.Store.UpdateJob(ctx, jobID, patch); err != nil {
		logger.Error("update job", "status", status, "error", err)
	}
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}
