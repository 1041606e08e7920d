package progress

import (
	"context"
	"log/slog"
	"sync"
)

// Tracker is the single writer of one job's progress. Ordinary updates never
// move the percentage backwards; once the job context is done every write is
// dropped so a cancelled job cannot overwrite what its canceller recorded.
type Tracker struct {
	ctx      context.Context
	reporter Reporter
	jobID    string
	logger   *slog.Logger

	mu     sync.Mutex
	last   int
	closed bool
}

func NewTracker(ctx context.Context, reporter Reporter, jobID string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{ctx: ctx, reporter: reporter, jobID: jobID, logger: logger}
}

// Update records percentage and message; lower percentages are raised to the
// last one written.
func (t *Tracker) Update(percentage int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.ctx.Err() != nil {
		return
	}
	percentage = Clamp(percentage)
	if percentage < t.last {
		percentage = t.last
	}
	t.last = percentage
	t.write(percentage, message)
}

// Fail writes the terminal failure record at 0% and stops further updates.
func (t *Tracker) Fail(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.ctx.Err() != nil {
		return
	}
	t.closed = true
	t.write(0, message)
}

// Finish writes the terminal success record and stops further updates.
func (t *Tracker) Finish(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.ctx.Err() != nil {
		return
	}
	t.closed = true
	t.last = 100
	t.write(100, message)
}

func (t *Tracker) write(percentage int, message string) {
	if err := t.reporter.Report(t.ctx, t.jobID, percentage, message); err != nil {
		t.logger.Warn("progress write failed", "jobId", t.jobID, "error", err)
	}
}
