package progress

import (
	"context"
	"sync"
	"testing"

	"github.com/example/sheet2audio/api-go/internal/model"
)

type recordingReporter struct {
	mu     sync.Mutex
	writes []model.ProgressState
}

func (r *recordingReporter) Report(_ context.Context, _ string, percentage int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, model.ProgressState{Percentage: percentage, Message: message})
	return nil
}

func (r *recordingReporter) Read(context.Context, string) model.ProgressState {
	return model.IdleProgress()
}

func TestMemoryReadDefaultsToIdle(t *testing.T) {
	m := NewMemory()
	if got := m.Read(context.Background(), "missing"); got != model.IdleProgress() {
		t.Fatalf("Read() = %+v, want idle", got)
	}
}

func TestMemoryReportReplacesState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Report(ctx, "a", 10, "first")
	_ = m.Report(ctx, "a", 50, "second")
	_ = m.Report(ctx, "b", 150, "other")

	if got := m.Read(ctx, "a"); got.Percentage != 50 || got.Message != "second" {
		t.Fatalf("job a = %+v", got)
	}
	if got := m.Read(ctx, "b"); got.Percentage != 100 {
		t.Fatalf("job b percentage = %d, want clamped 100", got.Percentage)
	}
}

func TestDecodeCorruptFallsBackToIdle(t *testing.T) {
	if got := Decode([]byte("{not json")); got != model.IdleProgress() {
		t.Fatalf("Decode() = %+v, want idle", got)
	}
	if got := Decode([]byte(`{"progress":42,"message":"ok"}`)); got.Percentage != 42 || got.Message != "ok" {
		t.Fatalf("Decode() = %+v", got)
	}
}

func TestTrackerKeepsPercentageNonDecreasing(t *testing.T) {
	rec := &recordingReporter{}
	tr := NewTracker(context.Background(), rec, "job", nil)
	tr.Update(10, "a")
	tr.Update(50, "b")
	tr.Update(30, "c")
	tr.Finish("done")

	want := []int{10, 50, 50, 100}
	if len(rec.writes) != len(want) {
		t.Fatalf("writes = %+v", rec.writes)
	}
	for i, w := range want {
		if rec.writes[i].Percentage != w {
			t.Fatalf("write %d = %d, want %d", i, rec.writes[i].Percentage, w)
		}
	}
	if rec.writes[2].Message != "c" {
		t.Fatalf("message of raised update = %q", rec.writes[2].Message)
	}
}

func TestTrackerFailIsTerminal(t *testing.T) {
	rec := &recordingReporter{}
	tr := NewTracker(context.Background(), rec, "job", nil)
	tr.Update(50, "working")
	tr.Fail("boom")
	tr.Update(90, "late")
	tr.Finish("late done")

	if len(rec.writes) != 2 {
		t.Fatalf("writes = %+v", rec.writes)
	}
	if got := rec.writes[1]; got.Percentage != 0 || got.Message != "boom" {
		t.Fatalf("failure write = %+v", got)
	}
}

func TestTrackerSuppressesWritesAfterCancel(t *testing.T) {
	rec := &recordingReporter{}
	ctx, cancel := context.WithCancel(context.Background())
	tr := NewTracker(ctx, rec, "job", nil)
	tr.Update(10, "running")
	cancel()
	tr.Update(50, "after cancel")
	tr.Fail("after cancel")

	if len(rec.writes) != 1 {
		t.Fatalf("writes = %+v, want only the pre-cancel write", rec.writes)
	}
}
