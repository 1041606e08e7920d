// Package progress stores the latest ProgressState of each job so that
// pollers outside the pipeline can read it at any time.
package progress

import (
	"context"
	"sync"

	"github.com/example/sheet2audio/api-go/internal/model"
)

// Reporter persists and reads per-job progress. Read never fails: a missing
// or unreadable record yields model.IdleProgress.
type Reporter interface {
	Report(ctx context.Context, jobID string, percentage int, message string) error
	Read(ctx context.Context, jobID string) model.ProgressState
}

// Clamp limits a percentage to 0..100.
func Clamp(percentage int) int {
	switch {
	case percentage < 0:
		return 0
	case percentage > 100:
		return 100
	default:
		return percentage
	}
}

// Memory is an in-process Reporter keyed by job id.
type Memory struct {
	mu     sync.RWMutex
	states map[string]model.ProgressState
}

func NewMemory() *Memory {
	return &Memory{states: make(map[string]model.ProgressState)}
}

func (m *Memory) Report(_ context.Context, jobID string, percentage int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[jobID] = model.ProgressState{Percentage: Clamp(percentage), Message: message}
	return nil
}

func (m *Memory) Read(_ context.Context, jobID string) model.ProgressState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[jobID]
	if !ok {
		return model.IdleProgress()
	}
	return state
}
