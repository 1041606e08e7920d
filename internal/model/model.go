package model

import (
	"errors"
	"time"
)

type JobStatus string

const (
	JobIdle        JobStatus = "idle"
	JobQueued      JobStatus = "queued"
	JobRecognizing JobStatus = "recognizing"
	JobIngesting   JobStatus = "ingesting"
	JobRendering   JobStatus = "rendering"
	JobAssembling  JobStatus = "assembling"
	JobDone        JobStatus = "done"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s names a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobIdle, JobQueued, JobRecognizing, JobIngesting, JobRendering,
		JobAssembling, JobDone, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

var ErrNotFound = errors.New("not found")

// Job represents one image-to-audio conversion request.
//
// - InputKey/OutputKey are relative keys in the blob store.
// - Progress/Message mirror the latest ProgressState written for the job.
type Job struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Status     JobStatus `json:"status"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message,omitempty"`
	InputKey   string    `json:"inputKey"`
	Instrument string    `json:"instrument"`
	OutputKey  string    `json:"outputKey,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// JobPatch is used for partial updates.
type JobPatch struct {
	Status    *JobStatus
	OutputKey *string
	Error     *string
}

// ProgressState is the latest status record of one job.
type ProgressState struct {
	Percentage int    `json:"progress"`
	Message    string `json:"message"`
}

// IdleProgress is returned for jobs with no readable progress.
func IdleProgress() ProgressState {
	return ProgressState{Percentage: 0, Message: "Idle"}
}

// DiagnosticStatus indicates whether a single startup check passed.
type DiagnosticStatus string

const (
	DiagnosticPass DiagnosticStatus = "pass"
	DiagnosticFail DiagnosticStatus = "fail"
)

// DiagnosticItem is one startup check result with optional hint.
type DiagnosticItem struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Status  DiagnosticStatus `json:"status"`
	Message string           `json:"message"`
	Hint    string           `json:"hint,omitempty"`
}

// DiagnosticReport aggregates the startup checks of the external tools.
type DiagnosticReport struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	HasFailures bool             `json:"hasFailures"`
	Items       []DiagnosticItem `json:"items"`
}
