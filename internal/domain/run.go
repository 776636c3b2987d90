package domain

import (
	"errors"
	"strings"
	"time"
)

type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunFailure RunStatus = "FAILURE"
)

// LogLevel is the level of one run log entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "INFO"
	LevelWarn    LogLevel = "WARN"
	LevelError   LogLevel = "ERROR"
	LevelSuccess LogLevel = "SUCCESS"
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// RunResult is the terminal record of one pipeline run.
type RunResult struct {
	RunID             string       `json:"runId"`
	JobID             string       `json:"jobId"`
	StartTime         time.Time    `json:"startTime"`
	EndTime           time.Time    `json:"endTime"`
	Status            RunStatus    `json:"status"`
	Summary           string       `json:"summary"`
	Details           []LogEntry   `json:"details"`
	RowsSynced        *int64       `json:"rowsSynced,omitempty"`
	DurationInSeconds *float64     `json:"durationInSeconds,omitempty"`
	ErrorKind         ErrorKind    `json:"errorKind,omitempty"`
	SchemaStatus      SchemaStatus `json:"schemaStatus,omitempty"`
}

func (r RunResult) Succeeded() bool {
	return r.Status == RunSuccess
}

// Clone returns a copy that shares no slices or pointers with r.
func (r RunResult) Clone() RunResult {
	out := r
	if r.Details != nil {
		out.Details = append([]LogEntry(nil), r.Details...)
	}
	if r.RowsSynced != nil {
		v := *r.RowsSynced
		out.RowsSynced = &v
	}
	if r.DurationInSeconds != nil {
		v := *r.DurationInSeconds
		out.DurationInSeconds = &v
	}
	return out
}

func (r RunResult) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("job id is required")
	}
	switch r.Status {
	case RunSuccess, RunFailure:
	default:
		return errors.New("status must be SUCCESS or FAILURE")
	}
	if r.EndTime.Before(r.StartTime) {
		return errors.New("end time is before start time")
	}
	return nil
}

// RunState is the pipeline state of an in-flight run.
type RunState string

const (
	RunStateFetching   RunState = "fetching"
	RunStateExtracting RunState = "extracting"
	RunStateStaging    RunState = "staging"
	RunStateLoading    RunState = "loading"
	RunStateMerging    RunState = "merging"
	RunStateCleaningUp RunState = "cleaning_up"
	RunStateSucceeded  RunState = "succeeded"
	RunStateFailed     RunState = "failed"
)

func (s RunState) Terminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed
}

// CanTransitionRunState enforces forward-only progression. Any working state
// may jump to CleaningUp. Terminal states are reached from CleaningUp, or
// directly before a staging artifact can exist (Fetching, Extracting).
func CanTransitionRunState(current, next RunState) bool {
	if current == "" || next == "" || current.Terminal() {
		return false
	}
	switch next {
	case RunStateCleaningUp:
		return current != RunStateCleaningUp
	case RunStateFailed:
		return current == RunStateCleaningUp || current == RunStateFetching || current == RunStateExtracting
	case RunStateSucceeded:
		return current == RunStateCleaningUp || current == RunStateExtracting
	}
	return runStateOrder(current) < runStateOrder(next) && runStateOrder(next) < runStateOrder(RunStateCleaningUp)
}

func runStateOrder(s RunState) int {
	switch s {
	case RunStateFetching:
		return 1
	case RunStateExtracting:
		return 2
	case RunStateStaging:
		return 3
	case RunStateLoading:
		return 4
	case RunStateMerging:
		return 5
	case RunStateCleaningUp:
		return 6
	case RunStateSucceeded, RunStateFailed:
		return 7
	default:
		return 0
	}
}
