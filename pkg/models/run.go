package models

import "time"

// RunStatus represents the lifecycle state of an orchestration run.
type RunStatus string

const (
	// RunActive indicates the run is scheduling work.
	RunActive RunStatus = "active"
	// RunPaused indicates scheduling is suspended.
	RunPaused RunStatus = "paused"
	// RunAborted indicates the run was stopped before completion.
	RunAborted RunStatus = "aborted"
	// RunCompleted indicates all work reached a terminal state.
	RunCompleted RunStatus = "completed"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunActive, RunPaused, RunAborted, RunCompleted:
		return true
	default:
		return false
	}
}

// Run represents one orchestration session. Runs are archived on
// completion or abort, never deleted, so the history is auditable.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`
	// LoopIndex counts completed scheduling cycles.
	LoopIndex int `json:"loop_index"`
	// TotalAutoRetries is the global auto-retry counter, capped at
	// GlobalAutoRetryCap.
	TotalAutoRetries int `json:"total_auto_retries"`
	// RestartQueued records a deferred restart request. The restart is
	// applied only once all dispatched tasks reach a terminal state.
	RestartQueued bool `json:"restart_queued"`
	// RestartReason explains the queued restart.
	RestartReason string `json:"restart_reason,omitempty"`
	// Status is the lifecycle flag.
	Status RunStatus `json:"status"`
	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`
	// ArchivedAt is when the run was archived, if it has been.
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}
