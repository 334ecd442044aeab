package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be dispatched.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates a worker is executing the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates the task cannot proceed because a
	// dependency failed terminally.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions happen without
// circuit-breaker intervention.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusBlocked
}

// Complexity is the ordinal tier driving worker-pool selection.
type Complexity string

const (
	// ComplexityEasy is for small, low-risk tasks.
	ComplexityEasy Complexity = "easy"
	// ComplexityNormal is the default tier for implementation tasks.
	ComplexityNormal Complexity = "normal"
	// ComplexityComplex is for large or high-risk tasks.
	ComplexityComplex Complexity = "complex"
)

// Valid returns true if the complexity is a known value.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexityEasy, ComplexityNormal, ComplexityComplex:
		return true
	default:
		return false
	}
}

// Task represents a schedulable unit of work.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Payload is the opaque work description handed to the worker.
	Payload string `json:"payload,omitempty"`
	// Category is the routing tag (e.g. "backend", "testing").
	Category string `json:"category"`
	// Complexity drives worker-pool selection.
	Complexity Complexity `json:"complexity"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// OriginIssueID is the issue this task was promoted from, if any.
	// Tasks with an origin issue are eligible for auto-retry.
	OriginIssueID string `json:"origin_issue_id,omitempty"`
	// PoolID records the pool the task was last dispatched to.
	PoolID string `json:"pool_id,omitempty"`
	// BlockedReason explains why a task is blocked.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// FailurePayload is the most recent failure output.
	FailurePayload string `json:"failure_payload,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task was last dispatched, if ever.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached completed, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Retryable reports whether the task is governed by auto-retry.
// Only tasks promoted from an issue carry a retry record.
func (t *Task) Retryable() bool {
	return t.OriginIssueID != ""
}

// RetryKey returns the key its retry record is stored under.
func (t *Task) RetryKey() string {
	if t.OriginIssueID != "" {
		return t.OriginIssueID
	}
	return t.ID
}
