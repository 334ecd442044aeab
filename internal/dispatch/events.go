// Package dispatch runs the scheduling loop: it selects ready tasks,
// starts workers, and blocks on completion signals.
package dispatch

import (
	"time"
)

// EventType represents the type of dispatcher event.
type EventType string

const (
	// EventTaskDispatched indicates a task was handed to a worker.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskCompleted indicates a task finished successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskRequeued indicates the circuit breaker re-queued a failed task.
	EventTaskRequeued EventType = "task_requeued"
	// EventRetryStopped indicates automatic retries stopped for a task.
	EventRetryStopped EventType = "retry_stopped"
	// EventTaskBlocked indicates a task was blocked by a failed dependency.
	EventTaskBlocked EventType = "task_blocked"
	// EventIssuePromoted indicates an issue was accepted as a task.
	EventIssuePromoted EventType = "issue_promoted"
	// EventRunRestarted indicates a queued restart was applied.
	EventRunRestarted EventType = "run_restarted"
	// EventRunDone indicates the run finished with nothing left to schedule.
	EventRunDone EventType = "run_done"
)

// Event is emitted by the dispatcher for operator-facing progress output.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the related task, if applicable.
	TaskID string
	// IssueID is the related issue, if applicable.
	IssueID string
	// PoolID is the worker pool involved, if applicable.
	PoolID string
	// Message provides additional context.
	Message string
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// Listener receives dispatcher events. Implementations must not block.
type Listener func(Event)
