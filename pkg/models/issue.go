package models

import "time"

// IssueStatus represents the lifecycle state of an issue.
type IssueStatus string

const (
	// IssuePending indicates the issue is queued and not yet promoted.
	IssuePending IssueStatus = "pending"
	// IssueDuplicate indicates the issue matched an existing one on intake.
	IssueDuplicate IssueStatus = "duplicate"
	// IssueAccepted indicates a task has been created from this issue.
	IssueAccepted IssueStatus = "accepted"
	// IssueInProgress indicates the linked task is being worked on.
	IssueInProgress IssueStatus = "in_progress"
	// IssueComplete indicates the linked task completed.
	IssueComplete IssueStatus = "complete"
	// IssueWontFix indicates the issue was closed without work.
	IssueWontFix IssueStatus = "wont_fix"
)

// Valid returns true if the status is a known value.
func (s IssueStatus) Valid() bool {
	switch s {
	case IssuePending, IssueDuplicate, IssueAccepted, IssueInProgress,
		IssueComplete, IssueWontFix:
		return true
	default:
		return false
	}
}

// Priority orders issues for acceptance.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the sort rank of the priority; lower sorts first.
// Unknown priorities rank below low so they never jump the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// IssueSource identifies where an issue came from.
type IssueSource string

const (
	// SourceExternal is an issue reported by an outside collaborator.
	SourceExternal IssueSource = "external"
	// SourceGenerated is an issue discovered by the system itself.
	SourceGenerated IssueSource = "generated"
)

// Valid returns true if the source is a known value.
func (s IssueSource) Valid() bool {
	switch s {
	case SourceExternal, SourceGenerated:
		return true
	default:
		return false
	}
}

// Issue is a candidate unit of work not yet promoted to a task.
type Issue struct {
	// ID is a ULID, so lexicographic order is creation order.
	ID string `json:"id"`
	// Summary is the one-line description used for deduplication.
	Summary string `json:"summary"`
	// Details carries the full report.
	Details string `json:"details,omitempty"`
	// Category is the routing tag inherited by the promoted task.
	Category string `json:"category"`
	// Priority orders acceptance.
	Priority Priority `json:"priority"`
	// Source identifies the reporter.
	Source IssueSource `json:"source"`
	// Status is the current lifecycle state.
	Status IssueStatus `json:"status"`
	// LinkedTaskID is set atomically when the issue is accepted.
	LinkedTaskID string `json:"linked_task_id,omitempty"`
	// CreatedAt is when the issue was enqueued.
	CreatedAt time.Time `json:"created_at"`
}
