// Package store provides SQLite-based durable state for stagehand.
package store

import (
	"io"

	"github.com/klowery/stagehand/pkg/models"
)

// TaskStore handles task persistence. The dispatcher is the sole runtime
// writer of task status; all status changes go through Transition.
type TaskStore interface {
	PutTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	ListTasks(status *models.TaskStatus) ([]models.Task, error)
	ListReady(category string) ([]models.Task, error)
	Transition(id string, from, to models.TaskStatus) (bool, error)
	SetFailurePayload(id, payload string) error
	SetPool(id, poolID string) error
	BlockTask(id, reason string) (bool, error)
	Dependents(id string) ([]string, error)
	CountTasks() (map[models.TaskStatus]int, error)
}

// IssueStore handles issue intake persistence.
type IssueStore interface {
	CreateIssue(iss *models.Issue, normalizedSummary string) error
	GetIssue(id string) (*models.Issue, error)
	FindLiveIssueBySummary(normalized string) (*models.Issue, error)
	ListIssues(status *models.IssueStatus) ([]models.Issue, error)
	AcceptIssues(max int, makeTask func(iss *models.Issue) (*models.Task, error)) ([]models.Issue, error)
	UpdateIssueStatus(id string, status models.IssueStatus) error
	CountIssues() (map[models.IssueStatus]int, error)
}

// RetryStore handles retry-record persistence. Only the circuit breaker
// writes retry records.
type RetryStore interface {
	GetRetryRecord(key string) (*models.RetryRecord, error)
	SaveRetryRecord(r *models.RetryRecord) error
	ResetRetryRecord(key string) (bool, error)
	ListHaltedRecords() ([]models.RetryRecord, error)
}

// RunStore handles run bookkeeping persistence.
type RunStore interface {
	CreateRun(r *models.Run) error
	GetRun(id string) (*models.Run, error)
	GetActiveRun() (*models.Run, error)
	ListRuns() ([]models.Run, error)
	IncrementLoopIndex(id string) error
	GrantAutoRetry(id string, cap int) (bool, error)
	QueueRestart(id, reason string) error
	SetRunStatus(id string, status models.RunStatus) error
	ArchiveRun(id string, status models.RunStatus) error
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is the full persistence surface the coordinator wires together.
// It composes focused sub-interfaces so components depend only on what
// they use.
type Store interface {
	io.Closer
	Migrator
	TaskStore
	IssueStore
	RetryStore
	RunStore
	MarkOrphanedTasks(signaled func(taskID string) bool) ([]models.Task, error)
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store      = (*DB)(nil)
	_ Migrator   = (*DB)(nil)
	_ TaskStore  = (*DB)(nil)
	_ IssueStore = (*DB)(nil)
	_ RetryStore = (*DB)(nil)
	_ RunStore   = (*DB)(nil)
)
