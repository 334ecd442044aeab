// Package intake accepts reported issues, deduplicates them, and
// promotes the highest-priority ones into tasks.
package intake

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/klowery/stagehand/internal/store"
	"github.com/klowery/stagehand/pkg/models"
)

// Service is the sole writer of issue status up to accepted. After
// promotion, the linked task's lifecycle belongs to the dispatcher and
// the circuit breaker.
type Service struct {
	issues store.IssueStore
	// notify wakes the dispatcher when a critical issue arrives so it is
	// considered in the next scheduling cycle instead of the next batch.
	notify func()
}

// New creates an intake service. notify may be nil.
func New(issues store.IssueStore, notify func()) *Service {
	return &Service{issues: issues, notify: notify}
}

// Report is an incoming issue before it has an identity.
type Report struct {
	Summary  string
	Details  string
	Category string
	Priority models.Priority
	Source   models.IssueSource
}

// Enqueue records a reported issue. If a live issue (pending or accepted)
// already has the same normalized summary, the new one is stored as a
// duplicate instead of joining the queue. Returns the stored issue.
func (s *Service) Enqueue(rep Report) (*models.Issue, error) {
	summary := strings.TrimSpace(rep.Summary)
	if summary == "" {
		return nil, fmt.Errorf("issue summary is required")
	}
	priority := rep.Priority
	if !priority.Valid() {
		priority = models.PriorityMedium
	}
	source := rep.Source
	if !source.Valid() {
		source = models.SourceExternal
	}

	normalized := NormalizeSummary(summary)
	existing, err := s.issues.FindLiveIssueBySummary(normalized)
	if err != nil {
		return nil, fmt.Errorf("dedupe lookup: %w", err)
	}

	iss := &models.Issue{
		ID:        ulid.Make().String(),
		Summary:   summary,
		Details:   rep.Details,
		Category:  rep.Category,
		Priority:  priority,
		Source:    source,
		Status:    models.IssuePending,
		CreatedAt: time.Now().UTC(),
	}
	if existing != nil {
		iss.Status = models.IssueDuplicate
	}

	if err := s.issues.CreateIssue(iss, normalized); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}

	if iss.Status == models.IssuePending && iss.Priority == models.PriorityCritical && s.notify != nil {
		s.notify()
	}
	return iss, nil
}

// Promote accepts up to max pending issues in priority order (ties broken
// by creation time) and creates one task per issue in the same
// transaction. Critical issues bypass the batch limit so an urgent report
// never waits behind a full batch.
func (s *Service) Promote(max int) ([]models.Issue, error) {
	if max <= 0 {
		return nil, nil
	}

	pendingStatus := models.IssuePending
	pending, err := s.issues.ListIssues(&pendingStatus)
	if err != nil {
		return nil, fmt.Errorf("list pending issues: %w", err)
	}
	critical := 0
	for _, iss := range pending {
		if iss.Priority == models.PriorityCritical {
			critical++
		}
	}
	if critical > max {
		max = critical
	}

	accepted, err := s.issues.AcceptIssues(max, taskForIssue)
	if err != nil {
		return nil, fmt.Errorf("accept issues: %w", err)
	}
	return accepted, nil
}

// MarkOutcome records the terminal state of an issue's linked task.
func (s *Service) MarkOutcome(issueID string, status models.IssueStatus) error {
	return s.issues.UpdateIssueStatus(issueID, status)
}

// taskForIssue builds the task created when an issue is accepted. The
// task inherits the issue's category and carries the issue details as
// its payload; the origin link makes it auto-retry eligible.
func taskForIssue(iss *models.Issue) (*models.Task, error) {
	return &models.Task{
		ID:            "task-" + uuid.New().String()[:8],
		Title:         iss.Summary,
		Payload:       iss.Details,
		Category:      iss.Category,
		Complexity:    models.ComplexityNormal,
		Status:        models.TaskStatusPending,
		OriginIssueID: iss.ID,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// NormalizeSummary lowercases and collapses whitespace so trivially
// reworded reports of the same problem deduplicate.
func NormalizeSummary(summary string) string {
	return strings.Join(strings.Fields(strings.ToLower(summary)), " ")
}
