package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/klowery/stagehand/pkg/models"
)

func newIssue(summary string, priority models.Priority) *models.Issue {
	return &models.Issue{
		ID:        ulid.Make().String(),
		Summary:   summary,
		Category:  "backend",
		Priority:  priority,
		Source:    models.SourceExternal,
		Status:    models.IssuePending,
		CreatedAt: time.Now(),
	}
}

func TestFindLiveIssueBySummary(t *testing.T) {
	db := openTestDB(t)

	iss := newIssue("Add CSRF protection", models.PriorityHigh)
	if err := db.CreateIssue(iss, "add csrf protection"); err != nil {
		t.Fatalf("create issue: %v", err)
	}

	found, err := db.FindLiveIssueBySummary("add csrf protection")
	if err != nil {
		t.Fatalf("find issue: %v", err)
	}
	if found == nil || found.ID != iss.ID {
		t.Fatalf("expected issue %s, got %+v", iss.ID, found)
	}

	// wont_fix issues are not dedupe targets.
	if err := db.UpdateIssueStatus(iss.ID, models.IssueWontFix); err != nil {
		t.Fatalf("update status: %v", err)
	}
	found, err = db.FindLiveIssueBySummary("add csrf protection")
	if err != nil {
		t.Fatalf("find issue: %v", err)
	}
	if found != nil {
		t.Errorf("expected no live issue, got %+v", found)
	}
}

func TestAcceptIssuesPriorityOrder(t *testing.T) {
	db := openTestDB(t)

	low := newIssue("low task", models.PriorityLow)
	med := newIssue("medium task", models.PriorityMedium)
	crit := newIssue("critical task", models.PriorityCritical)
	// Critical enqueued last; priority still beats creation order.
	for i, iss := range []*models.Issue{low, med, crit} {
		if err := db.CreateIssue(iss, fmt.Sprintf("summary %d", i)); err != nil {
			t.Fatalf("create issue: %v", err)
		}
	}

	accepted, err := db.AcceptIssues(2, func(iss *models.Issue) (*models.Task, error) {
		return &models.Task{
			ID:            "task-for-" + iss.ID,
			Title:         iss.Summary,
			Category:      iss.Category,
			Complexity:    models.ComplexityNormal,
			Status:        models.TaskStatusPending,
			OriginIssueID: iss.ID,
			CreatedAt:     time.Now(),
		}, nil
	})
	if err != nil {
		t.Fatalf("accept issues: %v", err)
	}

	if len(accepted) != 2 {
		t.Fatalf("expected 2 accepted issues, got %d", len(accepted))
	}
	if accepted[0].ID != crit.ID {
		t.Errorf("expected critical issue first, got %s", accepted[0].Summary)
	}
	if accepted[1].ID != med.ID {
		t.Errorf("expected medium issue second, got %s", accepted[1].Summary)
	}

	// Each accepted issue has a linked task, created in the same transaction.
	for _, iss := range accepted {
		got, err := db.GetIssue(iss.ID)
		if err != nil {
			t.Fatalf("get issue: %v", err)
		}
		if got.Status != models.IssueAccepted {
			t.Errorf("expected accepted, got %s", got.Status)
		}
		if got.LinkedTaskID == "" {
			t.Error("expected linked task id to be set")
		}
		task, err := db.GetTask(got.LinkedTaskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task == nil {
			t.Fatalf("expected task %s to exist", got.LinkedTaskID)
		}
		if task.OriginIssueID != iss.ID {
			t.Errorf("expected task origin %s, got %s", iss.ID, task.OriginIssueID)
		}
	}

	// The low-priority issue is untouched.
	got, err := db.GetIssue(low.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Status != models.IssuePending {
		t.Errorf("expected low issue to stay pending, got %s", got.Status)
	}
}

func TestAcceptIssuesFIFOTieBreak(t *testing.T) {
	db := openTestDB(t)

	first := newIssue("first", models.PriorityMedium)
	second := newIssue("second", models.PriorityMedium)
	for i, iss := range []*models.Issue{first, second} {
		if err := db.CreateIssue(iss, fmt.Sprintf("tie %d", i)); err != nil {
			t.Fatalf("create issue: %v", err)
		}
	}

	accepted, err := db.AcceptIssues(1, promoteStub)
	if err != nil {
		t.Fatalf("accept issues: %v", err)
	}
	if len(accepted) != 1 || accepted[0].ID != first.ID {
		t.Fatalf("expected earliest issue first, got %+v", accepted)
	}
}

func TestAcceptIssuesRollbackOnTaskFailure(t *testing.T) {
	db := openTestDB(t)

	iss := newIssue("doomed", models.PriorityHigh)
	if err := db.CreateIssue(iss, "doomed"); err != nil {
		t.Fatalf("create issue: %v", err)
	}

	wantErr := errors.New("task creation refused")
	_, err := db.AcceptIssues(1, func(*models.Issue) (*models.Task, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected task creation error, got %v", err)
	}

	// Compensation: the issue reverts to pending, never silently accepted.
	got, err := db.GetIssue(iss.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Status != models.IssuePending {
		t.Errorf("expected issue to stay pending after rollback, got %s", got.Status)
	}
	if got.LinkedTaskID != "" {
		t.Errorf("expected no linked task after rollback, got %s", got.LinkedTaskID)
	}
}

func promoteStub(iss *models.Issue) (*models.Task, error) {
	return &models.Task{
		ID:            "task-for-" + iss.ID,
		Title:         iss.Summary,
		Category:      iss.Category,
		Complexity:    models.ComplexityNormal,
		Status:        models.TaskStatusPending,
		OriginIssueID: iss.ID,
		CreatedAt:     time.Now(),
	}, nil
}
