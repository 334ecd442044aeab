package store

import (
	"testing"

	"github.com/klowery/stagehand/pkg/models"
)

func TestMarkOrphanedTasks(t *testing.T) {
	db := openTestDB(t)

	orphan := newTask("t-orphan")
	signaled := newTask("t-signaled")
	idle := newTask("t-idle")
	for _, task := range []*models.Task{orphan, signaled, idle} {
		if err := db.PutTask(task); err != nil {
			t.Fatalf("put task: %v", err)
		}
	}
	mustTransition(t, db, "t-orphan", models.TaskStatusPending, models.TaskStatusInProgress)
	mustTransition(t, db, "t-signaled", models.TaskStatusPending, models.TaskStatusInProgress)

	failed, err := db.MarkOrphanedTasks(func(taskID string) bool {
		return taskID == "t-signaled"
	})
	if err != nil {
		t.Fatalf("mark orphaned: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t-orphan" {
		t.Fatalf("expected only t-orphan failed, got %+v", failed)
	}
	if failed[0].FailurePayload != OrphanedTimeoutPayload {
		t.Errorf("expected synthetic timeout payload, got %q", failed[0].FailurePayload)
	}

	got, err := db.GetTask("t-orphan")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskStatusFailed || got.FailurePayload != OrphanedTimeoutPayload {
		t.Errorf("expected failed task with timeout payload, got %+v", got)
	}

	// The signaled task is left in_progress for normal completion delivery.
	got, err = db.GetTask("t-signaled")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskStatusInProgress {
		t.Errorf("signaled task should stay in_progress, got %s", got.Status)
	}

	// Pending tasks are untouched.
	got, err = db.GetTask("t-idle")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("idle task should stay pending, got %s", got.Status)
	}
}
