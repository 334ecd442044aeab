package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klowery/stagehand/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTask(id string, deps ...string) *models.Task {
	return &models.Task{
		ID:         id,
		Title:      "Task " + id,
		Category:   "backend",
		Complexity: models.ComplexityNormal,
		Status:     models.TaskStatusPending,
		DependsOn:  deps,
		CreatedAt:  time.Now(),
	}
}

func TestPutGetTask(t *testing.T) {
	db := openTestDB(t)

	task := newTask("t-1")
	task.Payload = "implement the widget"
	task.OriginIssueID = "01ARZ"
	if err := db.PutTask(task); err != nil {
		t.Fatalf("put task: %v", err)
	}

	got, err := db.GetTask("t-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got == nil {
		t.Fatal("expected task, got nil")
	}
	if got.Title != "Task t-1" || got.Payload != "implement the widget" {
		t.Errorf("unexpected task fields: %+v", got)
	}
	if got.OriginIssueID != "01ARZ" {
		t.Errorf("expected origin issue 01ARZ, got %q", got.OriginIssueID)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	db := openTestDB(t)

	got, err := db.GetTask("missing")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing task, got %+v", got)
	}
}

func TestListReadyDependencySafety(t *testing.T) {
	db := openTestDB(t)

	for _, task := range []*models.Task{
		newTask("t-1"),
		newTask("t-2", "t-1"),
		newTask("t-3", "t-1", "t-2"),
	} {
		if err := db.PutTask(task); err != nil {
			t.Fatalf("put task: %v", err)
		}
	}

	ready, err := db.ListReady("")
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "t-1" {
		t.Fatalf("expected only t-1 ready, got %v", readyIDs(ready))
	}

	// Completing t-1 unlocks t-2 but not t-3.
	mustTransition(t, db, "t-1", models.TaskStatusPending, models.TaskStatusInProgress)
	mustTransition(t, db, "t-1", models.TaskStatusInProgress, models.TaskStatusCompleted)

	ready, err = db.ListReady("")
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "t-2" {
		t.Fatalf("expected only t-2 ready, got %v", readyIDs(ready))
	}

	// A failed dependency never satisfies readiness.
	mustTransition(t, db, "t-2", models.TaskStatusPending, models.TaskStatusInProgress)
	mustTransition(t, db, "t-2", models.TaskStatusInProgress, models.TaskStatusFailed)

	ready, err = db.ListReady("")
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("expected no ready tasks, got %v", readyIDs(ready))
	}
}

func TestListReadyCriticalOriginFirst(t *testing.T) {
	db := openTestDB(t)

	base := time.Now().Add(-time.Hour)
	early := newTask("t-early")
	early.CreatedAt = base
	if err := db.PutTask(early); err != nil {
		t.Fatalf("put task: %v", err)
	}

	iss := &models.Issue{
		ID:        "01CRITICAL",
		Summary:   "prod export broken",
		Category:  "backend",
		Priority:  models.PriorityCritical,
		Source:    models.SourceExternal,
		Status:    models.IssueAccepted,
		CreatedAt: base,
	}
	if err := db.CreateIssue(iss, "prod export broken"); err != nil {
		t.Fatalf("create issue: %v", err)
	}

	// Created after t-early, but its critical origin must dispatch first.
	crit := newTask("t-crit")
	crit.CreatedAt = base.Add(30 * time.Minute)
	crit.OriginIssueID = iss.ID
	if err := db.PutTask(crit); err != nil {
		t.Fatalf("put task: %v", err)
	}

	ready, err := db.ListReady("")
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready tasks, got %v", readyIDs(ready))
	}
	if ready[0].ID != "t-crit" || ready[1].ID != "t-early" {
		t.Fatalf("expected critical-origin task first, got %v", readyIDs(ready))
	}
}

func TestListReadyCategoryFilter(t *testing.T) {
	db := openTestDB(t)

	backend := newTask("t-1")
	verify := newTask("t-2")
	verify.Category = "testing"
	for _, task := range []*models.Task{backend, verify} {
		if err := db.PutTask(task); err != nil {
			t.Fatalf("put task: %v", err)
		}
	}

	ready, err := db.ListReady("testing")
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "t-2" {
		t.Fatalf("expected only t-2 for category testing, got %v", readyIDs(ready))
	}
}

func TestTransitionConflict(t *testing.T) {
	db := openTestDB(t)

	if err := db.PutTask(newTask("t-1")); err != nil {
		t.Fatalf("put task: %v", err)
	}

	ok, err := db.Transition("t-1", models.TaskStatusPending, models.TaskStatusInProgress)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !ok {
		t.Fatal("expected first transition to succeed")
	}

	// Second attempt from the stale status is a conflict, not an error.
	ok, err = db.Transition("t-1", models.TaskStatusPending, models.TaskStatusInProgress)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatal("expected conflict on second transition")
	}
}

func TestTransitionAtomicUnderRace(t *testing.T) {
	db := openTestDB(t)

	if err := db.PutTask(newTask("t-1")); err != nil {
		t.Fatalf("put task: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.Transition("t-1", models.TaskStatusPending, models.TaskStatusInProgress)
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("expected exactly 1 winning transition, got %d", won)
	}
}

func TestBlockTask(t *testing.T) {
	db := openTestDB(t)

	if err := db.PutTask(newTask("t-1")); err != nil {
		t.Fatalf("put task: %v", err)
	}

	ok, err := db.BlockTask("t-1", "dependency_failed:t-0")
	if err != nil {
		t.Fatalf("block task: %v", err)
	}
	if !ok {
		t.Fatal("expected block to succeed on pending task")
	}

	got, err := db.GetTask("t-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskStatusBlocked {
		t.Errorf("expected blocked, got %s", got.Status)
	}
	if got.BlockedReason != "dependency_failed:t-0" {
		t.Errorf("unexpected blocked reason %q", got.BlockedReason)
	}

	// Blocking a non-pending task is a no-op.
	ok, err = db.BlockTask("t-1", "again")
	if err != nil {
		t.Fatalf("block task: %v", err)
	}
	if ok {
		t.Error("expected repeat block to be a no-op")
	}
}

func TestDependents(t *testing.T) {
	db := openTestDB(t)

	for _, task := range []*models.Task{
		newTask("t-1"),
		newTask("t-2", "t-1"),
		newTask("t-3", "t-1"),
		newTask("t-4", "t-2"),
	} {
		if err := db.PutTask(task); err != nil {
			t.Fatalf("put task: %v", err)
		}
	}

	deps, err := db.Dependents("t-1")
	if err != nil {
		t.Fatalf("dependents: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("expected 2 dependents of t-1, got %v", deps)
	}
}

func mustTransition(t *testing.T, db *DB, id string, from, to models.TaskStatus) {
	t.Helper()
	ok, err := db.Transition(id, from, to)
	if err != nil {
		t.Fatalf("transition %s %s->%s: %v", id, from, to, err)
	}
	if !ok {
		t.Fatalf("transition %s %s->%s conflicted", id, from, to)
	}
}

func readyIDs(tasks []models.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
