package breaker

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/klowery/stagehand/internal/store"
	"github.com/klowery/stagehand/pkg/models"
)

// fakeBudget grants a fixed number of auto-retries.
type fakeBudget struct {
	remaining int
	granted   int
}

func (b *fakeBudget) GrantAutoRetry() (bool, error) {
	if b.remaining <= 0 {
		return false, nil
	}
	b.remaining--
	b.granted++
	return true, nil
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// failTask inserts a task originating from an issue and drives it to
// failed with the given payload.
func failTask(t *testing.T, db *store.DB, id, payload string) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:            id,
		Title:         "fix " + id,
		Category:      "backend",
		Complexity:    models.ComplexityNormal,
		Status:        models.TaskStatusPending,
		OriginIssueID: "iss-" + id,
	}
	if err := db.PutTask(task); err != nil {
		t.Fatalf("put task: %v", err)
	}
	refail(t, db, task, payload)
	return task
}

// refail moves an existing task back through in_progress to failed.
func refail(t *testing.T, db *store.DB, task *models.Task, payload string) {
	t.Helper()
	if ok, err := db.Transition(task.ID, models.TaskStatusPending, models.TaskStatusInProgress); err != nil || !ok {
		t.Fatalf("transition to in_progress: ok=%v err=%v", ok, err)
	}
	if ok, err := db.Transition(task.ID, models.TaskStatusInProgress, models.TaskStatusFailed); err != nil || !ok {
		t.Fatalf("transition to failed: ok=%v err=%v", ok, err)
	}
	if err := db.SetFailurePayload(task.ID, payload); err != nil {
		t.Fatalf("set failure payload: %v", err)
	}
	task.Status = models.TaskStatusFailed
	task.FailurePayload = payload
}

func mustEvaluate(t *testing.T, b *Breaker, task *models.Task) *Result {
	t.Helper()
	res, err := b.Evaluate(task)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return res
}

func TestEvaluateResubmitsOnFreshFailure(t *testing.T) {
	db := openTestDB(t)
	budget := &fakeBudget{remaining: models.GlobalAutoRetryCap}
	b := New(db, db, budget, 0)

	task := failTask(t, db, "t1", "compile error in handler.go")
	res := mustEvaluate(t, b, task)
	if res.Decision != DecisionResubmitted {
		t.Fatalf("expected resubmit, got %s", res.Decision)
	}
	if res.Record.RetryCount != 1 || res.Record.SignatureRepeats != 1 {
		t.Errorf("unexpected record: %+v", res.Record)
	}

	got, err := db.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("expected re-queued task, got status %s", got.Status)
	}
}

func TestEvaluateHaltsOnRepeatedSignature(t *testing.T) {
	db := openTestDB(t)
	budget := &fakeBudget{remaining: models.GlobalAutoRetryCap}
	b := New(db, db, budget, 0)

	task := failTask(t, db, "t1", "test TestLogin failed: timeout")
	for attempt := 1; attempt < models.SignatureRepeatCap; attempt++ {
		res := mustEvaluate(t, b, task)
		if res.Decision != DecisionResubmitted {
			t.Fatalf("attempt %d: expected resubmit, got %s", attempt, res.Decision)
		}
		refail(t, db, task, "test TestLogin failed: timeout")
	}

	res := mustEvaluate(t, b, task)
	if res.Decision != DecisionHalted {
		t.Fatalf("expected halt on repeat %d, got %s", models.SignatureRepeatCap, res.Decision)
	}
	if !res.Record.Halted {
		t.Error("record not marked halted")
	}

	got, err := db.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskStatusFailed {
		t.Errorf("halted task must stay failed, got %s", got.Status)
	}
}

func TestEvaluateHaltIsMonotonic(t *testing.T) {
	db := openTestDB(t)
	budget := &fakeBudget{remaining: models.GlobalAutoRetryCap}
	b := New(db, db, budget, 0)

	task := failTask(t, db, "t1", "same error")
	for i := 0; i < models.SignatureRepeatCap; i++ {
		mustEvaluate(t, b, task)
		if i < models.SignatureRepeatCap-1 {
			refail(t, db, task, "same error")
		}
	}

	// A brand-new signature does not un-halt the record.
	task.FailurePayload = "completely different error"
	res := mustEvaluate(t, b, task)
	if res.Decision != DecisionHalted {
		t.Fatalf("expected halted to stick, got %s", res.Decision)
	}
}

func TestEvaluateSignatureResetOnNewFailure(t *testing.T) {
	db := openTestDB(t)
	budget := &fakeBudget{remaining: models.GlobalAutoRetryCap}
	b := New(db, db, budget, 0)

	task := failTask(t, db, "t1", "error A")
	mustEvaluate(t, b, task)
	refail(t, db, task, "error A")
	res := mustEvaluate(t, b, task)
	if res.Record.SignatureRepeats != 2 {
		t.Fatalf("expected 2 repeats, got %d", res.Record.SignatureRepeats)
	}

	refail(t, db, task, "error B")
	res = mustEvaluate(t, b, task)
	if res.Decision != DecisionResubmitted {
		t.Fatalf("expected resubmit after new signature, got %s", res.Decision)
	}
	if res.Record.SignatureRepeats != 1 {
		t.Errorf("expected repeat count reset to 1, got %d", res.Record.SignatureRepeats)
	}
	if len(res.Record.PreviousSignatures) != 1 {
		t.Errorf("expected old signature archived, got %v", res.Record.PreviousSignatures)
	}
}

func TestEvaluateRetriesExhausted(t *testing.T) {
	db := openTestDB(t)
	budget := &fakeBudget{remaining: 1000}
	b := New(db, db, budget, 3)

	task := failTask(t, db, "t1", "error 0")
	for attempt := 0; attempt < 3; attempt++ {
		res := mustEvaluate(t, b, task)
		if res.Decision != DecisionResubmitted {
			t.Fatalf("attempt %d: expected resubmit, got %s", attempt, res.Decision)
		}
		// Vary the payload so the signature cap never triggers.
		refail(t, db, task, fmt.Sprintf("error %d", attempt+1))
	}

	res := mustEvaluate(t, b, task)
	if res.Decision != DecisionRetriesExhausted {
		t.Fatalf("expected retries exhausted, got %s", res.Decision)
	}
}

func TestEvaluateGlobalCapReached(t *testing.T) {
	db := openTestDB(t)
	budget := &fakeBudget{remaining: 2}
	b := New(db, db, budget, 0)

	t1 := failTask(t, db, "t1", "error one")
	t2 := failTask(t, db, "t2", "error two")
	t3 := failTask(t, db, "t3", "error three")

	if res := mustEvaluate(t, b, t1); res.Decision != DecisionResubmitted {
		t.Fatalf("t1: got %s", res.Decision)
	}
	if res := mustEvaluate(t, b, t2); res.Decision != DecisionResubmitted {
		t.Fatalf("t2: got %s", res.Decision)
	}
	res := mustEvaluate(t, b, t3)
	if res.Decision != DecisionGlobalCapReached {
		t.Fatalf("expected global cap, got %s", res.Decision)
	}
	if res.Record.RetryCount != 0 {
		t.Errorf("global cap must not consume the task's own budget, got %d", res.Record.RetryCount)
	}
}

func TestEvaluateNotEligible(t *testing.T) {
	db := openTestDB(t)
	budget := &fakeBudget{remaining: models.GlobalAutoRetryCap}
	b := New(db, db, budget, 0)

	task := failTask(t, db, "t1", "boom")
	task.OriginIssueID = ""
	res := mustEvaluate(t, b, task)
	if res.Decision != DecisionNotEligible {
		t.Fatalf("expected not eligible, got %s", res.Decision)
	}
	if budget.granted != 0 {
		t.Errorf("ineligible task must not touch the budget")
	}

	got, err := db.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskStatusFailed {
		t.Errorf("ineligible task must stay failed, got %s", got.Status)
	}
}

func TestResetRestoresAutoRetry(t *testing.T) {
	db := openTestDB(t)
	budget := &fakeBudget{remaining: models.GlobalAutoRetryCap}
	b := New(db, db, budget, 0)

	task := failTask(t, db, "t1", "stuck error")
	for i := 0; i < models.SignatureRepeatCap; i++ {
		mustEvaluate(t, b, task)
		if i < models.SignatureRepeatCap-1 {
			refail(t, db, task, "stuck error")
		}
	}

	ok, err := b.Reset(task.RetryKey())
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !ok {
		t.Fatal("expected reset to find the record")
	}

	res := mustEvaluate(t, b, task)
	if res.Decision != DecisionResubmitted {
		t.Fatalf("expected resubmit after reset, got %s", res.Decision)
	}
}

func TestSignatureNormalization(t *testing.T) {
	a := Signature("Error: Timeout  waiting\nfor worker")
	b := Signature("error: timeout waiting for worker")
	if a != b {
		t.Error("expected whitespace and case differences to hash identically")
	}
	if a == Signature("different error") {
		t.Error("distinct payloads must hash differently")
	}
}
