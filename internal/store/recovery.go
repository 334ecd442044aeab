package store

import (
	"fmt"

	"github.com/klowery/stagehand/pkg/models"
)

// OrphanedTimeoutPayload is the synthetic failure payload recorded for
// tasks found in_progress on startup with no completion signal. The
// circuit breaker treats it like any other failure output.
const OrphanedTimeoutPayload = "worker timeout"

// MarkOrphanedTasks finds tasks left in_progress by a previous coordinator
// process and fails them with a synthetic timeout payload, unless a
// completion signal for the task is already present (signaled reports
// that). Returns the tasks that were failed so the caller can run them
// through the circuit breaker before the first scheduling cycle.
func (db *DB) MarkOrphanedTasks(signaled func(taskID string) bool) ([]models.Task, error) {
	status := models.TaskStatusInProgress
	inProgress, err := db.ListTasks(&status)
	if err != nil {
		return nil, err
	}

	var orphaned []models.Task
	for _, t := range inProgress {
		if signaled != nil && signaled(t.ID) {
			// A marker exists; the dispatcher will consume it normally.
			continue
		}

		ok, err := db.Transition(t.ID, models.TaskStatusInProgress, models.TaskStatusFailed)
		if err != nil {
			return nil, fmt.Errorf("fail orphaned task %s: %w", t.ID, err)
		}
		if !ok {
			continue
		}
		if err := db.SetFailurePayload(t.ID, OrphanedTimeoutPayload); err != nil {
			return nil, err
		}

		t.Status = models.TaskStatusFailed
		t.FailurePayload = OrphanedTimeoutPayload
		orphaned = append(orphaned, t)
	}

	return orphaned, nil
}
