package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klowery/stagehand/pkg/models"
)

const taskColumns = `id, title, payload, category, complexity, status, depends_on,
	origin_issue_id, pool_id, blocked_reason, failure_payload, created_at, started_at, completed_at`

const taskColumnsPrefixed = `t.id, t.title, t.payload, t.category, t.complexity, t.status, t.depends_on,
	t.origin_issue_id, t.pool_id, t.blocked_reason, t.failure_payload, t.created_at, t.started_at, t.completed_at`

// PutTask inserts a task, or replaces its mutable fields if it exists.
func (db *DB) PutTask(t *models.Task) error {
	dependsOn, _ := json.Marshal(t.DependsOn)
	var startedAt, completedAt *string
	if t.StartedAt != nil {
		s := formatTime(*t.StartedAt)
		startedAt = &s
	}
	if t.CompletedAt != nil {
		s := formatTime(*t.CompletedAt)
		completedAt = &s
	}

	_, err := db.Exec(`
		INSERT INTO tasks (id, title, payload, category, complexity, status, depends_on,
			origin_issue_id, pool_id, blocked_reason, failure_payload, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			payload = excluded.payload,
			category = excluded.category,
			complexity = excluded.complexity,
			depends_on = excluded.depends_on,
			pool_id = excluded.pool_id,
			blocked_reason = excluded.blocked_reason,
			failure_payload = excluded.failure_payload,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, t.ID, t.Title, t.Payload, t.Category, string(t.Complexity), string(t.Status), string(dependsOn),
		t.OriginIssueID, t.PoolID, t.BlockedReason, t.FailurePayload, formatTime(t.CreatedAt), startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns nil if not found.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks lists all tasks, optionally filtered by status, in creation order.
func (db *DB) ListTasks(status *models.TaskStatus) ([]models.Task, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`
			SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at, id
		`, string(*status))
	} else {
		rows, err = db.Query(`
			SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at, id
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListReady returns pending tasks whose dependencies are all completed,
// optionally restricted to one category. Tasks promoted from critical
// issues come first; within a priority, creation order holds. Tasks with
// no origin issue rank with the default (medium) priority.
func (db *DB) ListReady(category string) ([]models.Task, error) {
	rows, err := db.Query(`
		SELECT `+taskColumnsPrefixed+` FROM tasks t
		LEFT JOIN issues i ON i.id = t.origin_issue_id
		WHERE t.status = ?
		ORDER BY CASE i.priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'low' THEN 3
			ELSE 2 END, t.created_at, t.id
	`, string(models.TaskStatusPending))
	if err != nil {
		return nil, fmt.Errorf("list ready: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	// Readiness needs the dependency statuses; one pass over all task
	// statuses beats a query per dependency.
	statuses, err := db.taskStatuses()
	if err != nil {
		return nil, err
	}

	var ready []models.Task
	for _, t := range tasks {
		if category != "" && t.Category != category {
			continue
		}

		allDone := true
		for _, depID := range t.DependsOn {
			if statuses[depID] != models.TaskStatusCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, t)
		}
	}

	return ready, nil
}

// Transition atomically moves a task from one status to another.
// Returns false (no error) when the task is not in the expected status;
// callers skip the task this cycle and re-query next cycle.
func (db *DB) Transition(id string, from, to models.TaskStatus) (bool, error) {
	now := formatTime(time.Now())

	var res sql.Result
	var err error
	switch to {
	case models.TaskStatusInProgress:
		res, err = db.Exec(`
			UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?
		`, string(to), now, id, string(from))
	case models.TaskStatusCompleted:
		res, err = db.Exec(`
			UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND status = ?
		`, string(to), now, id, string(from))
	default:
		res, err = db.Exec(`
			UPDATE tasks SET status = ? WHERE id = ? AND status = ?
		`, string(to), id, string(from))
	}
	if err != nil {
		return false, fmt.Errorf("transition task %s %s->%s: %w", id, from, to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// SetFailurePayload records the most recent failure output for a task.
func (db *DB) SetFailurePayload(id, payload string) error {
	_, err := db.Exec(`UPDATE tasks SET failure_payload = ? WHERE id = ?`, payload, id)
	if err != nil {
		return fmt.Errorf("set failure payload: %w", err)
	}
	return nil
}

// SetPool records the pool a task was dispatched to.
func (db *DB) SetPool(id, poolID string) error {
	_, err := db.Exec(`UPDATE tasks SET pool_id = ? WHERE id = ?`, poolID, id)
	if err != nil {
		return fmt.Errorf("set pool: %w", err)
	}
	return nil
}

// BlockTask marks a pending task blocked with a reason. Used when a
// dependency fails terminally.
func (db *DB) BlockTask(id, reason string) (bool, error) {
	res, err := db.Exec(`
		UPDATE tasks SET status = ?, blocked_reason = ? WHERE id = ? AND status = ?
	`, string(models.TaskStatusBlocked), reason, id, string(models.TaskStatusPending))
	if err != nil {
		return false, fmt.Errorf("block task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Dependents returns the IDs of tasks that list the given task as a
// dependency.
func (db *DB) Dependents(id string) ([]string, error) {
	tasks, err := db.ListTasks(nil)
	if err != nil {
		return nil, err
	}

	var dependents []string
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if dep == id {
				dependents = append(dependents, t.ID)
				break
			}
		}
	}
	return dependents, nil
}

// CountTasks returns the number of tasks in each status.
func (db *DB) CountTasks() (map[models.TaskStatus]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, nil
}

// taskStatuses returns a map of task ID to current status.
func (db *DB) taskStatuses() (map[string]models.TaskStatus, error) {
	rows, err := db.Query(`SELECT id, status FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("task statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]models.TaskStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		statuses[id] = models.TaskStatus(status)
	}
	return statuses, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for task scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var createdAt string
	var payload, dependsOn, originIssue, poolID, blockedReason, failurePayload sql.NullString
	var startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &t.Title, &payload, &t.Category, (*string)(&t.Complexity), (*string)(&t.Status),
		&dependsOn, &originIssue, &poolID, &blockedReason, &failurePayload, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		t.Payload = payload.String
	}
	if dependsOn.Valid {
		json.Unmarshal([]byte(dependsOn.String), &t.DependsOn)
	}
	if originIssue.Valid {
		t.OriginIssueID = originIssue.String
	}
	if poolID.Valid {
		t.PoolID = poolID.String
	}
	if blockedReason.Valid {
		t.BlockedReason = blockedReason.String
	}
	if failurePayload.Valid {
		t.FailurePayload = failurePayload.String
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
