package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/klowery/stagehand/pkg/models"
)

const runColumns = `id, loop_index, total_auto_retries, restart_queued, restart_reason,
	status, started_at, archived_at`

// CreateRun inserts a new run row.
func (db *DB) CreateRun(r *models.Run) error {
	restartQueued := 0
	if r.RestartQueued {
		restartQueued = 1
	}
	_, err := db.Exec(`
		INSERT INTO runs (id, loop_index, total_auto_retries, restart_queued, restart_reason,
			status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.LoopIndex, r.TotalAutoRetries, restartQueued, r.RestartReason,
		string(r.Status), formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil if not found.
func (db *DB) GetRun(id string) (*models.Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// GetActiveRun returns the current active or paused run, if any.
func (db *DB) GetActiveRun() (*models.Run, error) {
	row := db.QueryRow(`
		SELECT `+runColumns+` FROM runs
		WHERE status IN (?, ?) ORDER BY started_at DESC LIMIT 1
	`, string(models.RunActive), string(models.RunPaused))
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active run: %w", err)
	}
	return r, nil
}

// ListRuns lists all runs, newest first.
func (db *DB) ListRuns() ([]models.Run, error) {
	rows, err := db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// IncrementLoopIndex bumps the run's loop counter by one.
func (db *DB) IncrementLoopIndex(id string) error {
	_, err := db.Exec(`UPDATE runs SET loop_index = loop_index + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment loop index: %w", err)
	}
	return nil
}

// GrantAutoRetry increments the run's global auto-retry counter only if it
// is still under the cap. Returns false when the budget is spent. The
// conditional UPDATE keeps the check-and-increment atomic.
func (db *DB) GrantAutoRetry(id string, cap int) (bool, error) {
	res, err := db.Exec(`
		UPDATE runs SET total_auto_retries = total_auto_retries + 1
		WHERE id = ? AND total_auto_retries < ?
	`, id, cap)
	if err != nil {
		return false, fmt.Errorf("grant auto retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// QueueRestart records a deferred restart request on the run.
func (db *DB) QueueRestart(id, reason string) error {
	_, err := db.Exec(`
		UPDATE runs SET restart_queued = 1, restart_reason = ? WHERE id = ?
	`, reason, id)
	if err != nil {
		return fmt.Errorf("queue restart: %w", err)
	}
	return nil
}

// SetRunStatus moves the run to the given lifecycle state.
func (db *DB) SetRunStatus(id string, status models.RunStatus) error {
	_, err := db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	return nil
}

// ArchiveRun stamps the run's archive time and final status. Archived runs
// are kept for audit, never deleted.
func (db *DB) ArchiveRun(id string, status models.RunStatus) error {
	_, err := db.Exec(`
		UPDATE runs SET status = ?, archived_at = ? WHERE id = ?
	`, string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("archive run: %w", err)
	}
	return nil
}

func scanRun(row rowScanner) (*models.Run, error) {
	var r models.Run
	var restartQueued int
	var restartReason sql.NullString
	var startedAt string
	var archivedAt sql.NullString

	err := row.Scan(&r.ID, &r.LoopIndex, &r.TotalAutoRetries, &restartQueued, &restartReason,
		(*string)(&r.Status), &startedAt, &archivedAt)
	if err != nil {
		return nil, err
	}

	r.RestartQueued = restartQueued != 0
	if restartReason.Valid {
		r.RestartReason = restartReason.String
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.ArchivedAt = parseNullableTime(archivedAt)
	return &r, nil
}
