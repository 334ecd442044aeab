package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/klowery/stagehand/pkg/models"
)

const issueColumns = `id, summary, normalized_summary, details, category, priority,
	source, status, linked_task_id, created_at`

// CreateIssue inserts a new issue row.
func (db *DB) CreateIssue(iss *models.Issue, normalizedSummary string) error {
	_, err := db.Exec(`
		INSERT INTO issues (id, summary, normalized_summary, details, category, priority,
			source, status, linked_task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, iss.ID, iss.Summary, normalizedSummary, iss.Details, iss.Category, string(iss.Priority),
		string(iss.Source), string(iss.Status), iss.LinkedTaskID, formatTime(iss.CreatedAt))
	if err != nil {
		return fmt.Errorf("create issue: %w", err)
	}
	return nil
}

// GetIssue retrieves an issue by ID. Returns nil if not found.
func (db *DB) GetIssue(id string) (*models.Issue, error) {
	row := db.QueryRow(`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	iss, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return iss, nil
}

// FindLiveIssueBySummary returns a pending or accepted issue with the given
// normalized summary, or nil. Used for intake deduplication.
func (db *DB) FindLiveIssueBySummary(normalized string) (*models.Issue, error) {
	row := db.QueryRow(`
		SELECT `+issueColumns+` FROM issues
		WHERE normalized_summary = ? AND status IN (?, ?)
		ORDER BY id LIMIT 1
	`, normalized, string(models.IssuePending), string(models.IssueAccepted))
	iss, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find issue by summary: %w", err)
	}
	return iss, nil
}

// ListIssues lists all issues, optionally filtered by status, ordered by
// priority rank then creation (ULIDs sort by creation time).
func (db *DB) ListIssues(status *models.IssueStatus) ([]models.Issue, error) {
	var rows *sql.Rows
	var err error

	const order = `ORDER BY CASE priority
		WHEN 'critical' THEN 0
		WHEN 'high' THEN 1
		WHEN 'medium' THEN 2
		WHEN 'low' THEN 3
		ELSE 4 END, id`

	if status != nil {
		rows, err = db.Query(`
			SELECT `+issueColumns+` FROM issues WHERE status = ? `+order,
			string(*status))
	} else {
		rows, err = db.Query(`SELECT ` + issueColumns + ` FROM issues ` + order)
	}
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	return scanIssues(rows)
}

// AcceptIssues marks up to max pending issues accepted, highest priority
// first with creation-order tie-breaking, creating each issue's task in the
// same transaction via makeTask. If any task creation fails the whole batch
// rolls back and every issue stays pending.
func (db *DB) AcceptIssues(max int, makeTask func(iss *models.Issue) (*models.Task, error)) ([]models.Issue, error) {
	if max <= 0 {
		return nil, nil
	}

	pending := models.IssuePending
	candidates, err := db.ListIssues(&pending)
	if err != nil {
		return nil, err
	}
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var accepted []models.Issue
	err = db.Transaction(func(tx *sql.Tx) error {
		accepted = accepted[:0]
		for i := range candidates {
			iss := candidates[i]

			task, err := makeTask(&iss)
			if err != nil {
				return fmt.Errorf("create task for issue %s: %w", iss.ID, err)
			}

			res, err := tx.Exec(`
				UPDATE issues SET status = ?, linked_task_id = ?
				WHERE id = ? AND status = ?
			`, string(models.IssueAccepted), task.ID, iss.ID, string(models.IssuePending))
			if err != nil {
				return fmt.Errorf("accept issue %s: %w", iss.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n != 1 {
				// Raced with another accept; skip, the issue is no
				// longer pending.
				continue
			}

			if err := insertTaskTx(tx, task); err != nil {
				return err
			}

			iss.Status = models.IssueAccepted
			iss.LinkedTaskID = task.ID
			accepted = append(accepted, iss)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return accepted, nil
}

// UpdateIssueStatus moves an issue to the given status.
func (db *DB) UpdateIssueStatus(id string, status models.IssueStatus) error {
	_, err := db.Exec(`UPDATE issues SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update issue status: %w", err)
	}
	return nil
}

// CountIssues returns the number of issues in each status.
func (db *DB) CountIssues() (map[models.IssueStatus]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM issues GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count issues: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.IssueStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.IssueStatus(status)] = n
	}
	return counts, nil
}

// insertTaskTx inserts a task inside an open transaction.
func insertTaskTx(tx *sql.Tx, t *models.Task) error {
	dependsOn, _ := json.Marshal(t.DependsOn)

	_, err := tx.Exec(`
		INSERT INTO tasks (id, title, payload, category, complexity, status, depends_on,
			origin_issue_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Payload, t.Category, string(t.Complexity), string(t.Status), string(dependsOn),
		t.OriginIssueID, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func scanIssue(row rowScanner) (*models.Issue, error) {
	var iss models.Issue
	var createdAt string
	var normalized string
	var details, linkedTask sql.NullString

	err := row.Scan(&iss.ID, &iss.Summary, &normalized, &details, &iss.Category,
		(*string)(&iss.Priority), (*string)(&iss.Source), (*string)(&iss.Status),
		&linkedTask, &createdAt)
	if err != nil {
		return nil, err
	}

	if details.Valid {
		iss.Details = details.String
	}
	if linkedTask.Valid {
		iss.LinkedTaskID = linkedTask.String
	}
	iss.CreatedAt, _ = parseTime(createdAt)
	return &iss, nil
}

func scanIssues(rows *sql.Rows) ([]models.Issue, error) {
	var issues []models.Issue
	for rows.Next() {
		iss, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, *iss)
	}
	return issues, rows.Err()
}
