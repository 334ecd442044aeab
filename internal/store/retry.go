package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klowery/stagehand/pkg/models"
)

// GetRetryRecord retrieves the retry record for a key. Returns nil if the
// key has never failed.
func (db *DB) GetRetryRecord(key string) (*models.RetryRecord, error) {
	row := db.QueryRow(`
		SELECT key, retry_count, max_retries, failure_signature, previous_signatures,
			signature_repeats, halted, updated_at
		FROM retry_records WHERE key = ?
	`, key)

	var r models.RetryRecord
	var signature, previous sql.NullString
	var halted int
	var updatedAt string
	err := row.Scan(&r.Key, &r.RetryCount, &r.MaxRetries, &signature, &previous,
		&r.SignatureRepeats, &halted, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get retry record: %w", err)
	}

	if signature.Valid {
		r.FailureSignature = signature.String
	}
	if previous.Valid {
		json.Unmarshal([]byte(previous.String), &r.PreviousSignatures)
	}
	r.Halted = halted != 0
	r.UpdatedAt, _ = parseTime(updatedAt)
	return &r, nil
}

// SaveRetryRecord upserts a retry record. Only the circuit breaker writes
// retry records.
func (db *DB) SaveRetryRecord(r *models.RetryRecord) error {
	previous, _ := json.Marshal(r.PreviousSignatures)
	halted := 0
	if r.Halted {
		halted = 1
	}
	r.UpdatedAt = time.Now()

	_, err := db.Exec(`
		INSERT INTO retry_records (key, retry_count, max_retries, failure_signature,
			previous_signatures, signature_repeats, halted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			failure_signature = excluded.failure_signature,
			previous_signatures = excluded.previous_signatures,
			signature_repeats = excluded.signature_repeats,
			halted = excluded.halted,
			updated_at = excluded.updated_at
	`, r.Key, r.RetryCount, r.MaxRetries, r.FailureSignature, string(previous),
		r.SignatureRepeats, halted, formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save retry record: %w", err)
	}
	return nil
}

// ResetRetryRecord clears the halted flag and repeat counter for a key.
// This is the deliberate manual reset; it keeps the signature history.
// Returns false if no record exists for the key.
func (db *DB) ResetRetryRecord(key string) (bool, error) {
	res, err := db.Exec(`
		UPDATE retry_records SET halted = 0, signature_repeats = 0, retry_count = 0,
			failure_signature = '', updated_at = ?
		WHERE key = ?
	`, formatTime(time.Now()), key)
	if err != nil {
		return false, fmt.Errorf("reset retry record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListHaltedRecords returns all halted retry records.
func (db *DB) ListHaltedRecords() ([]models.RetryRecord, error) {
	rows, err := db.Query(`
		SELECT key, retry_count, max_retries, failure_signature, previous_signatures,
			signature_repeats, halted, updated_at
		FROM retry_records WHERE halted = 1 ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list halted records: %w", err)
	}
	defer rows.Close()

	var records []models.RetryRecord
	for rows.Next() {
		var r models.RetryRecord
		var signature, previous sql.NullString
		var halted int
		var updatedAt string
		if err := rows.Scan(&r.Key, &r.RetryCount, &r.MaxRetries, &signature, &previous,
			&r.SignatureRepeats, &halted, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan retry record: %w", err)
		}
		if signature.Valid {
			r.FailureSignature = signature.String
		}
		if previous.Valid {
			json.Unmarshal([]byte(previous.String), &r.PreviousSignatures)
		}
		r.Halted = halted != 0
		r.UpdatedAt, _ = parseTime(updatedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}
