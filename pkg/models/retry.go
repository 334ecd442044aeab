package models

import "time"

const (
	// DefaultMaxRetries caps attempts with a different approach per record.
	DefaultMaxRetries = 10
	// SignatureRepeatCap is the number of consecutive identical failures
	// after which a record halts.
	SignatureRepeatCap = 3
	// GlobalAutoRetryCap caps auto-retries across an entire run.
	GlobalAutoRetryCap = 15
)

// RetryRecord tracks the circuit-breaker state for one issue (or, for
// directly authored retryable tasks, one task).
type RetryRecord struct {
	// Key is the issue or task ID this record governs.
	Key string `json:"key"`
	// RetryCount is the number of attempts with a different approach.
	RetryCount int `json:"retry_count"`
	// MaxRetries caps RetryCount; zero means DefaultMaxRetries.
	MaxRetries int `json:"max_retries,omitempty"`
	// FailureSignature is the hash of the most recent failure output.
	FailureSignature string `json:"failure_signature,omitempty"`
	// PreviousSignatures is the append-only history of prior signatures.
	PreviousSignatures []string `json:"previous_signatures,omitempty"`
	// SignatureRepeats counts consecutive occurrences of the current
	// signature. Resets to 1 when the signature changes, never decreases
	// otherwise.
	SignatureRepeats int `json:"signature_repeats"`
	// Halted is set once SignatureRepeats reaches the cap. Monotonic:
	// only a manual reset clears it.
	Halted bool `json:"halted"`
	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// RetryLimit returns the effective retry cap for this record.
func (r *RetryRecord) RetryLimit() int {
	if r.MaxRetries > 0 {
		return r.MaxRetries
	}
	return DefaultMaxRetries
}
