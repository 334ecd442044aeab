// Package breaker decides whether failed tasks are automatically
// resubmitted. It is the only component allowed to move a task from
// failed back to pending.
package breaker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/klowery/stagehand/internal/store"
	"github.com/klowery/stagehand/pkg/models"
)

// Decision is the breaker's verdict for a single failure.
type Decision string

const (
	// DecisionResubmitted means the task was re-queued for another attempt.
	DecisionResubmitted Decision = "resubmitted"
	// DecisionHalted means the same failure repeated too many times and
	// automatic retries are stopped until an operator resets the record.
	DecisionHalted Decision = "halted"
	// DecisionRetriesExhausted means the task used its per-issue retry
	// allowance across varied failures.
	DecisionRetriesExhausted Decision = "retries_exhausted"
	// DecisionGlobalCapReached means the run-wide auto-retry budget is
	// spent, independent of this task's own counters.
	DecisionGlobalCapReached Decision = "global_cap_reached"
	// DecisionNotEligible means the task does not trace back to an
	// auto-retry-eligible issue and is surfaced to the operator as-is.
	DecisionNotEligible Decision = "not_eligible"
)

// Describe returns the operator-facing explanation for a decision.
func (d Decision) Describe() string {
	switch d {
	case DecisionResubmitted:
		return "re-queued for another attempt"
	case DecisionHalted:
		return "exhausted, same error repeating"
	case DecisionRetriesExhausted:
		return "exhausted, retries used"
	case DecisionGlobalCapReached:
		return "global cap reached"
	case DecisionNotEligible:
		return "not eligible for automatic retry"
	default:
		return string(d)
	}
}

// Result carries the decision plus the retry record it was based on, for
// operator status output. Record is nil for ineligible tasks.
type Result struct {
	Decision Decision
	Record   *models.RetryRecord
}

// Budget grants one unit of the run-wide auto-retry allowance. It reports
// false once the budget is spent.
type Budget interface {
	GrantAutoRetry() (bool, error)
}

// Breaker evaluates task failures against three independent limits: the
// per-issue retry count for varied attempts, the signature repeat count
// for identical attempts, and the run-wide budget for runaway protection.
type Breaker struct {
	tasks      store.TaskStore
	records    store.RetryStore
	budget     Budget
	maxRetries int
}

// New creates a Breaker. maxRetries is the per-issue allowance applied to
// new retry records; zero means the default.
func New(tasks store.TaskStore, records store.RetryStore, budget Budget, maxRetries int) *Breaker {
	return &Breaker{
		tasks:      tasks,
		records:    records,
		budget:     budget,
		maxRetries: maxRetries,
	}
}

// Evaluate processes one failed task and either re-queues it or reports
// why it stays failed. The caller must have already transitioned the task
// to failed and recorded its failure payload.
func (b *Breaker) Evaluate(task *models.Task) (*Result, error) {
	if !task.Retryable() {
		return &Result{Decision: DecisionNotEligible}, nil
	}

	key := task.RetryKey()
	rec, err := b.records.GetRetryRecord(key)
	if err != nil {
		return nil, fmt.Errorf("load retry record: %w", err)
	}
	if rec == nil {
		rec = &models.RetryRecord{Key: key, MaxRetries: b.maxRetries}
	}

	sig := Signature(task.FailurePayload)
	if sig == rec.FailureSignature {
		rec.SignatureRepeats++
	} else {
		if rec.FailureSignature != "" {
			rec.PreviousSignatures = append(rec.PreviousSignatures, rec.FailureSignature)
		}
		rec.FailureSignature = sig
		rec.SignatureRepeats = 1
	}

	// Halted is monotonic. A halted record never resubmits, even if a
	// later failure carries a fresh signature.
	if rec.Halted || rec.SignatureRepeats >= models.SignatureRepeatCap {
		rec.Halted = true
		if err := b.records.SaveRetryRecord(rec); err != nil {
			return nil, fmt.Errorf("save retry record: %w", err)
		}
		return &Result{Decision: DecisionHalted, Record: rec}, nil
	}

	if rec.RetryCount >= rec.RetryLimit() {
		if err := b.records.SaveRetryRecord(rec); err != nil {
			return nil, fmt.Errorf("save retry record: %w", err)
		}
		return &Result{Decision: DecisionRetriesExhausted, Record: rec}, nil
	}

	granted, err := b.budget.GrantAutoRetry()
	if err != nil {
		return nil, fmt.Errorf("grant auto retry: %w", err)
	}
	if !granted {
		if err := b.records.SaveRetryRecord(rec); err != nil {
			return nil, fmt.Errorf("save retry record: %w", err)
		}
		return &Result{Decision: DecisionGlobalCapReached, Record: rec}, nil
	}

	rec.RetryCount++
	if err := b.records.SaveRetryRecord(rec); err != nil {
		return nil, fmt.Errorf("save retry record: %w", err)
	}

	// The breaker is the sole failed-to-pending transitioner, so this
	// compare-and-swap only loses if an operator moved the task first.
	// The grant stands either way.
	if _, err := b.tasks.Transition(task.ID, models.TaskStatusFailed, models.TaskStatusPending); err != nil {
		return nil, fmt.Errorf("requeue task %s: %w", task.ID, err)
	}
	return &Result{Decision: DecisionResubmitted, Record: rec}, nil
}

// Reset clears a halted or exhausted retry record so automatic retries
// can resume. Returns false if no record exists for the key.
func (b *Breaker) Reset(key string) (bool, error) {
	return b.records.ResetRetryRecord(key)
}

// Signature computes a stable content hash over normalized failure text.
// Normalization lowercases and collapses whitespace so cosmetic
// differences in worker output do not register as new failure modes.
func Signature(failurePayload string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(failurePayload)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
