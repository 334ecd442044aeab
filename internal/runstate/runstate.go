// Package runstate owns run lifecycle bookkeeping: loop counters, the
// run-wide auto-retry budget, and deferred restart requests.
package runstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klowery/stagehand/internal/store"
	"github.com/klowery/stagehand/pkg/models"
)

// Controller funnels every run mutation through one place so there is no
// ad hoc shared run state. It is safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	runs     store.RunStore
	current  *models.Run
	retryCap int
}

// New creates a Controller. retryCap is the run-wide auto-retry budget;
// zero means the default.
func New(runs store.RunStore, retryCap int) *Controller {
	if retryCap <= 0 {
		retryCap = models.GlobalAutoRetryCap
	}
	return &Controller{runs: runs, retryCap: retryCap}
}

// Begin resumes the active run if one exists, otherwise starts a new one.
func (c *Controller) Begin() (*models.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, err := c.runs.GetActiveRun()
	if err != nil {
		return nil, fmt.Errorf("resume run: %w", err)
	}
	if run != nil {
		c.current = run
		return run, nil
	}
	return c.startLocked()
}

// startLocked creates and registers a fresh run. Assumes the lock is held.
func (c *Controller) startLocked() (*models.Run, error) {
	run := &models.Run{
		ID:        "run-" + uuid.New().String()[:8],
		Status:    models.RunActive,
		StartedAt: time.Now().UTC(),
	}
	if err := c.runs.CreateRun(run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	c.current = run
	return run, nil
}

// Current returns a copy of the run being driven, or nil before Begin.
func (c *Controller) Current() *models.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	run := *c.current
	return &run
}

// NextLoop advances the scheduling loop counter.
func (c *Controller) NextLoop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return fmt.Errorf("no active run")
	}
	if err := c.runs.IncrementLoopIndex(c.current.ID); err != nil {
		return err
	}
	c.current.LoopIndex++
	return nil
}

// GrantAutoRetry consumes one unit of the run-wide retry budget. Reports
// false once the cap is reached. The check and increment are atomic in
// the store so concurrent grants cannot overrun the cap.
func (c *Controller) GrantAutoRetry() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return false, fmt.Errorf("no active run")
	}
	granted, err := c.runs.GrantAutoRetry(c.current.ID, c.retryCap)
	if err != nil {
		return false, err
	}
	if granted {
		c.current.TotalAutoRetries++
	}
	return granted, nil
}

// QueueRestart records a restart request. The restart is never applied
// mid-loop; the dispatcher calls TakeRestart once in-flight tasks reach a
// terminal state.
func (c *Controller) QueueRestart(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return fmt.Errorf("no active run")
	}
	if err := c.runs.QueueRestart(c.current.ID, reason); err != nil {
		return err
	}
	c.current.RestartQueued = true
	c.current.RestartReason = reason
	return nil
}

// RestartQueued reports whether a deferred restart is waiting.
func (c *Controller) RestartQueued() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.RestartQueued
}

// TakeRestart applies a queued restart: the current run is archived as
// completed and a fresh run begins with a clean loop counter and retry
// budget. Returns the new run, or nil if no restart was queued. Callers
// must only invoke this with no tasks in flight.
func (c *Controller) TakeRestart() (*models.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || !c.current.RestartQueued {
		return nil, nil
	}
	if err := c.runs.ArchiveRun(c.current.ID, models.RunCompleted); err != nil {
		return nil, fmt.Errorf("archive run: %w", err)
	}
	return c.startLocked()
}

// Complete archives the run as completed. Archived runs are kept for audit.
func (c *Controller) Complete() error {
	return c.finish(models.RunCompleted)
}

// Abort archives the run as aborted.
func (c *Controller) Abort() error {
	return c.finish(models.RunAborted)
}

func (c *Controller) finish(status models.RunStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return fmt.Errorf("no active run")
	}
	if err := c.runs.ArchiveRun(c.current.ID, status); err != nil {
		return err
	}
	c.current = nil
	return nil
}

// Pause marks the run paused without archiving it. Begin resumes it.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return fmt.Errorf("no active run")
	}
	if err := c.runs.SetRunStatus(c.current.ID, models.RunPaused); err != nil {
		return err
	}
	c.current.Status = models.RunPaused
	return nil
}
