package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/klowery/stagehand/internal/breaker"
	"github.com/klowery/stagehand/internal/intake"
	"github.com/klowery/stagehand/internal/router"
	"github.com/klowery/stagehand/internal/runstate"
	"github.com/klowery/stagehand/internal/store"
	"github.com/klowery/stagehand/internal/worker"
	"github.com/klowery/stagehand/pkg/models"
)

// DefaultPoolLimit applies to pools without a configured concurrency limit.
const DefaultPoolLimit = 2

// DefaultWaitTimeout applies to tiers without a configured wait timeout.
const DefaultWaitTimeout = 10 * time.Minute

// Options tunes the scheduling loop.
type Options struct {
	// Pools maps pool ID to its concurrency limit.
	Pools map[string]int
	// BatchSize is how many issues are promoted per cycle. Critical
	// issues bypass it.
	BatchSize int
	// Timeouts maps a tier to how long the dispatcher waits for a
	// completion signal before treating the worker as crashed.
	Timeouts map[models.Tier]time.Duration
	// Listener receives progress events. May be nil.
	Listener Listener
	// Logger receives debug output. May be nil.
	Logger *DebugLogger
	// Acker acknowledges consumed completion signals so a later attempt
	// of the same task can signal again. May be nil.
	Acker Acker
}

// Acker clears a consumed completion signal.
type Acker interface {
	Ack(taskID string)
}

// Dispatcher drives dispatch decisions from a single control loop.
// Worker execution is concurrent and out-of-process; the loop suspends
// on completion signals rather than polling.
type Dispatcher struct {
	store    store.Store
	intake   *intake.Service
	router   *router.Router
	breaker  *breaker.Breaker
	runs     *runstate.Controller
	starter  worker.Starter
	signals  <-chan worker.Completion
	timeouts chan worker.Completion
	kickCh   chan struct{}

	opts     Options
	logger   *DebugLogger
	listener Listener

	// inflight is touched only by the Run goroutine.
	inflight map[string]*inflightTask
}

// inflightTask tracks one dispatched task awaiting its completion signal.
type inflightTask struct {
	poolID     string
	cancelWait context.CancelFunc
}

// New creates a Dispatcher. signals is the completion stream from the
// signal watcher.
func New(st store.Store, in *intake.Service, rt *router.Router, br *breaker.Breaker,
	runs *runstate.Controller, starter worker.Starter,
	signals <-chan worker.Completion, opts Options) *Dispatcher {

	if opts.BatchSize <= 0 {
		opts.BatchSize = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = NopLogger()
	}
	listener := opts.Listener
	if listener == nil {
		listener = func(Event) {}
	}
	return &Dispatcher{
		store:    st,
		intake:   in,
		router:   rt,
		breaker:  br,
		runs:     runs,
		starter:  starter,
		signals:  signals,
		timeouts: make(chan worker.Completion, 16),
		kickCh:   make(chan struct{}, 1),
		opts:     opts,
		logger:   logger,
		listener: listener,
		inflight: make(map[string]*inflightTask),
	}
}

// Kick wakes the loop for an out-of-band scheduling cycle, e.g. when a
// critical issue arrives. Never blocks.
func (d *Dispatcher) Kick() {
	select {
	case d.kickCh <- struct{}{}:
	default:
	}
}

// Run executes scheduling cycles until the work is exhausted or ctx is
// canceled. Each cycle promotes pending issues, dispatches ready tasks,
// and then blocks on the next completion signal or kick.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.runs.Begin(); err != nil {
		return err
	}

	for {
		// Restarts are deferred until nothing is in flight so a
		// dependency graph is never torn down mid-execution.
		if len(d.inflight) == 0 && d.runs.RestartQueued() {
			reason := ""
			if cur := d.runs.Current(); cur != nil {
				reason = cur.RestartReason
			}
			if _, err := d.runs.TakeRestart(); err != nil {
				return err
			}
			d.emit(Event{Type: EventRunRestarted, Message: "restart applied: " + reason})
		}

		promoted, err := d.promote()
		if err != nil {
			return err
		}

		dispatched, failedStarts, ready, err := d.scheduleReady(ctx)
		if err != nil {
			return err
		}
		d.logger.Log("[run] cycle: promoted=%d dispatched=%d failed_starts=%d ready=%d inflight=%d",
			promoted, dispatched, failedStarts, ready, len(d.inflight))

		if len(d.inflight) == 0 && promoted == 0 && ready == 0 && dispatched == 0 {
			queued, err := d.pendingIssues()
			if err != nil {
				return err
			}
			counts, err := d.store.CountTasks()
			if err != nil {
				return err
			}
			// Tasks recovered in_progress with a signal on disk are not
			// in the inflight map; the startup scan settles them.
			if queued == 0 && counts[models.TaskStatusInProgress] == 0 {
				d.emit(Event{Type: EventRunDone})
				d.logger.Log("[run] exiting: nothing ready, in flight, or queued")
				return nil
			}
		}

		if promoted > 0 || dispatched > 0 || failedStarts > 0 {
			// New tasks may already be ready, and the breaker may have
			// re-queued a task whose worker never started; take another
			// pass before blocking.
			if err := d.runs.NextLoop(); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			d.cancelInflight()
			return ctx.Err()
		case comp := <-d.signals:
			if err := d.handleCompletion(comp); err != nil {
				return err
			}
		case comp := <-d.timeouts:
			if err := d.handleCompletion(comp); err != nil {
				return err
			}
		case <-d.kickCh:
			d.logger.Log("[run] kicked")
		}

		if err := d.runs.NextLoop(); err != nil {
			return err
		}
	}
}

// promote accepts the next batch of pending issues as tasks.
func (d *Dispatcher) promote() (int, error) {
	accepted, err := d.intake.Promote(d.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, iss := range accepted {
		d.logger.Log("[promote] issue %s -> task %s (%s)", iss.ID, iss.LinkedTaskID, iss.Priority)
		d.emit(Event{Type: EventIssuePromoted, IssueID: iss.ID, TaskID: iss.LinkedTaskID, Message: iss.Summary})
	}
	return len(accepted), nil
}

// scheduleReady dispatches ready tasks up to each pool's free slots.
// Returns how many workers started, how many failed to start, and how
// many tasks were ready.
func (d *Dispatcher) scheduleReady(ctx context.Context) (dispatched, failedStarts, ready int, err error) {
	tasks, err := d.store.ListReady("")
	if err != nil {
		return 0, 0, 0, err
	}
	ready = len(tasks)
	if ready == 0 {
		return 0, 0, 0, nil
	}

	active := make(map[string]int)
	for _, inf := range d.inflight {
		active[inf.poolID]++
	}

	// Group by routed pool, preserving ready order (priority then FIFO).
	byPool := make(map[string][]models.Task)
	var poolOrder []string
	assignments := make(map[string]router.Assignment)
	for _, t := range tasks {
		asn := d.router.Route(t.Category, t.Complexity)
		if _, seen := byPool[asn.PoolID]; !seen {
			poolOrder = append(poolOrder, asn.PoolID)
		}
		byPool[asn.PoolID] = append(byPool[asn.PoolID], t)
		assignments[t.ID] = asn
	}

	for _, poolID := range poolOrder {
		slots := d.poolLimit(poolID) - active[poolID]
		if slots <= 0 {
			d.logger.Log("[schedule] pool %s full, skipping", poolID)
			continue
		}
		for _, t := range byPool[poolID] {
			if slots <= 0 {
				break
			}
			res, err := d.dispatch(ctx, t, assignments[t.ID])
			if err != nil {
				return dispatched, failedStarts, ready, err
			}
			switch res {
			case startLaunched:
				dispatched++
				slots--
			case startFailed:
				failedStarts++
			}
		}
	}
	return dispatched, failedStarts, ready, nil
}

// startResult reports what dispatch did with one ready task.
type startResult int

const (
	// startSkipped means the task lost its transition race this cycle.
	startSkipped startResult = iota
	// startLaunched means a worker is running and occupies a pool slot.
	startLaunched
	// startFailed means the worker never started; the task went through
	// the failure path and holds no slot.
	startFailed
)

// dispatch moves one task to in_progress and starts its worker. A
// transition conflict is not an error; the task is simply skipped.
func (d *Dispatcher) dispatch(ctx context.Context, t models.Task, asn router.Assignment) (startResult, error) {
	won, err := d.store.Transition(t.ID, models.TaskStatusPending, models.TaskStatusInProgress)
	if err != nil {
		return startSkipped, err
	}
	if !won {
		d.logger.Log("[dispatch] task %s: lost transition race, skipping", t.ID)
		return startSkipped, nil
	}
	if err := d.store.SetPool(t.ID, asn.PoolID); err != nil {
		return startSkipped, err
	}

	if err := d.starter.Start(ctx, &t, asn.PoolID); err != nil {
		// A worker that never started is a failure like any other.
		d.logger.Log("[dispatch] task %s: worker start failed: %v", t.ID, err)
		if err := d.failTask(t.ID, fmt.Sprintf("worker start failed: %v", err)); err != nil {
			return startFailed, err
		}
		return startFailed, nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	d.inflight[t.ID] = &inflightTask{poolID: asn.PoolID, cancelWait: cancel}
	d.watchTimeout(waitCtx, t.ID, d.waitTimeout(asn.Tier))

	if t.OriginIssueID != "" {
		if err := d.intake.MarkOutcome(t.OriginIssueID, models.IssueInProgress); err != nil {
			return startLaunched, err
		}
	}
	d.emit(Event{Type: EventTaskDispatched, TaskID: t.ID, PoolID: asn.PoolID, Message: t.Title})
	return startLaunched, nil
}

// watchTimeout arms the single blocking wait for a task's completion. If
// no signal arrives in time, a synthetic failure is injected so the
// circuit breaker still sees a hashable payload.
func (d *Dispatcher) watchTimeout(ctx context.Context, taskID string, timeout time.Duration) {
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			comp := worker.Completion{
				TaskID:  taskID,
				Outcome: worker.OutcomeFailed,
				Payload: store.OrphanedTimeoutPayload,
			}
			select {
			case d.timeouts <- comp:
			case <-ctx.Done():
			}
		}
	}()
}

// handleCompletion settles one completion. Tasks not in the inflight map
// are settled against the store anyway: the startup scan delivers signals
// for work that finished while the coordinator was down. Stale signals
// for tasks already in a terminal state lose the status compare-and-swap
// and fall away.
func (d *Dispatcher) handleCompletion(comp worker.Completion) error {
	poolID := ""
	if inf, ok := d.inflight[comp.TaskID]; ok {
		delete(d.inflight, comp.TaskID)
		inf.cancelWait()
		poolID = inf.poolID
	} else {
		d.logger.Log("[complete] task %s: not in flight, settling against store", comp.TaskID)
	}
	// The signal is consumed either way; a retried attempt of the same
	// task must be able to signal under the same name.
	defer d.ack(comp.TaskID)

	if comp.Outcome == worker.OutcomeCompleted {
		won, err := d.store.Transition(comp.TaskID, models.TaskStatusInProgress, models.TaskStatusCompleted)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		t, err := d.store.GetTask(comp.TaskID)
		if err != nil {
			return err
		}
		if t != nil && t.OriginIssueID != "" {
			if err := d.intake.MarkOutcome(t.OriginIssueID, models.IssueComplete); err != nil {
				return err
			}
		}
		d.emit(Event{Type: EventTaskCompleted, TaskID: comp.TaskID, PoolID: poolID})
		return nil
	}

	return d.failTask(comp.TaskID, comp.Payload)
}

func (d *Dispatcher) ack(taskID string) {
	if d.opts.Acker != nil {
		d.opts.Acker.Ack(taskID)
	}
}

// failTask records a failure and hands the task to the circuit breaker.
// The dispatcher never re-dispatches a failed task on its own authority.
func (d *Dispatcher) failTask(taskID, payload string) error {
	won, err := d.store.Transition(taskID, models.TaskStatusInProgress, models.TaskStatusFailed)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if err := d.store.SetFailurePayload(taskID, payload); err != nil {
		return err
	}
	d.emit(Event{Type: EventTaskFailed, TaskID: taskID, Message: payload})

	t, err := d.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}

	res, err := d.breaker.Evaluate(t)
	if err != nil {
		return err
	}
	d.logger.Log("[fail] task %s: breaker decision %s", taskID, res.Decision)

	if res.Decision == breaker.DecisionResubmitted {
		d.emit(Event{Type: EventTaskRequeued, TaskID: taskID})
		return nil
	}

	d.emit(Event{Type: EventRetryStopped, TaskID: taskID, Message: res.Decision.Describe()})
	return d.blockDependents(taskID)
}

// blockDependents marks everything downstream of a terminally failed
// task as blocked, so operators see stuck work instead of a silent stall.
func (d *Dispatcher) blockDependents(taskID string) error {
	seen := map[string]bool{taskID: true}
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		deps, err := d.store.Dependents(id)
		if err != nil {
			return err
		}
		for _, depID := range deps {
			if seen[depID] {
				continue
			}
			seen[depID] = true
			blocked, err := d.store.BlockTask(depID, "dependency "+taskID+" failed")
			if err != nil {
				return err
			}
			if blocked {
				d.emit(Event{Type: EventTaskBlocked, TaskID: depID, Message: "dependency " + taskID + " failed"})
			}
			queue = append(queue, depID)
		}
	}
	return nil
}

// pendingIssues counts issues still waiting for promotion.
func (d *Dispatcher) pendingIssues() (int, error) {
	counts, err := d.store.CountIssues()
	if err != nil {
		return 0, err
	}
	return counts[models.IssuePending], nil
}

func (d *Dispatcher) poolLimit(poolID string) int {
	if limit, ok := d.opts.Pools[poolID]; ok && limit > 0 {
		return limit
	}
	return DefaultPoolLimit
}

func (d *Dispatcher) waitTimeout(tier models.Tier) time.Duration {
	if timeout, ok := d.opts.Timeouts[tier]; ok && timeout > 0 {
		return timeout
	}
	return DefaultWaitTimeout
}

func (d *Dispatcher) cancelInflight() {
	for _, inf := range d.inflight {
		inf.cancelWait()
	}
}

func (d *Dispatcher) emit(e Event) {
	e.Timestamp = time.Now()
	d.listener(e)
}
