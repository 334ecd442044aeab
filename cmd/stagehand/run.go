package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/klowery/stagehand/internal/breaker"
	"github.com/klowery/stagehand/internal/config"
	"github.com/klowery/stagehand/internal/dispatch"
	"github.com/klowery/stagehand/internal/intake"
	"github.com/klowery/stagehand/internal/router"
	"github.com/klowery/stagehand/internal/runstate"
	"github.com/klowery/stagehand/internal/store"
	"github.com/klowery/stagehand/internal/worker"
)

var runDebug bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduling loop until the queue drains",
	Long: `Start the coordinator. Pending issues are promoted to tasks, ready
tasks are dispatched to worker pools, and the loop blocks on completion
signals until nothing is ready, in flight, or queued.

Tasks left in_progress by a previous coordinator are recovered first:
if their completion signal is on disk it is delivered normally, otherwise
they fail with a synthetic "worker timeout" and go through the circuit
breaker like any other failure.

Interrupting with Ctrl-C aborts the run; state is persisted and a later
run resumes where this one left off.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "Write a scheduling loop debug log")
}

func runRun(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.OpenProject(cwd)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	stateDir := filepath.Join(cwd, ".stagehand")
	signalDir := filepath.Join(stateDir, "signals")
	logsDir := filepath.Join(stateDir, "logs")

	watcher, err := worker.NewSignalWatcher(signalDir)
	if err != nil {
		return fmt.Errorf("watch signals: %w", err)
	}

	runs := runstate.New(db, cfg.Retry.GlobalCap)
	if _, err := runs.Begin(); err != nil {
		return err
	}
	br := breaker.New(db, db, runs, cfg.Retry.MaxRetries)

	// Recover tasks orphaned by a previous coordinator before the first
	// scheduling cycle. Tasks whose signal survived on disk are settled
	// by the watcher's startup scan instead.
	orphaned, err := db.MarkOrphanedTasks(watcher.HasSignal)
	if err != nil {
		return fmt.Errorf("recover orphaned tasks: %w", err)
	}
	for i := range orphaned {
		res, err := br.Evaluate(&orphaned[i])
		if err != nil {
			return err
		}
		fmt.Printf("%s recovered task %s: %s\n",
			color.YellowString("↻"), orphaned[i].ID, res.Decision.Describe())
	}

	var logger *dispatch.DebugLogger
	if runDebug || cfg.Logging.Debug {
		logger, err = dispatch.NewDebugLogger(filepath.Join(logsDir, "dispatcher-debug.log"))
		if err != nil {
			return err
		}
		defer logger.Close()
	}

	starter := worker.NewExecStarter(cfg.PoolCommands(), cfg.Worker.Command, signalDir, logsDir)

	// The intake service kicks the dispatcher on critical issues; the
	// dispatcher promotes through the same service.
	var disp *dispatch.Dispatcher
	svc := intake.New(db, func() {
		if disp != nil {
			disp.Kick()
		}
	})
	disp = dispatch.New(db, svc, router.NewWithTable(cfg.Routing), br, runs, starter,
		watcher.Completions(), dispatch.Options{
			Pools:     cfg.PoolLimits(),
			BatchSize: cfg.Scheduler.BatchSize,
			Timeouts:  cfg.Timeouts.Map(),
			Listener:  printEvent,
			Logger:    logger,
			Acker:     watcher,
		})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := watcher.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer cancel()
		err := disp.Run(gctx)
		if errors.Is(err, context.Canceled) {
			fmt.Printf("\n%s run aborted, state saved\n", color.YellowString("⚠"))
			return runs.Abort()
		}
		if err != nil {
			return err
		}
		return runs.Complete()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("%s queue drained\n", color.GreenString("✓"))
	return nil
}

// printEvent renders dispatcher progress for the operator.
func printEvent(e dispatch.Event) {
	switch e.Type {
	case dispatch.EventIssuePromoted:
		fmt.Printf("%s issue %s accepted as task %s: %s\n",
			color.CyanString("+"), e.IssueID, e.TaskID, e.Message)
	case dispatch.EventTaskDispatched:
		fmt.Printf("%s task %s dispatched to pool %s\n",
			color.BlueString("▶"), e.TaskID, e.PoolID)
	case dispatch.EventTaskCompleted:
		fmt.Printf("%s task %s completed\n", color.GreenString("✓"), e.TaskID)
	case dispatch.EventTaskFailed:
		fmt.Printf("%s task %s failed: %s\n", color.RedString("✗"), e.TaskID, e.Message)
	case dispatch.EventTaskRequeued:
		fmt.Printf("%s task %s re-queued for retry\n", color.YellowString("↻"), e.TaskID)
	case dispatch.EventRetryStopped:
		fmt.Printf("%s task %s: %s\n", color.RedString("⏹"), e.TaskID, e.Message)
	case dispatch.EventTaskBlocked:
		fmt.Printf("%s task %s blocked: %s\n", color.YellowString("⊘"), e.TaskID, e.Message)
	case dispatch.EventRunRestarted:
		fmt.Printf("%s %s\n", color.CyanString("⟳"), e.Message)
	}
}
