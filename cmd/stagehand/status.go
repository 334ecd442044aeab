package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/klowery/stagehand/internal/store"
	"github.com/klowery/stagehand/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run, task, and issue state",
	Long: `Display the current orchestration state.

Shows:
  - The active run, its loop count, and retry budget
  - Task counts by status and tasks in flight
  - Queued issues by priority
  - Retry records halted by repeating failures`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := store.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No state found. Run 'stagehand run' to start.")
		return nil
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	if err := displayRun(db); err != nil {
		return err
	}
	if err := displayTasks(db); err != nil {
		return err
	}
	if err := displayIssues(db); err != nil {
		return err
	}
	return displayHalted(db)
}

func displayRun(db *store.DB) error {
	run, err := db.GetActiveRun()
	if err != nil {
		return err
	}
	if run == nil {
		runs, err := db.ListRuns()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs yet.")
			return nil
		}
		last := runs[0]
		fmt.Printf("Last run: %s (%s, %d loops, %d auto-retries)\n",
			last.ID, last.Status, last.LoopIndex, last.TotalAutoRetries)
		return nil
	}

	fmt.Printf("Current run: %s\n", color.CyanString(run.ID))
	fmt.Printf("  Started: %s ago\n", formatDuration(time.Since(run.StartedAt)))
	fmt.Printf("  Status: %s\n", run.Status)
	fmt.Printf("  Loop: %d\n", run.LoopIndex)
	fmt.Printf("  Auto-retries used: %d / %d\n", run.TotalAutoRetries, models.GlobalAutoRetryCap)
	if run.RestartQueued {
		fmt.Printf("  %s restart queued: %s\n", color.YellowString("⟳"), run.RestartReason)
	}
	return nil
}

func displayTasks(db *store.DB) error {
	counts, err := db.CountTasks()
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		fmt.Println("\nNo tasks.")
		return nil
	}

	fmt.Printf("\nTasks (%d):\n", total)
	order := []struct {
		status models.TaskStatus
		paint  func(format string, a ...interface{}) string
	}{
		{models.TaskStatusInProgress, color.BlueString},
		{models.TaskStatusPending, color.WhiteString},
		{models.TaskStatusCompleted, color.GreenString},
		{models.TaskStatusFailed, color.RedString},
		{models.TaskStatusBlocked, color.YellowString},
	}
	for _, row := range order {
		if n := counts[row.status]; n > 0 {
			fmt.Printf("  %s: %d\n", row.paint(string(row.status)), n)
		}
	}

	inProgress := models.TaskStatusInProgress
	active, err := db.ListTasks(&inProgress)
	if err != nil {
		return err
	}
	for _, t := range active {
		elapsed := ""
		if t.StartedAt != nil {
			elapsed = " (" + formatDuration(time.Since(*t.StartedAt)) + ")"
		}
		fmt.Printf("  %s %s [%s]%s %s\n",
			color.BlueString("▶"), t.ID, t.PoolID, elapsed, t.Title)
	}
	return nil
}

func displayIssues(db *store.DB) error {
	pending := models.IssuePending
	queued, err := db.ListIssues(&pending)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}

	fmt.Printf("\nQueued issues (%d):\n", len(queued))
	for _, iss := range queued {
		paint := color.WhiteString
		if iss.Priority == models.PriorityCritical {
			paint = color.RedString
		}
		fmt.Printf("  %s %s %s\n", paint("[%s]", iss.Priority), iss.ID, iss.Summary)
	}
	return nil
}

func displayHalted(db *store.DB) error {
	halted, err := db.ListHaltedRecords()
	if err != nil {
		return err
	}
	if len(halted) == 0 {
		return nil
	}

	fmt.Printf("\n%s (%d):\n", color.RedString("Halted retries"), len(halted))
	for _, rec := range halted {
		fmt.Printf("  %s: same failure repeated %d times after %d retries\n",
			rec.Key, rec.SignatureRepeats, rec.RetryCount)
	}
	fmt.Println("Use 'stagehand retry reset <key>' to resume automatic retries.")
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
