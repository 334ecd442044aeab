package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klowery/stagehand/pkg/models"
)

// Starter launches a worker for a task. Start must not block on the
// worker finishing; completion arrives as a signal file.
type Starter interface {
	Start(ctx context.Context, task *models.Task, poolID string) error
}

// taskInput is what a worker process reads from stdin.
type taskInput struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Payload    string            `json:"payload,omitempty"`
	Category   string            `json:"category"`
	Complexity models.Complexity `json:"complexity"`
}

// ExecStarter runs each task as a pool-specific command. The command
// receives the task as JSON on stdin, the task and signal locations in
// its environment, and is expected to write its completion signal before
// exiting. Output is captured to a per-task log file.
type ExecStarter struct {
	// commands maps pool ID to the argv of its worker command.
	commands map[string][]string
	// fallback is used for pools with no explicit command.
	fallback  []string
	signalDir string
	logsDir   string
}

// NewExecStarter creates an ExecStarter. fallback may be nil, in which
// case pools without a command fail to start.
func NewExecStarter(commands map[string][]string, fallback []string, signalDir, logsDir string) *ExecStarter {
	return &ExecStarter{
		commands:  commands,
		fallback:  fallback,
		signalDir: signalDir,
		logsDir:   logsDir,
	}
}

// Start launches the pool's worker command for the task and returns as
// soon as the process is running.
func (s *ExecStarter) Start(ctx context.Context, task *models.Task, poolID string) error {
	argv, ok := s.commands[poolID]
	if !ok || len(argv) == 0 {
		argv = s.fallback
	}
	if len(argv) == 0 {
		return fmt.Errorf("no worker command configured for pool %s", poolID)
	}

	input, err := json.Marshal(taskInput{
		ID:         task.ID,
		Title:      task.Title,
		Payload:    task.Payload,
		Category:   task.Category,
		Complexity: task.Complexity,
	})
	if err != nil {
		return fmt.Errorf("marshal task input: %w", err)
	}

	if err := os.MkdirAll(s.logsDir, 0755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	logFile, err := os.Create(filepath.Join(s.logsDir, task.ID+".log"))
	if err != nil {
		return fmt.Errorf("create task log: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(string(input))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"STAGEHAND_TASK_ID="+task.ID,
		"STAGEHAND_POOL="+poolID,
		"STAGEHAND_SIGNAL_DIR="+s.signalDir,
	)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start worker for task %s: %w", task.ID, err)
	}

	// Reap the process; its exit code is not the source of truth, the
	// signal file is. A worker that exits without signaling shows up as
	// a wait timeout in the dispatcher.
	go func() {
		defer logFile.Close()
		_ = cmd.Wait()
	}()
	return nil
}

var _ Starter = (*ExecStarter)(nil)
