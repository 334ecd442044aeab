// Package worker is the boundary between the coordinator and
// out-of-process workers: it starts them and watches for their
// completion signals.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Outcome is the result a worker reports for its task.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Completion is a single task's completion event.
type Completion struct {
	TaskID  string  `json:"-"`
	Outcome Outcome `json:"outcome"`
	// Payload carries failure output; empty for completed tasks.
	Payload string `json:"payload,omitempty"`
}

// SignalWatcher turns signal files in a directory into completion events.
// Workers report by writing <task-id>.json; the watcher delivers each
// task's completion exactly once, including signals written while the
// coordinator was down (picked up by the startup scan).
type SignalWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	events  chan Completion

	mu        sync.Mutex
	delivered map[string]bool
}

// NewSignalWatcher creates a watcher over dir, creating it if needed.
func NewSignalWatcher(dir string) (*SignalWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signal dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &SignalWatcher{
		dir:       dir,
		watcher:   fw,
		events:    make(chan Completion, 64),
		delivered: make(map[string]bool),
	}, nil
}

// Completions is the stream of completion events.
func (w *SignalWatcher) Completions() <-chan Completion {
	return w.events
}

// Ack acknowledges a consumed signal: the marker file is removed and the
// dedupe entry cleared, so a later attempt of the same task can signal
// again. Delivery is exactly-once per attempt, not per task ID forever.
func (w *SignalWatcher) Ack(taskID string) {
	w.mu.Lock()
	delete(w.delivered, taskID)
	w.mu.Unlock()
	os.Remove(filepath.Join(w.dir, taskID+".json"))
}

// HasSignal reports whether a completion signal exists on disk for the
// task. Used during restart recovery to tell orphaned tasks apart from
// tasks that finished while the coordinator was down.
func (w *SignalWatcher) HasSignal(taskID string) bool {
	_, err := os.Stat(filepath.Join(w.dir, taskID+".json"))
	return err == nil
}

// Run scans existing signals and then blocks delivering filesystem
// events until ctx is canceled. The channel is not closed on return so
// late readers never see spurious zero values.
func (w *SignalWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.scan(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.deliver(ctx, event.Name)
		case <-w.watcher.Errors:
			// Transient watch errors are survivable; the startup scan on
			// the next run catches anything missed.
		}
	}
}

// scan delivers signals already on disk when the watcher starts.
func (w *SignalWatcher) scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan signal dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.deliver(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// deliver parses one signal file and emits it if not already delivered.
func (w *SignalWatcher) deliver(ctx context.Context, path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".json") {
		return
	}
	taskID := strings.TrimSuffix(name, ".json")

	w.mu.Lock()
	if w.delivered[taskID] {
		w.mu.Unlock()
		return
	}
	w.delivered[taskID] = true
	w.mu.Unlock()

	comp := Completion{TaskID: taskID}
	data, err := os.ReadFile(path)
	if err != nil || json.Unmarshal(data, &comp) != nil {
		// A worker that wrote garbage still finished; count it as a
		// failure the circuit breaker can hash.
		comp.Outcome = OutcomeFailed
		comp.Payload = "malformed completion signal"
	}
	if comp.Outcome != OutcomeCompleted && comp.Outcome != OutcomeFailed {
		if comp.Payload == "" {
			comp.Payload = fmt.Sprintf("unknown outcome %q", comp.Outcome)
		}
		comp.Outcome = OutcomeFailed
	}
	comp.TaskID = taskID

	select {
	case w.events <- comp:
	case <-ctx.Done():
	}
}

// WriteSignal records a completion signal for a task. The write goes
// through a temp file and rename so watchers never read a partial file.
func WriteSignal(dir, taskID string, outcome Outcome, payload string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signal dir: %w", err)
	}
	data, err := json.Marshal(Completion{Outcome: outcome, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	tmp := filepath.Join(dir, "."+taskID+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	final := filepath.Join(dir, taskID+".json")
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}
