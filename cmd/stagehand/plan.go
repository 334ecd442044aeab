package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/klowery/stagehand/internal/graph"
	"github.com/klowery/stagehand/pkg/models"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Import task plans",
}

var planImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import a task plan with dependencies",
	Long: `Import a plan of tasks as a dependency graph.

The plan is validated before anything is stored: every dependency must
reference a task in the plan, and the graph must be acyclic. Task IDs
are optional; omitted ones are generated.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanImport,
}

func init() {
	planCmd.AddCommand(planImportCmd)
}

// planFile is the YAML shape accepted by plan import.
type planFile struct {
	Tasks []struct {
		ID         string   `yaml:"id"`
		Title      string   `yaml:"title"`
		Payload    string   `yaml:"payload"`
		Category   string   `yaml:"category"`
		Complexity string   `yaml:"complexity"`
		DependsOn  []string `yaml:"depends_on"`
	} `yaml:"tasks"`
}

func runPlanImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	var file planFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	if len(file.Tasks) == 0 {
		return fmt.Errorf("%s contains no tasks", args[0])
	}

	now := time.Now().UTC()
	tasks := make([]*models.Task, 0, len(file.Tasks))
	for _, entry := range file.Tasks {
		if entry.Title == "" {
			return fmt.Errorf("every task needs a title")
		}
		id := entry.ID
		if id == "" {
			id = "task-" + uuid.New().String()[:8]
		}
		complexity := models.Complexity(entry.Complexity)
		if !complexity.Valid() {
			complexity = models.ComplexityNormal
		}
		tasks = append(tasks, &models.Task{
			ID:         id,
			Title:      entry.Title,
			Payload:    entry.Payload,
			Category:   entry.Category,
			Complexity: complexity,
			Status:     models.TaskStatusPending,
			DependsOn:  entry.DependsOn,
			CreatedAt:  now,
		})
	}

	// Reject cycles and dangling dependencies before storing anything.
	g := graph.New()
	if err := g.Build(tasks); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	db, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	// Store in dependency order so a partial import never leaves a task
	// whose dependencies are missing.
	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, id := range order {
		if err := db.PutTask(byID[id]); err != nil {
			return err
		}
	}

	fmt.Printf("%s imported %d tasks from %s\n", color.GreenString("+"), len(tasks), args[0])
	return nil
}
