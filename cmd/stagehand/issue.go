package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/klowery/stagehand/internal/intake"
	"github.com/klowery/stagehand/internal/store"
	"github.com/klowery/stagehand/pkg/models"
)

var (
	issueDetails  string
	issueCategory string
	issuePriority string
	issueSource   string
	issueListAll  bool
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Report and inspect issues",
}

var issueAddCmd = &cobra.Command{
	Use:   "add <summary>",
	Short: "Report a single issue",
	Long: `Report an issue to the intake queue.

Issues with the same summary (ignoring case and whitespace) as a live
issue are recorded as duplicates and never enter the queue. Critical
issues are scheduled ahead of all queued work on the next cycle.`,
	Args: cobra.ExactArgs(1),
	RunE: runIssueAdd,
}

var issueImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Report issues in bulk from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssueImport,
}

var issueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued issues",
	RunE:  runIssueList,
}

func init() {
	issueAddCmd.Flags().StringVar(&issueDetails, "details", "", "Full report passed to the worker")
	issueAddCmd.Flags().StringVar(&issueCategory, "category", "", "Routing category (e.g. backend, testing)")
	issueAddCmd.Flags().StringVar(&issuePriority, "priority", "medium", "Priority: critical, high, medium, or low")
	issueAddCmd.Flags().StringVar(&issueSource, "source", "external", "Source: external or generated")
	issueListCmd.Flags().BoolVar(&issueListAll, "all", false, "Include accepted, duplicate, and closed issues")

	issueCmd.AddCommand(issueAddCmd)
	issueCmd.AddCommand(issueImportCmd)
	issueCmd.AddCommand(issueListCmd)
}

func openProjectDB() (*store.DB, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	db, err := store.OpenProject(cwd)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func runIssueAdd(cmd *cobra.Command, args []string) error {
	db, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	svc := intake.New(db, nil)
	iss, err := svc.Enqueue(intake.Report{
		Summary:  args[0],
		Details:  issueDetails,
		Category: issueCategory,
		Priority: models.Priority(issuePriority),
		Source:   models.IssueSource(issueSource),
	})
	if err != nil {
		return err
	}

	if iss.Status == models.IssueDuplicate {
		fmt.Printf("%s issue %s recorded as duplicate\n", color.YellowString("="), iss.ID)
		return nil
	}
	fmt.Printf("%s issue %s queued [%s]\n", color.GreenString("+"), iss.ID, iss.Priority)
	return nil
}

// issueFile is the YAML shape accepted by issue import.
type issueFile struct {
	Issues []struct {
		Summary  string `yaml:"summary"`
		Details  string `yaml:"details"`
		Category string `yaml:"category"`
		Priority string `yaml:"priority"`
		Source   string `yaml:"source"`
	} `yaml:"issues"`
}

func runIssueImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	var file issueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	if len(file.Issues) == 0 {
		return fmt.Errorf("%s contains no issues", args[0])
	}

	db, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	svc := intake.New(db, nil)
	queued, duplicates := 0, 0
	for _, entry := range file.Issues {
		iss, err := svc.Enqueue(intake.Report{
			Summary:  entry.Summary,
			Details:  entry.Details,
			Category: entry.Category,
			Priority: models.Priority(entry.Priority),
			Source:   models.IssueSource(entry.Source),
		})
		if err != nil {
			return fmt.Errorf("issue %q: %w", entry.Summary, err)
		}
		if iss.Status == models.IssueDuplicate {
			duplicates++
		} else {
			queued++
		}
	}

	fmt.Printf("%s queued %d issues", color.GreenString("+"), queued)
	if duplicates > 0 {
		fmt.Printf(", %d duplicates skipped", duplicates)
	}
	fmt.Println()
	return nil
}

func runIssueList(cmd *cobra.Command, args []string) error {
	db, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var issues []models.Issue
	if issueListAll {
		issues, err = db.ListIssues(nil)
	} else {
		pending := models.IssuePending
		issues, err = db.ListIssues(&pending)
	}
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		fmt.Println("No issues.")
		return nil
	}

	for _, iss := range issues {
		line := fmt.Sprintf("%s [%s/%s] %s", iss.ID, iss.Priority, iss.Status, iss.Summary)
		switch iss.Status {
		case models.IssuePending:
			fmt.Println(line)
		case models.IssueComplete:
			fmt.Println(color.GreenString(line))
		case models.IssueDuplicate, models.IssueWontFix:
			fmt.Println(color.YellowString(line))
		default:
			fmt.Println(color.CyanString(line))
		}
	}
	return nil
}
