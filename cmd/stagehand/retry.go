package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Inspect and reset retry records",
}

var retryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List halted retry records",
	RunE:  runRetryList,
}

var retryResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Clear a retry record so automatic retries resume",
	Long: `Reset the retry record for an issue or task.

Halted records never resubmit on their own; this is the deliberate
manual override. The signature history is kept for audit.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetryReset,
}

func init() {
	retryCmd.AddCommand(retryListCmd)
	retryCmd.AddCommand(retryResetCmd)
}

func runRetryList(cmd *cobra.Command, args []string) error {
	db, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	halted, err := db.ListHaltedRecords()
	if err != nil {
		return err
	}
	if len(halted) == 0 {
		fmt.Println("No halted retry records.")
		return nil
	}

	for _, rec := range halted {
		fmt.Printf("%s %s: %d retries, same failure %d times (signature %.12s)\n",
			color.RedString("⏹"), rec.Key, rec.RetryCount, rec.SignatureRepeats, rec.FailureSignature)
	}
	return nil
}

func runRetryReset(cmd *cobra.Command, args []string) error {
	db, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ok, err := db.ResetRetryRecord(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no retry record for %s", args[0])
	}
	fmt.Printf("%s retry record %s reset\n", color.GreenString("✓"), args[0])
	return nil
}
