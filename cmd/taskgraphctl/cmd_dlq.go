package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskgraph/taskgraph/libs/repository"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage dead-lettered nodes",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runDLQList,
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge [entry-id]",
	Short: "Remove a dead-letter entry once it has been triaged",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQPurge,
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	entries, err := c.repo.ListDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("no dead-letter entries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTRY\tEXECUTION\tNODE\tCATEGORY\tRETRIES\tCREATED\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.EntryID, e.ExecutionID, e.NodeID, e.ErrorCategory, e.RetryCount,
			e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.ErrorMessage)
	}
	return w.Flush()
}

func runDLQPurge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.repo.PurgeDeadLetter(ctx, args[0]); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("dead-letter entry %s not found", args[0])
		}
		return fmt.Errorf("purge dead letter: %w", err)
	}
	fmt.Printf("dead-letter entry %s purged\n", args[0])
	return nil
}
