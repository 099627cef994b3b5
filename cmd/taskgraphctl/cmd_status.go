package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskgraph/taskgraph/libs/orchestrator"
	"github.com/taskgraph/taskgraph/libs/repository"
)

var statusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show an execution's status, with per-node states once its history is recorded",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [execution-id]",
	Short: "Cancel a pending or running execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	executionID := args[0]

	// Prefer the hot store for a live execution; it has no terminal
	// node-output history yet, so fall back to the repository once the
	// execution has finished and the hot copy may have expired.
	status, err := c.store.ExecutionStatusGet(ctx, executionID)
	if err == nil {
		fmt.Printf("execution:  %s\n", executionID)
		fmt.Printf("status:     %s\n", status)
		return nil
	}

	summary, err := c.repo.GetExecution(ctx, executionID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("execution %s not found", executionID)
	}
	if err != nil {
		return fmt.Errorf("get execution: %w", err)
	}

	fmt.Printf("execution:  %s\n", summary.ExecutionID)
	fmt.Printf("workflow:   %s\n", summary.WorkflowID)
	fmt.Printf("status:     %s\n", summary.Status)
	fmt.Printf("created:    %s\n", summary.CreatedAt.Format("2006-01-02T15:04:05Z"))
	if summary.FinishedAt != nil {
		fmt.Printf("finished:   %s\n", summary.FinishedAt.Format("2006-01-02T15:04:05Z"))
	}

	if len(summary.Nodes) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATUS\tRETRIES\tERROR")
	for _, n := range summary.Nodes {
		errMsg := ""
		if len(n.Error) > 0 {
			var detail struct {
				Category string `json:"category"`
				Message  string `json:"message"`
			}
			if err := json.Unmarshal(n.Error, &detail); err == nil {
				errMsg = fmt.Sprintf("%s: %s", detail.Category, detail.Message)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", n.NodeID, n.Status, n.RetryCount, errMsg)
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := orchestrator.Cancel(ctx, c.store, args[0]); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	fmt.Printf("execution %s cancelled\n", args[0])
	return nil
}
