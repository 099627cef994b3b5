package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskgraph/taskgraph/libs/orchestrator"
	"github.com/taskgraph/taskgraph/libs/workflow"
)

var submitCmd = &cobra.Command{
	Use:   "submit [dag-file]",
	Short: "Submit a DAG definition and create a pending execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger [execution-id]",
	Short: "Transition a pending execution to RUNNING and dispatch its root nodes",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(triggerCmd)
	submitCmd.Flags().Bool("trigger", false, "trigger the execution immediately after submitting")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	body, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read dag file: %w", err)
	}

	var def workflow.Definition
	if err := json.Unmarshal(body, &def); err != nil {
		return fmt.Errorf("parse dag file: %w", err)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}

	ctx := context.Background()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	executionID, err := orchestrator.Submit(ctx, c.store, c.repo, def)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Println(executionID)

	if shouldTrigger, _ := cmd.Flags().GetBool("trigger"); shouldTrigger {
		o := orchestrator.New(c.store, c.repo, "taskgraphctl", orchestrator.DefaultConfig(), nil, c.logger)
		if err := o.Trigger(ctx, executionID); err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
	}
	return nil
}

func runTrigger(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	o := orchestrator.New(c.store, c.repo, "taskgraphctl", orchestrator.DefaultConfig(), nil, c.logger)
	if err := o.Trigger(ctx, args[0]); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	fmt.Printf("execution %s triggered\n", args[0])
	return nil
}
