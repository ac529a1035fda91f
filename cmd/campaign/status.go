package main

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newStatusCommand(c *cli) *cobra.Command {
	var subjectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List a subject's checkpoints",
		Long:  `Show every checkpoint stored for a subject, newest first, from the configured store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := c.config
			checkpoints, closer, err := openCheckpointStore(ctx, cfg.Store, campaign.SystemClock())
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer()
			}
			list, err := checkpoints.ListCheckpoints(ctx, subjectID)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				color.Yellow("No checkpoints for subject %s", subjectID)
				return nil
			}
			for _, cp := range list {
				printCheckpoint(cp)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectID, "subject", "", "Subject id (required)")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func printCheckpoint(cp *campaign.Checkpoint) {
	stateColor := color.New(color.FgGreen)
	switch cp.ExecutionState {
	case campaign.StateFailed:
		stateColor = color.New(color.FgRed)
	case campaign.StatePaused:
		stateColor = color.New(color.FgYellow)
	case campaign.StateAwaitingAsync:
		stateColor = color.New(color.FgCyan)
	}
	color.White("%s  %s", cp.ID, cp.DefinitionID)
	fmt.Printf("   State:   %s\n", stateColor.Sprint(cp.ExecutionState))
	fmt.Printf("   Node:    %s\n", cp.CurrentNodeID)
	if cp.WaitingFor != "" {
		wait := string(cp.WaitingFor)
		if cp.WaitUntil != nil {
			wait += " until " + cp.WaitUntil.Format(time.RFC3339)
		}
		fmt.Printf("   Waiting: %s\n", wait)
	}
	if cp.ErrorCount > 0 {
		fmt.Printf("   Errors:  %d (%s)\n", cp.ErrorCount, cp.LastError)
	}
	fmt.Printf("   Started: %s\n", cp.StartedAt.Format(time.RFC3339))
	if cp.CompletedAt != nil {
		fmt.Printf("   Completed: %s\n", cp.CompletedAt.Format(time.RFC3339))
	}
}
