package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"github.com/spf13/cobra"
)

func newOutboxCommand(ctx *commandContext) *cobra.Command {
	outboxCmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay production events",
	}
	outboxCmd.AddCommand(newOutboxListCommand(ctx))
	outboxCmd.AddCommand(newOutboxReplayCommand(ctx))
	return outboxCmd
}

func newOutboxListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox rows of a company",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := ctx.actor()
			if err != nil {
				return err
			}
			events, err := models.ListProductionEvents(cmd.Context(), actor, strings.ToUpper(status), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "no events")
				return nil
			}
			fmt.Fprintln(out, renderEvents(events))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "PENDING, PROCESSING, SENT, FAILED or DEAD")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func renderEvents(events []*models.ProductionEventRecord) string {
	const stampLayout = "2006-01-02 15:04:05"
	rows := make([][]string, len(events))
	for i, e := range events {
		lastErr := ""
		if e.LastPublishError != nil {
			lastErr = *e.LastPublishError
			if len(lastErr) > 60 {
				lastErr = lastErr[:57] + "..."
			}
		}
		next := ""
		if e.NextAttemptAt != nil {
			next = e.NextAttemptAt.Local().Format(stampLayout)
		}
		rows[i] = []string{
			strconv.Itoa(e.ID),
			string(e.EventType),
			strconv.Itoa(e.ReferenceId),
			e.PublishStatus,
			strconv.Itoa(e.PublishAttempts),
			next,
			e.OccurredAt.Local().Format(stampLayout),
			lastErr,
		}
	}
	return renderTable(
		[]string{"ID", "Event", "Ref", "Status", "Attempts", "Next attempt", "Occurred", "Last error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func newOutboxReplayCommand(ctx *commandContext) *cobra.Command {
	var ids []int
	var includeFailed bool

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Requeue DEAD (and optionally FAILED) events for publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := ctx.actor()
			if err != nil {
				return err
			}
			n, err := models.ReplayProductionEvents(cmd.Context(), actor, includeFailed, ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d events at %s\n", n, time.Now().UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&ids, "id", nil, "Only these record ids (repeatable)")
	cmd.Flags().BoolVar(&includeFailed, "include-failed", false, "Also requeue FAILED rows")
	return cmd
}
