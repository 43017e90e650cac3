package main

import (
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"github.com/spf13/cobra"
)

const rebuildLockTTL = 10 * time.Minute

func newRollupRebuildCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool
	var noLock bool

	cmd := &cobra.Command{
		Use:   "rollup-rebuild",
		Short: "Recompute completion and status of every print job from its stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := ctx.actor()
			if err != nil {
				return err
			}
			if !noLock {
				if config.GetRedisLock() == nil {
					client, err := config.ConnectRedis(cmd.Context())
					if err != nil {
						return fmt.Errorf("connect redis: %w (use --no-lock when Redis is not available)", err)
					}
					defer client.Close()
				}
				lock, err := utils.CompanyLock(cmd.Context(), actor.CompanyId, "rollup-rebuild", rebuildLockTTL, "printshopctl", "rollup-rebuild")
				if err != nil {
					return fmt.Errorf("%w (use --no-lock when Redis is not available)", err)
				}
				defer lock.Release(cmd.Context())
			}

			changes, err := models.RebuildRollups(cmd.Context(), actor, dryRun)
			out := cmd.OutOrStdout()
			if len(changes) > 0 {
				fmt.Fprintln(out, renderRollupChanges(changes))
			}
			if err != nil {
				return err
			}
			verb := "updated"
			if dryRun {
				verb = "would update"
			}
			fmt.Fprintf(out, "%s %d print jobs\n", verb, len(changes))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report stale jobs without writing")
	cmd.Flags().BoolVar(&noLock, "no-lock", false, "Skip the Redis company lock")
	return cmd
}

func renderRollupChanges(changes []models.RollupChange) string {
	rows := make([][]string, len(changes))
	for i, c := range changes {
		rows[i] = []string{
			strconv.Itoa(c.PrintJobId),
			c.JobNumber,
			string(c.Before.ProductionStatus),
			strconv.Itoa(c.Before.CompletionPercentage) + "%",
			string(c.After.ProductionStatus),
			strconv.Itoa(c.After.CompletionPercentage) + "%",
		}
	}
	return renderTable(
		[]string{"ID", "Job", "Status", "Done", "New status", "New done"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignRight},
	)
}
