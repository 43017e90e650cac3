package main

import (
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"github.com/spf13/cobra"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	var outPath string
	var status string
	var branchId int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the production report to an xlsx file",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := ctx.actor()
			if err != nil {
				return err
			}
			if strings.TrimSpace(outPath) == "" {
				return fmt.Errorf("--out is required")
			}
			filter := &models.PrintJobFilter{}
			if status != "" {
				s := models.ProductionStatus(status)
				if !s.IsValid() {
					return fmt.Errorf("invalid --status %q", status)
				}
				filter.ProductionStatus = &s
			}
			if branchId > 0 {
				filter.BranchId = &branchId
			}

			f, err := models.ExportProductionReport(cmd.Context(), actor, filter)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := f.SaveAs(outPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output xlsx path")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs with this production status")
	cmd.Flags().IntVar(&branchId, "branch", 0, "Only jobs of this branch")
	return cmd
}
