package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

type commandContext struct {
	companyFlag *string

	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error
}

func (c *commandContext) ensureDB() (*gorm.DB, error) {
	c.dbOnce.Do(func() {
		c.db, c.dbErr = config.ConnectDatabase()
	})
	return c.db, c.dbErr
}

// actor is the system identity the CLI acts as for --company.
func (c *commandContext) actor() (models.Actor, error) {
	companyId := ""
	if c.companyFlag != nil {
		companyId = strings.TrimSpace(*c.companyFlag)
	}
	if companyId == "" {
		return models.Actor{}, errors.New("--company is required")
	}
	return models.SystemActor(companyId), nil
}

func newRootCommand() *cobra.Command {
	var companyFlag string
	ctx := &commandContext{companyFlag: &companyFlag}

	rootCmd := &cobra.Command{
		Use:           "printshopctl",
		Short:         "Print shop production admin tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd == cmd.Root() {
				return nil
			}
			_, err := ctx.ensureDB()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&companyFlag, "company", "", "Company id to operate on")

	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newRollupRebuildCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	rootCmd.AddCommand(newOutboxCommand(ctx))

	return rootCmd
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update production tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ctx.ensureDB()
			if err != nil {
				return err
			}
			if err := models.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
