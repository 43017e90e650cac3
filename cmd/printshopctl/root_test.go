package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/models"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setupCLIDatabase(t *testing.T) {
	t.Helper()
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "cli.db"))
	previous := config.GetDB()
	t.Cleanup(func() {
		if db := config.GetDB(); db != nil && db != previous {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		config.UseDB(previous)
	})
	if out, err := runCLI(t, "migrate"); err != nil || !strings.Contains(out, "migrations applied") {
		t.Fatalf("migrate: %v %s", err, out)
	}
}

func TestRollupRebuild_RepairsStaleJobs(t *testing.T) {
	setupCLIDatabase(t)
	ctx := context.Background()
	actor := models.SystemActor("company-cli")

	job, err := models.CreatePrintJob(ctx, actor, &models.NewPrintJob{Title: "Posters", JobType: models.JobTypePosters, Quantity: 50})
	if err != nil {
		t.Fatalf("CreatePrintJob: %v", err)
	}

	out, err := runCLI(t, "rollup-rebuild", "--company", "company-cli", "--no-lock", "--dry-run")
	if err != nil || !strings.Contains(out, "would update 0 print jobs") {
		t.Fatalf("clean dry run: %v %s", err, out)
	}

	err = config.GetDB().Model(&models.PrintJob{}).
		Where("company_id = ? AND id = ?", "company-cli", job.ID).
		Updates(map[string]interface{}{"completion_percentage": 90, "production_status": models.ProductionStatusInProgress}).Error
	if err != nil {
		t.Fatalf("corrupt rollup: %v", err)
	}

	out, err = runCLI(t, "rollup-rebuild", "--company", "company-cli", "--no-lock")
	if err != nil || !strings.Contains(out, "updated 1 print jobs") || !strings.Contains(out, job.JobNumber) {
		t.Fatalf("rebuild: %v %s", err, out)
	}

	reloaded, err := models.GetPrintJob(ctx, actor, job.ID)
	if err != nil {
		t.Fatalf("GetPrintJob: %v", err)
	}
	if reloaded.CompletionPercentage != 0 || reloaded.ProductionStatus != models.ProductionStatusPending {
		t.Fatalf("rollup not repaired: %d %s", reloaded.CompletionPercentage, reloaded.ProductionStatus)
	}
}

func TestExportAndOutboxCommands(t *testing.T) {
	setupCLIDatabase(t)
	actor := models.SystemActor("company-cli")
	if _, err := models.CreatePrintJob(context.Background(), actor, &models.NewPrintJob{Title: "Cards", JobType: models.JobTypeBusinessCards, Quantity: 200}); err != nil {
		t.Fatalf("CreatePrintJob: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "production.xlsx")
	if out, err := runCLI(t, "export", "--company", "company-cli", "--out", outPath); err != nil {
		t.Fatalf("export: %v %s", err, out)
	}
	if info, err := os.Stat(outPath); err != nil || info.Size() == 0 {
		t.Fatalf("expected a workbook at %s: %v", outPath, err)
	}

	if _, err := runCLI(t, "export", "--company", "company-cli", "--out", outPath, "--status", "lost"); err == nil {
		t.Fatalf("expected invalid status error")
	}
	if _, err := runCLI(t, "outbox", "list", "--company", "company-cli", "--status", "dead"); err != nil {
		t.Fatalf("outbox list: %v", err)
	}
	out, err := runCLI(t, "outbox", "replay", "--company", "company-cli", "--include-failed")
	if err != nil || !strings.Contains(out, "requeued 0 events") {
		t.Fatalf("outbox replay: %v %s", err, out)
	}
}

func TestCommandsRequireCompany(t *testing.T) {
	setupCLIDatabase(t)
	if _, err := runCLI(t, "outbox", "replay"); err == nil || !strings.Contains(err.Error(), "--company") {
		t.Fatalf("expected --company error, got %v", err)
	}
}
