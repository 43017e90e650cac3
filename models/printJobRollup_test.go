package models_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/printshop_backend/models"
)

func stagesWith(statuses ...models.StageStatus) []models.ProductionStage {
	stages := make([]models.ProductionStage, len(statuses))
	for i, s := range statuses {
		stages[i] = models.ProductionStage{ID: i + 1, StageOrder: i + 1, StageStatus: s}
	}
	return stages
}

func repeat(s models.StageStatus, n int) []models.StageStatus {
	out := make([]models.StageStatus, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestComputeRollup(t *testing.T) {
	const (
		pending    = models.StageStatusPending
		ready      = models.StageStatusReady
		inProgress = models.StageStatusInProgress
		completed  = models.StageStatusCompleted
		skipped    = models.StageStatusSkipped
		onHold     = models.StageStatusOnHold
		approval   = models.StageStatusRequiresApproval
		rejected   = models.StageStatusRejected
	)
	cases := []struct {
		name    string
		stages  []models.StageStatus
		percent int
		status  models.ProductionStatus
	}{
		{"no stages", nil, 0, models.ProductionStatusPending},
		{"nothing started", []models.StageStatus{pending, ready, pending}, 0, models.ProductionStatusPending},
		{"one of three", []models.StageStatus{completed, pending, pending}, 33, models.ProductionStatusInProgress},
		{"two of three", []models.StageStatus{completed, skipped, inProgress}, 67, models.ProductionStatusInProgress},
		{"one of eight rounds up", append([]models.StageStatus{completed}, repeat(pending, 7)...), 13, models.ProductionStatusInProgress},
		{"all done", []models.StageStatus{completed, skipped, completed}, 100, models.ProductionStatusCompleted},
		{"all skipped", []models.StageStatus{skipped, skipped}, 100, models.ProductionStatusCompleted},
		{"held with nothing running", []models.StageStatus{completed, onHold, pending}, 33, models.ProductionStatusOnHold},
		{"held while another runs", []models.StageStatus{onHold, inProgress}, 0, models.ProductionStatusInProgress},
		{"awaiting approval", []models.StageStatus{completed, approval, pending}, 33, models.ProductionStatusInProgress},
		{"rejected proof", []models.StageStatus{rejected, pending}, 0, models.ProductionStatusInProgress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := models.ComputeRollup(stagesWith(tc.stages...))
			if got.CompletionPercentage != tc.percent || got.ProductionStatus != tc.status {
				t.Fatalf("expected %d%% %s, got %d%% %s", tc.percent, tc.status, got.CompletionPercentage, got.ProductionStatus)
			}
		})
	}
}

func TestComputeRollup_HalfRoundsUp(t *testing.T) {
	// 1 of 8 is 12.5%, 3 of 8 is 37.5%
	got := models.ComputeRollup(stagesWith(append(repeat(models.StageStatusCompleted, 3), repeat(models.StageStatusPending, 5)...)...))
	if got.CompletionPercentage != 38 {
		t.Fatalf("expected 38, got %d", got.CompletionPercentage)
	}
}

func TestApplyRollup_CancelledJobKeepsStatus(t *testing.T) {
	job := &models.PrintJob{
		ProductionStatus: models.ProductionStatusCancelled,
		Stages:           stagesWith(models.StageStatusCompleted, models.StageStatusPending),
	}
	if !job.Recalculate() {
		t.Fatalf("expected the percentage to change")
	}
	if job.ProductionStatus != models.ProductionStatusCancelled {
		t.Fatalf("cancelled job changed status to %s", job.ProductionStatus)
	}
	if job.CompletionPercentage != 50 {
		t.Fatalf("expected 50%%, got %d", job.CompletionPercentage)
	}
	if job.Recalculate() {
		t.Fatalf("second recalculation should be a no-op")
	}
}

func TestRecalculate_ReportsChange(t *testing.T) {
	job := &models.PrintJob{
		ProductionStatus:     models.ProductionStatusInProgress,
		CompletionPercentage: 90,
		Stages:               stagesWith(models.StageStatusPending, models.StageStatusPending),
	}
	if !job.Recalculate() {
		t.Fatalf("stale summary should be reported as changed")
	}
	if job.ProductionStatus != models.ProductionStatusPending || job.CompletionPercentage != 0 {
		t.Fatalf("expected 0%% pending, got %d%% %s", job.CompletionPercentage, job.ProductionStatus)
	}
}
