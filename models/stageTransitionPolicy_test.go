package models_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/printshop_backend/models"
)

var allowedByTable = map[models.StageStatus][]models.StageStatus{
	models.StageStatusPending:          {models.StageStatusInProgress, models.StageStatusOnHold, models.StageStatusSkipped},
	models.StageStatusInProgress:       {models.StageStatusCompleted, models.StageStatusOnHold, models.StageStatusRequiresApproval, models.StageStatusRejected},
	models.StageStatusOnHold:           {models.StageStatusPending, models.StageStatusInProgress},
	models.StageStatusRequiresApproval: {models.StageStatusCompleted, models.StageStatusRejected},
	models.StageStatusRejected:         {models.StageStatusPending, models.StageStatusInProgress},
}

func strPtr(s string) *string { return &s }

func contains(list []models.StageStatus, s models.StageStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestCheckStageTransition_TableIsExhaustive(t *testing.T) {
	for _, current := range models.AllStageStatuses {
		for _, requested := range models.AllStageStatuses {
			err := models.CheckStageTransition(models.StageTransitionCheck{
				Current:         current,
				Requested:       requested,
				RejectionReason: strPtr("misregistered plates"),
				HoldReason:      strPtr("waiting for paper stock"),
			})
			want := contains(allowedByTable[current], requested)
			if want && err != nil {
				t.Fatalf("%s -> %s: expected allowed, got %v", current, requested, err)
			}
			if !want {
				var invalid *models.InvalidTransitionError
				if !errors.As(err, &invalid) {
					t.Fatalf("%s -> %s: expected InvalidTransitionError, got %v", current, requested, err)
				}
				if invalid.Current != current || invalid.Requested != requested {
					t.Fatalf("error names %s -> %s, want %s -> %s", invalid.Current, invalid.Requested, current, requested)
				}
				if got := models.ErrorCode(err); got != "INVALID_TRANSITION" {
					t.Fatalf("expected INVALID_TRANSITION, got %q", got)
				}
			}
		}
	}
}

func TestCheckStageTransition_ApprovalGate(t *testing.T) {
	err := models.CheckStageTransition(models.StageTransitionCheck{
		Current:                  models.StageStatusInProgress,
		Requested:                models.StageStatusCompleted,
		RequiresCustomerApproval: true,
	})
	if !errors.Is(err, models.ErrApprovalRequired) {
		t.Fatalf("expected ErrApprovalRequired, got %v", err)
	}
	if got := models.ErrorCode(err); got != "APPROVAL_REQUIRED" {
		t.Fatalf("expected APPROVAL_REQUIRED, got %q", got)
	}

	err = models.CheckStageTransition(models.StageTransitionCheck{
		Current:                  models.StageStatusRequiresApproval,
		Requested:                models.StageStatusCompleted,
		RequiresCustomerApproval: true,
	})
	if err != nil {
		t.Fatalf("approved stage should complete, got %v", err)
	}

	err = models.CheckStageTransition(models.StageTransitionCheck{
		Current:   models.StageStatusInProgress,
		Requested: models.StageStatusCompleted,
	})
	if err != nil {
		t.Fatalf("stage without approval should complete directly, got %v", err)
	}
}

func TestCheckStageTransition_Reasons(t *testing.T) {
	cases := []struct {
		name      string
		requested models.StageStatus
		reason    *string
		code      string
	}{
		{"rejection missing", models.StageStatusRejected, nil, "MISSING_REASON"},
		{"rejection blank", models.StageStatusRejected, strPtr("   \t"), "MISSING_REASON"},
		{"hold missing", models.StageStatusOnHold, nil, "MISSING_REASON"},
		{"hold exact limit", models.StageStatusOnHold, strPtr(strings.Repeat("ပ", models.MaxReasonLength)), ""},
		{"hold padded to limit", models.StageStatusOnHold, strPtr("  " + strings.Repeat("a", models.MaxReasonLength) + "  "), ""},
		{"rejection over limit", models.StageStatusRejected, strPtr(strings.Repeat("ပ", models.MaxReasonLength+1)), "REASON_TOO_LONG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			check := models.StageTransitionCheck{Current: models.StageStatusInProgress, Requested: tc.requested}
			if tc.requested == models.StageStatusRejected {
				check.RejectionReason = tc.reason
			} else {
				check.HoldReason = tc.reason
			}
			err := models.CheckStageTransition(check)
			if got := models.ErrorCode(err); got != tc.code {
				t.Fatalf("expected code %q, got %q (%v)", tc.code, got, err)
			}
		})
	}
}

func TestReasonTooLongIsAMissingReason(t *testing.T) {
	err := models.CheckStageTransition(models.StageTransitionCheck{
		Current:    models.StageStatusPending,
		Requested:  models.StageStatusOnHold,
		HoldReason: strPtr(strings.Repeat("x", 501)),
	})
	var tooLong *models.ReasonTooLongError
	if !errors.As(err, &tooLong) {
		t.Fatalf("expected ReasonTooLongError, got %v", err)
	}
	if tooLong.Length != 501 || tooLong.Kind != models.ReasonKindHold {
		t.Fatalf("unexpected error detail %+v", tooLong)
	}
	var missing *models.MissingReasonError
	if !errors.As(err, &missing) {
		t.Fatalf("expected ReasonTooLongError to match MissingReasonError")
	}
}

func TestCheckStageTransition_ReasonForOtherTargetIgnored(t *testing.T) {
	err := models.CheckStageTransition(models.StageTransitionCheck{
		Current:         models.StageStatusOnHold,
		Requested:       models.StageStatusInProgress,
		RejectionReason: strPtr(strings.Repeat("x", 900)),
	})
	if err != nil {
		t.Fatalf("reasons only apply to their own target, got %v", err)
	}
}

func TestAllowedNextStatuses(t *testing.T) {
	cases := []struct {
		current  models.StageStatus
		approval bool
		want     []models.StageStatus
	}{
		{models.StageStatusPending, false, []models.StageStatus{models.StageStatusInProgress, models.StageStatusOnHold, models.StageStatusSkipped}},
		{models.StageStatusInProgress, false, []models.StageStatus{models.StageStatusCompleted, models.StageStatusOnHold, models.StageStatusRequiresApproval, models.StageStatusRejected}},
		{models.StageStatusInProgress, true, []models.StageStatus{models.StageStatusOnHold, models.StageStatusRequiresApproval, models.StageStatusRejected}},
		{models.StageStatusRequiresApproval, true, []models.StageStatus{models.StageStatusCompleted, models.StageStatusRejected}},
		{models.StageStatusRejected, true, []models.StageStatus{models.StageStatusPending, models.StageStatusInProgress}},
		{models.StageStatusOnHold, false, []models.StageStatus{models.StageStatusPending, models.StageStatusInProgress}},
		{models.StageStatusReady, false, []models.StageStatus{}},
		{models.StageStatusCompleted, false, []models.StageStatus{}},
		{models.StageStatusSkipped, true, []models.StageStatus{}},
	}
	for _, tc := range cases {
		got := models.AllowedNextStatuses(tc.current, tc.approval)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("AllowedNextStatuses(%s, %v) = %v, want %v", tc.current, tc.approval, got, tc.want)
		}
		// every projected status must pass the policy with reasons supplied
		for _, next := range got {
			err := models.CheckStageTransition(models.StageTransitionCheck{
				Current:                  tc.current,
				Requested:                next,
				RequiresCustomerApproval: tc.approval,
				RejectionReason:          strPtr("r"),
				HoldReason:               strPtr("h"),
			})
			if err != nil {
				t.Fatalf("%s -> %s projected but rejected: %v", tc.current, next, err)
			}
		}
	}
}

func TestParseStageStatus(t *testing.T) {
	for _, s := range models.AllStageStatuses {
		got, err := models.ParseStageStatus(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseStageStatus(%q) = %q, %v", s, got, err)
		}
	}
	for _, raw := range []string{"", "done", "Completed", " pending"} {
		_, err := models.ParseStageStatus(raw)
		var unknown *models.UnknownStatusError
		if !errors.As(err, &unknown) || unknown.Status != raw {
			t.Fatalf("ParseStageStatus(%q): expected UnknownStatusError, got %v", raw, err)
		}
		if got := models.ErrorCode(err); got != "UNKNOWN_STATUS" {
			t.Fatalf("expected UNKNOWN_STATUS, got %q", got)
		}
	}
}
