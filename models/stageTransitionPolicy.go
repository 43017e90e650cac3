package models

import (
	"strings"
	"unicode/utf8"
)

// MaxReasonLength bounds rejection and hold reasons, counted in characters.
const MaxReasonLength = 500

// stageTransitions is the allow-list of status changes. Rows keep a fixed
// order so the allowed-next projection is stable. ready has no row.
var stageTransitions = map[StageStatus][]StageStatus{
	StageStatusPending:          {StageStatusInProgress, StageStatusOnHold, StageStatusSkipped},
	StageStatusInProgress:       {StageStatusCompleted, StageStatusOnHold, StageStatusRequiresApproval, StageStatusRejected},
	StageStatusOnHold:           {StageStatusPending, StageStatusInProgress},
	StageStatusRequiresApproval: {StageStatusCompleted, StageStatusRejected},
	StageStatusRejected:         {StageStatusPending, StageStatusInProgress},
	StageStatusCompleted:        {},
	StageStatusSkipped:          {},
}

// StageTransitionCheck is everything the policy looks at.
type StageTransitionCheck struct {
	Current                  StageStatus
	Requested                StageStatus
	RequiresCustomerApproval bool
	RejectionReason          *string
	HoldReason               *string
}

func tableAllows(current, requested StageStatus) bool {
	for _, next := range stageTransitions[current] {
		if next == requested {
			return true
		}
	}
	return false
}

// CheckStageTransition returns nil when the change is permitted, otherwise
// *InvalidTransitionError, ErrApprovalRequired, *MissingReasonError or
// *ReasonTooLongError.
func CheckStageTransition(c StageTransitionCheck) error {
	if !tableAllows(c.Current, c.Requested) {
		return &InvalidTransitionError{Current: c.Current, Requested: c.Requested}
	}

	// a stage is never completed without being started
	if c.Requested == StageStatusCompleted && c.Current == StageStatusPending {
		return &InvalidTransitionError{Current: c.Current, Requested: c.Requested}
	}

	if c.Requested == StageStatusCompleted && c.RequiresCustomerApproval && c.Current != StageStatusRequiresApproval {
		return ErrApprovalRequired
	}

	switch c.Requested {
	case StageStatusRejected:
		return checkReason(ReasonKindRejection, c.RejectionReason)
	case StageStatusOnHold:
		return checkReason(ReasonKindHold, c.HoldReason)
	}
	return nil
}

func checkReason(kind ReasonKind, reason *string) error {
	if reason == nil {
		return &MissingReasonError{Kind: kind}
	}
	n := utf8.RuneCountInString(strings.TrimSpace(*reason))
	if n == 0 {
		return &MissingReasonError{Kind: kind}
	}
	if n > MaxReasonLength {
		return &ReasonTooLongError{Kind: kind, Length: n}
	}
	return nil
}

// trimmedReason is the form a reason is measured and stored in.
func trimmedReason(reason *string) *string {
	if reason == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*reason)
	return &trimmed
}

// AllowedNextStatuses is the table row for current, minus targets ruled out
// by the stage itself. Reason requirements are left to the caller's input.
func AllowedNextStatuses(current StageStatus, requiresCustomerApproval bool) []StageStatus {
	row := stageTransitions[current]
	allowed := make([]StageStatus, 0, len(row))
	for _, next := range row {
		if next == StageStatusCompleted && current == StageStatusPending {
			continue
		}
		if next == StageStatusCompleted && requiresCustomerApproval && current != StageStatusRequiresApproval {
			continue
		}
		allowed = append(allowed, next)
	}
	return allowed
}
