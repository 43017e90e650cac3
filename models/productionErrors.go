package models

import (
	"errors"
	"fmt"
)

var (
	ErrApprovalRequired       = errors.New("this stage needs customer approval: move it to requires_approval before completing it")
	ErrConcurrentModification = errors.New("the stage was changed by someone else, reload it and try again")
	ErrStageImmutable         = errors.New("completed or skipped stages can no longer be edited")
	ErrPrintJobClosed         = errors.New("the print job is completed or cancelled")

	// ErrInvalidInput marks malformed request fields rejected before any state is read.
	ErrInvalidInput = errors.New("invalid input")
)

type UnknownStatusError struct {
	Status string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown stage status %q", e.Status)
}

type InvalidTransitionError struct {
	Current   StageStatus
	Requested StageStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("a stage cannot move from %s to %s", e.Current, e.Requested)
}

type MissingReasonError struct {
	Kind ReasonKind
}

func (e *MissingReasonError) Error() string {
	return fmt.Sprintf("a %s reason is required", e.Kind)
}

// ReasonTooLongError also matches MissingReasonError through errors.As,
// since an over-long reason is not an acceptable reason.
type ReasonTooLongError struct {
	Kind   ReasonKind
	Length int
}

func (e *ReasonTooLongError) Error() string {
	return fmt.Sprintf("the %s reason must be at most %d characters, got %d", e.Kind, MaxReasonLength, e.Length)
}

func (e *ReasonTooLongError) Unwrap() error {
	return &MissingReasonError{Kind: e.Kind}
}

type InvalidDurationError struct {
	Minutes int
}

func (e *InvalidDurationError) Error() string {
	return fmt.Sprintf("actual duration must be at least 1 minute, got %d", e.Minutes)
}

// StageOrderError is returned under strict ordering when an earlier stage is still open.
type StageOrderError struct {
	Stage    StageName
	Blocking StageName
}

func (e *StageOrderError) Error() string {
	return fmt.Sprintf("%s cannot start before %s is completed or skipped", e.Stage, e.Blocking)
}

type InvalidAttachmentError struct {
	Index  int
	Reason string
}

func (e *InvalidAttachmentError) Error() string {
	return fmt.Sprintf("attachment %d: %s", e.Index, e.Reason)
}

type InvalidStageDataError struct {
	Stage  StageName
	Detail string
}

func (e *InvalidStageDataError) Error() string {
	return fmt.Sprintf("invalid stage data for %s: %s", e.Stage, e.Detail)
}

// IsValidationError reports whether err is a rejection the operator can
// correct, as opposed to a system failure.
func IsValidationError(err error) bool {
	return ErrorCode(err) != ""
}

// ErrorCode is the stable machine-readable kind of a domain rejection, or ""
// for anything else.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var (
		unknown    *UnknownStatusError
		transition *InvalidTransitionError
		tooLong    *ReasonTooLongError
		missing    *MissingReasonError
		duration   *InvalidDurationError
		order      *StageOrderError
		attachment *InvalidAttachmentError
		stageData  *InvalidStageDataError
	)
	switch {
	case errors.As(err, &unknown):
		return "UNKNOWN_STATUS"
	case errors.As(err, &transition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrApprovalRequired):
		return "APPROVAL_REQUIRED"
	case errors.As(err, &tooLong):
		return "REASON_TOO_LONG"
	case errors.As(err, &missing):
		return "MISSING_REASON"
	case errors.As(err, &duration):
		return "INVALID_DURATION"
	case errors.Is(err, ErrConcurrentModification):
		return "CONCURRENT_MODIFICATION"
	case errors.Is(err, ErrStageImmutable):
		return "STAGE_IMMUTABLE"
	case errors.Is(err, ErrPrintJobClosed):
		return "PRINT_JOB_CLOSED"
	case errors.As(err, &order):
		return "STAGE_ORDER"
	case errors.As(err, &attachment):
		return "INVALID_ATTACHMENT"
	case errors.As(err, &stageData):
		return "INVALID_STAGE_DATA"
	}
	return ""
}
