package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type StageStatus string

const (
	StageStatusPending          StageStatus = "pending"
	StageStatusReady            StageStatus = "ready"
	StageStatusInProgress       StageStatus = "in_progress"
	StageStatusCompleted        StageStatus = "completed"
	StageStatusOnHold           StageStatus = "on_hold"
	StageStatusRequiresApproval StageStatus = "requires_approval"
	StageStatusRejected         StageStatus = "rejected"
	StageStatusSkipped          StageStatus = "skipped"
)

// AllStageStatuses lists every stage status in declaration order.
var AllStageStatuses = []StageStatus{
	StageStatusPending,
	StageStatusReady,
	StageStatusInProgress,
	StageStatusCompleted,
	StageStatusOnHold,
	StageStatusRequiresApproval,
	StageStatusRejected,
	StageStatusSkipped,
}

// ParseStageStatus accepts only the closed set of stage statuses.
func ParseStageStatus(s string) (StageStatus, error) {
	switch StageStatus(s) {
	case StageStatusPending,
		StageStatusReady,
		StageStatusInProgress,
		StageStatusCompleted,
		StageStatusOnHold,
		StageStatusRequiresApproval,
		StageStatusRejected,
		StageStatusSkipped:
		return StageStatus(s), nil
	}
	return "", &UnknownStatusError{Status: s}
}

func (s StageStatus) IsValid() bool {
	_, err := ParseStageStatus(string(s))
	return err == nil
}

// IsTerminal reports whether no further transition is possible.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusCompleted || s == StageStatusSkipped
}

// IsDone counts towards the job's completion percentage.
func (s StageStatus) IsDone() bool {
	return s == StageStatusCompleted || s == StageStatusSkipped
}

func (s *StageStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("stage status must be string")
	}
	v, err := ParseStageStatus(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type StageName string

const (
	StageNameDesignReview       StageName = "design_review"
	StageNameCustomerProof      StageName = "customer_proof"
	StageNamePrePressSetup      StageName = "pre_press_setup"
	StageNamePlateMaking        StageName = "plate_making"
	StageNamePrintingProcess    StageName = "printing_process"
	StageNameFinishing          StageName = "finishing"
	StageNameLamination         StageName = "lamination"
	StageNameCuttingAndTrimming StageName = "cutting_and_trimming"
	StageNameBinding            StageName = "binding"
	StageNameQualityInspection  StageName = "quality_inspection"
	StageNamePackaging          StageName = "packaging"
	StageNameReadyForDelivery   StageName = "ready_for_delivery"
)

var stageNames = map[StageName]struct{}{
	StageNameDesignReview:       {},
	StageNameCustomerProof:      {},
	StageNamePrePressSetup:      {},
	StageNamePlateMaking:        {},
	StageNamePrintingProcess:    {},
	StageNameFinishing:          {},
	StageNameLamination:         {},
	StageNameCuttingAndTrimming: {},
	StageNameBinding:            {},
	StageNameQualityInspection:  {},
	StageNamePackaging:          {},
	StageNameReadyForDelivery:   {},
}

func ParseStageName(s string) (StageName, error) {
	if _, ok := stageNames[StageName(s)]; !ok {
		return "", fmt.Errorf("invalid stage name %q", s)
	}
	return StageName(s), nil
}

func (n StageName) IsValid() bool {
	_, ok := stageNames[n]
	return ok
}

// Label is the operator-facing name, e.g. "Quality Inspection".
func (n StageName) Label() string {
	parts := strings.Split(string(n), "_")
	for i, p := range parts {
		if p == "and" || p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

func (n *StageName) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("stage name must be string")
	}
	v, err := ParseStageName(str)
	if err != nil {
		return err
	}
	*n = v
	return nil
}

type JobType string

const (
	JobTypeBusinessCards JobType = "business_cards"
	JobTypeBrochures     JobType = "brochures"
	JobTypeBanners       JobType = "banners"
	JobTypeFlyers        JobType = "flyers"
	JobTypePosters       JobType = "posters"
	JobTypeCustom        JobType = "custom"
)

func (t JobType) IsValid() bool {
	switch t {
	case JobTypeBusinessCards, JobTypeBrochures, JobTypeBanners, JobTypeFlyers, JobTypePosters, JobTypeCustom:
		return true
	}
	return false
}

func (t *JobType) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("job type must be string")
	}
	if !JobType(str).IsValid() {
		return errors.New("invalid job type")
	}
	*t = JobType(str)
	return nil
}

type JobPriority string

const (
	JobPriorityLow    JobPriority = "low"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityHigh   JobPriority = "high"
	JobPriorityUrgent JobPriority = "urgent"
)

func (p JobPriority) IsValid() bool {
	switch p {
	case JobPriorityLow, JobPriorityNormal, JobPriorityHigh, JobPriorityUrgent:
		return true
	}
	return false
}

func (p *JobPriority) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("priority must be string")
	}
	if !JobPriority(str).IsValid() {
		return errors.New("invalid priority")
	}
	*p = JobPriority(str)
	return nil
}

type ProductionStatus string

const (
	ProductionStatusPending    ProductionStatus = "pending"
	ProductionStatusInProgress ProductionStatus = "in_progress"
	ProductionStatusOnHold     ProductionStatus = "on_hold"
	ProductionStatusCompleted  ProductionStatus = "completed"
	ProductionStatusCancelled  ProductionStatus = "cancelled"
)

func (s ProductionStatus) IsValid() bool {
	switch s {
	case ProductionStatusPending, ProductionStatusInProgress, ProductionStatusOnHold, ProductionStatusCompleted, ProductionStatusCancelled:
		return true
	}
	return false
}

// IsClosed reports whether the job accepts no more stage changes.
func (s ProductionStatus) IsClosed() bool {
	return s == ProductionStatusCompleted || s == ProductionStatusCancelled
}

func (s *ProductionStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("production status must be string")
	}
	if !ProductionStatus(str).IsValid() {
		return errors.New("invalid production status")
	}
	*s = ProductionStatus(str)
	return nil
}

type ReasonKind string

const (
	ReasonKindRejection    ReasonKind = "rejection"
	ReasonKindHold         ReasonKind = "hold"
	ReasonKindCancellation ReasonKind = "cancellation"
)

type ProductionEventType string

const (
	ProductionEventStageTransitioned ProductionEventType = "STAGE_TRANSITIONED"
	ProductionEventJobCompleted      ProductionEventType = "JOB_COMPLETED"
	ProductionEventApprovalRequested ProductionEventType = "APPROVAL_REQUESTED"
	ProductionEventJobCancelled      ProductionEventType = "JOB_CANCELLED"
)

func (t ProductionEventType) IsValid() bool {
	switch t {
	case ProductionEventStageTransitioned, ProductionEventJobCompleted, ProductionEventApprovalRequested, ProductionEventJobCancelled:
		return true
	}
	return false
}

type ApprovalRequestStatus string

const (
	ApprovalRequestPending  ApprovalRequestStatus = "PENDING"
	ApprovalRequestApproved ApprovalRequestStatus = "APPROVED"
	ApprovalRequestRejected ApprovalRequestStatus = "REJECTED"
)
