package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("printshop_backend/models")

// StageTransitionInput is a requested status change. Status is kept as a raw
// string so an unknown value is reported as a domain error.
type StageTransitionInput struct {
	Status          string                 `json:"status"`
	ExpectedVersion *int                   `json:"expected_version"`
	Notes           *string                `json:"notes"`
	StageData       map[string]interface{} `json:"stage_data"`
	Attachments     []StageAttachment      `json:"attachments"`
	RejectionReason *string                `json:"rejection_reason"`
	HoldReason      *string                `json:"hold_reason"`
	ActualDuration  *int                   `json:"actual_duration"`
}

// StageAnnotationInput edits a stage without changing its status.
type StageAnnotationInput struct {
	ExpectedVersion *int                   `json:"expected_version"`
	Notes           *string                `json:"notes"`
	StageData       map[string]interface{} `json:"stage_data"`
	Attachments     []StageAttachment      `json:"attachments"`
}

type StageTransitionResult struct {
	Stage               *ProductionStage `json:"stage"`
	PrintJob            *PrintJob        `json:"print_job"`
	AllowedNextStatuses []StageStatus    `json:"allowed_next_statuses"`
}

type StageAllowedTransitions struct {
	StageId                  int           `json:"stage_id"`
	StageName                StageName     `json:"stage_name"`
	Current                  StageStatus   `json:"current"`
	RequiresCustomerApproval bool          `json:"requires_customer_approval"`
	Version                  int           `json:"version"`
	Allowed                  []StageStatus `json:"allowed"`
}

// ApplyTransition validates the requested change and returns the updated
// stage. On any error the receiver is left exactly as it was.
func (s *ProductionStage) ApplyTransition(input StageTransitionInput, actor Actor, now time.Time) (*ProductionStage, error) {
	requested, err := ParseStageStatus(input.Status)
	if err != nil {
		return nil, err
	}
	// nothing leaves completed or skipped, whatever else the request carries
	if s.StageStatus.IsTerminal() {
		return nil, &InvalidTransitionError{Current: s.StageStatus, Requested: requested}
	}
	if input.ExpectedVersion != nil && *input.ExpectedVersion != s.Version {
		return nil, ErrConcurrentModification
	}
	if input.ActualDuration != nil && *input.ActualDuration < 1 {
		return nil, &InvalidDurationError{Minutes: *input.ActualDuration}
	}
	if err := CheckStageTransition(StageTransitionCheck{
		Current:                  s.StageStatus,
		Requested:                requested,
		RequiresCustomerApproval: s.RequiresCustomerApproval,
		RejectionReason:          input.RejectionReason,
		HoldReason:               input.HoldReason,
	}); err != nil {
		return nil, err
	}
	if err := checkAttachments(input.Attachments, actor.CompanyId); err != nil {
		return nil, err
	}

	next := s.clone()
	if err := next.mergeStageData(input.StageData); err != nil {
		return nil, err
	}

	previous := s.StageStatus
	next.StageStatus = requested

	switch requested {
	case StageStatusInProgress:
		if next.StartedAt == nil {
			next.StartedAt = &now
		}
	case StageStatusCompleted:
		next.CompletedAt = &now
		if previous == StageStatusRequiresApproval && next.RequiresCustomerApproval {
			approvedBy := actor.UserName
			next.CustomerApprovedAt = &now
			next.CustomerApprovedBy = &approvedBy
		}
	}

	next.RejectionReason = nil
	next.HoldReason = nil
	switch requested {
	case StageStatusRejected:
		next.RejectionReason = trimmedReason(input.RejectionReason)
	case StageStatusOnHold:
		next.HoldReason = trimmedReason(input.HoldReason)
	}

	if input.Notes != nil {
		next.Notes = clonePtr(input.Notes)
	}
	next.Attachments = append(next.Attachments, input.Attachments...)

	if input.ActualDuration != nil {
		next.ActualDuration = clonePtr(input.ActualDuration)
	} else if requested == StageStatusCompleted && next.ActualDuration == nil && next.StartedAt != nil {
		minutes := int(now.Sub(*next.StartedAt).Minutes())
		if minutes < 1 {
			minutes = 1
		}
		next.ActualDuration = &minutes
	}

	next.touch(actor, now)
	return next, nil
}

// Annotate edits notes, stage data and attachments without a status change.
func (s *ProductionStage) Annotate(input StageAnnotationInput, actor Actor, now time.Time) (*ProductionStage, error) {
	if s.IsImmutable() {
		return nil, ErrStageImmutable
	}
	if input.ExpectedVersion != nil && *input.ExpectedVersion != s.Version {
		return nil, ErrConcurrentModification
	}
	if err := checkAttachments(input.Attachments, actor.CompanyId); err != nil {
		return nil, err
	}

	next := s.clone()
	if err := next.mergeStageData(input.StageData); err != nil {
		return nil, err
	}
	if input.Notes != nil {
		next.Notes = clonePtr(input.Notes)
	}
	next.Attachments = append(next.Attachments, input.Attachments...)
	next.touch(actor, now)
	return next, nil
}

func (s *ProductionStage) touch(actor Actor, now time.Time) {
	s.Version++
	s.UpdatedById = actor.UserId
	s.UpdatedByName = actor.UserName
	s.UpdatedAt = now
}

// mergeStageData shallow-merges patch into the stage data and validates the
// result. Nothing is validated when no patch is supplied.
func (s *ProductionStage) mergeStageData(patch map[string]interface{}) error {
	if patch == nil {
		return nil
	}
	for k, v := range patch {
		s.StageData[k] = v
	}
	return ValidateStageData(s.StageName, s.StageData)
}

func checkAttachments(attachments []StageAttachment, companyId string) error {
	for i, a := range attachments {
		key := strings.TrimSpace(a.ObjectKey)
		if key == "" && strings.TrimSpace(a.Url) == "" {
			return &InvalidAttachmentError{Index: i, Reason: "object key or url is required"}
		}
		if key != "" && !utils.ValidObjectKeyForCompany(key, companyId) {
			return &InvalidAttachmentError{Index: i, Reason: "object key does not belong to this company"}
		}
		if a.Size > MaxAttachmentSize {
			return &InvalidAttachmentError{Index: i, Reason: "file is larger than 5MB"}
		}
	}
	return nil
}

func checkStageOrder(stages []ProductionStage, stage *ProductionStage) error {
	for _, other := range stages {
		if other.ID == stage.ID {
			continue
		}
		if other.StageOrder < stage.StageOrder && !other.StageStatus.IsDone() {
			return &StageOrderError{Stage: stage.StageName, Blocking: other.StageName}
		}
	}
	return nil
}

func allowedTransitionsFor(stage *ProductionStage, job *PrintJob) []StageStatus {
	if job != nil && job.ProductionStatus.IsClosed() {
		return []StageStatus{}
	}
	return stage.AllowedNextStatuses()
}

// TransitionProductionStage applies a status change to a stored stage and
// recomputes its print job in the same transaction.
func TransitionProductionStage(ctx context.Context, actor Actor, stageId int, input *StageTransitionInput) (*StageTransitionResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(actor.Context(ctx), "TransitionProductionStage", trace.WithAttributes(
		attribute.String("company_id", actor.CompanyId),
		attribute.Int("stage_id", stageId),
		attribute.String("requested_status", input.Status),
	))
	defer span.End()

	var result StageTransitionResult
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stage, err := utils.FetchModelTx[ProductionStage](tx, actor.CompanyId, stageId)
		if err != nil {
			return err
		}
		job, err := loadPrintJobTx(tx, actor.CompanyId, stage.PrintJobId)
		if err != nil {
			return err
		}
		if job.ProductionStatus.IsClosed() {
			return ErrPrintJobClosed
		}

		now := time.Now().UTC()
		next, err := stage.ApplyTransition(*input, actor, now)
		if err != nil {
			return err
		}
		if config.StrictStageOrder() && next.StageStatus == StageStatusInProgress && stage.StageStatus != StageStatusInProgress {
			if err := checkStageOrder(job.Stages, stage); err != nil {
				return err
			}
		}

		if err := saveStageTx(tx, stage, next, input.ExpectedVersion != nil); err != nil {
			return err
		}

		before := job.snapshotRollup()
		job.replaceStage(next)
		if err := saveRollupTx(tx, actor, job, before); err != nil {
			return err
		}

		description := fmt.Sprintf("%s moved from %s to %s.", next.StageName.Label(), stage.StageStatus, next.StageStatus)
		if err := createHistory(tx, actor, "UPDATE", stage.ID, "production_stages", stage, next, description); err != nil {
			return err
		}
		if err := enqueueStageEvents(tx, actor, job, stage, next, before, now); err != nil {
			return err
		}

		result.Stage = next
		result.PrintJob = job
		result.AllowedNextStatuses = allowedTransitionsFor(next, job)
		return nil
	})
	if err != nil {
		if !IsValidationError(err) && !errors.Is(err, utils.ErrorRecordNotFound) {
			span.RecordError(err)
			config.LogError(config.GetLogger(), "ProductionStage", "TransitionProductionStage", "transaction", stageId, err)
		}
		return nil, err
	}

	invalidatePrintJobCache(ctx, actor.CompanyId, result.PrintJob.ID)
	return &result, nil
}

// AnnotateProductionStage stores notes, stage data and attachments on an open stage.
func AnnotateProductionStage(ctx context.Context, actor Actor, stageId int, input *StageAnnotationInput) (*ProductionStage, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)

	var result *ProductionStage
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stage, err := utils.FetchModelTx[ProductionStage](tx, actor.CompanyId, stageId)
		if err != nil {
			return err
		}
		next, err := stage.Annotate(*input, actor, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := saveStageTx(tx, stage, next, input.ExpectedVersion != nil); err != nil {
			return err
		}
		description := fmt.Sprintf("%s annotated.", next.StageName.Label())
		if err := createHistory(tx, actor, "UPDATE", stage.ID, "production_stages", stage, next, description); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	invalidatePrintJobCache(ctx, actor.CompanyId, result.PrintJobId)
	return result, nil
}

// GetStageAllowedTransitions is the read-only projection of the statuses a
// stage may move to next. A closed print job allows none.
func GetStageAllowedTransitions(ctx context.Context, actor Actor, stageId int) (*StageAllowedTransitions, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)

	stage, err := utils.FetchModel[ProductionStage](ctx, actor.CompanyId, stageId)
	if err != nil {
		return nil, err
	}
	var job PrintJob
	err = config.GetDB().WithContext(ctx).
		Select("id", "production_status").
		Where("company_id = ?", actor.CompanyId).
		First(&job, stage.PrintJobId).Error
	if err != nil {
		return nil, utils.NotFoundOr(err)
	}

	return &StageAllowedTransitions{
		StageId:                  stage.ID,
		StageName:                stage.StageName,
		Current:                  stage.StageStatus,
		RequiresCustomerApproval: stage.RequiresCustomerApproval,
		Version:                  stage.Version,
		Allowed:                  allowedTransitionsFor(stage, &job),
	}, nil
}

// saveStageTx writes next over current. With checkVersion the write only
// lands if nobody bumped the version since current was read.
func saveStageTx(tx *gorm.DB, current, next *ProductionStage, checkVersion bool) error {
	q := tx.Model(&ProductionStage{}).Where("id = ?", current.ID)
	if checkVersion {
		q = q.Where("version = ?", current.Version)
	}
	res := q.Updates(next.updateColumns())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	return nil
}
