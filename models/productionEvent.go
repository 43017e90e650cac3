package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outbox publish statuses for ProductionEventRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// ProductionEventRecord is the transactional outbox: rows are written in the
// same transaction as the production change and published by the dispatcher.
type ProductionEventRecord struct {
	ID               int                 `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	CompanyId        string              `gorm:"size:64;not null;index" json:"company_id"`
	EventType        ProductionEventType `gorm:"size:32;not null;index" json:"event_type"`
	ReferenceId      int                 `gorm:"index;not null" json:"reference_id"`
	StageId          *int                `json:"stage_id"`
	Payload          datatypes.JSON      `json:"payload"`
	PublishStatus    string              `gorm:"size:20;not null;index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time          `json:"published_at"`
	PubSubMessageId  *string             `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int                 `gorm:"not null" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `gorm:"index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time          `json:"locked_at"`
	LockedBy         *string             `gorm:"size:64" json:"locked_by"`
	LastPublishError *string             `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string              `gorm:"size:64;index" json:"correlation_id"`
	OccurredAt       time.Time           `gorm:"not null" json:"occurred_at"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// ToPubSubMessage is the wire form handed to the publisher.
func (r *ProductionEventRecord) ToPubSubMessage() config.PubSubMessage {
	return config.PubSubMessage{
		ID:            r.ID,
		CompanyId:     r.CompanyId,
		EventType:     string(r.EventType),
		ReferenceId:   r.ReferenceId,
		Payload:       json.RawMessage(r.Payload),
		CorrelationId: r.CorrelationId,
		OccurredAt:    r.OccurredAt,
	}
}

type StageTransitionedPayload struct {
	PrintJobId           int              `json:"print_job_id"`
	JobNumber            string           `json:"job_number"`
	BranchId             int              `json:"branch_id"`
	StageId              int              `json:"stage_id"`
	StageName            StageName        `json:"stage_name"`
	StageVersion         int              `json:"stage_version"`
	From                 StageStatus      `json:"from"`
	To                   StageStatus      `json:"to"`
	ProductionStatus     ProductionStatus `json:"production_status"`
	CompletionPercentage int              `json:"completion_percentage"`
	ActorId              int              `json:"actor_id"`
	ActorName            string           `json:"actor_name"`
	OccurredAt           time.Time        `json:"occurred_at"`
}

type ApprovalRequestedPayload struct {
	PrintJobId   int       `json:"print_job_id"`
	JobNumber    string    `json:"job_number"`
	BranchId     int       `json:"branch_id"`
	StageId      int       `json:"stage_id"`
	StageName    StageName `json:"stage_name"`
	StageVersion int       `json:"stage_version"`
	ContactPhone string    `json:"contact_phone"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// JobEventPayload is shared by JOB_COMPLETED and JOB_CANCELLED.
type JobEventPayload struct {
	PrintJobId           int              `json:"print_job_id"`
	JobNumber            string           `json:"job_number"`
	BranchId             int              `json:"branch_id"`
	ProductionStatus     ProductionStatus `json:"production_status"`
	CompletionPercentage int              `json:"completion_percentage"`
	Reason               string           `json:"reason,omitempty"`
	OccurredAt           time.Time        `json:"occurred_at"`
}

// enqueueProductionEvent writes one outbox row inside tx. Events switched off
// by config are dropped silently.
func enqueueProductionEvent(tx *gorm.DB, actor Actor, eventType ProductionEventType, referenceId int, stageId *int, payload interface{}, occurredAt time.Time) error {
	if !config.OutboxEventEnabled(string(eventType)) {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(tx.Statement.Context)
	record := ProductionEventRecord{
		CompanyId:     actor.CompanyId,
		EventType:     eventType,
		ReferenceId:   referenceId,
		StageId:       stageId,
		Payload:       datatypes.JSON(b),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationId,
		OccurredAt:    occurredAt,
	}
	return tx.Create(&record).Error
}

// enqueueStageEvents records what a stage transition means downstream.
func enqueueStageEvents(tx *gorm.DB, actor Actor, job *PrintJob, previous, next *ProductionStage, before JobRollup, now time.Time) error {
	stageId := next.ID
	err := enqueueProductionEvent(tx, actor, ProductionEventStageTransitioned, job.ID, &stageId, StageTransitionedPayload{
		PrintJobId:           job.ID,
		JobNumber:            job.JobNumber,
		BranchId:             job.BranchId,
		StageId:              next.ID,
		StageName:            next.StageName,
		StageVersion:         next.Version,
		From:                 previous.StageStatus,
		To:                   next.StageStatus,
		ProductionStatus:     job.ProductionStatus,
		CompletionPercentage: job.CompletionPercentage,
		ActorId:              actor.UserId,
		ActorName:            actor.UserName,
		OccurredAt:           now,
	}, now)
	if err != nil {
		return err
	}

	if next.StageStatus == StageStatusRequiresApproval {
		err = enqueueProductionEvent(tx, actor, ProductionEventApprovalRequested, job.ID, &stageId, ApprovalRequestedPayload{
			PrintJobId:   job.ID,
			JobNumber:    job.JobNumber,
			BranchId:     job.BranchId,
			StageId:      next.ID,
			StageName:    next.StageName,
			StageVersion: next.Version,
			ContactPhone: job.ContactPhone,
			OccurredAt:   now,
		}, now)
		if err != nil {
			return err
		}
	}

	if job.ProductionStatus == ProductionStatusCompleted && before.ProductionStatus != ProductionStatusCompleted {
		err = enqueueProductionEvent(tx, actor, ProductionEventJobCompleted, job.ID, nil, JobEventPayload{
			PrintJobId:           job.ID,
			JobNumber:            job.JobNumber,
			BranchId:             job.BranchId,
			ProductionStatus:     job.ProductionStatus,
			CompletionPercentage: job.CompletionPercentage,
			OccurredAt:           now,
		}, now)
	}
	return err
}

// ReplayProductionEvents puts DEAD (and optionally FAILED) rows of a company
// back to PENDING so the dispatcher picks them up again.
func ReplayProductionEvents(ctx context.Context, actor Actor, includeFailed bool, ids []int) (int64, error) {
	if err := actor.validate(); err != nil {
		return 0, err
	}
	ctx = actor.Context(ctx)

	statuses := []string{OutboxPublishStatusDead}
	if includeFailed {
		statuses = append(statuses, OutboxPublishStatusFailed)
	}
	q := config.GetDB().WithContext(ctx).Model(&ProductionEventRecord{}).
		Where("company_id = ? AND publish_status IN ?", actor.CompanyId, statuses)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	res := q.Updates(map[string]interface{}{
		"publish_status":     OutboxPublishStatusPending,
		"publish_attempts":   0,
		"next_attempt_at":    nil,
		"locked_at":          nil,
		"locked_by":          nil,
		"last_publish_error": nil,
	})
	return res.RowsAffected, res.Error
}

// ListProductionEvents lists outbox rows of a company by status, oldest first.
func ListProductionEvents(ctx context.Context, actor Actor, status string, limit int) ([]*ProductionEventRecord, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	dbCtx := config.GetDB().WithContext(ctx).Where("company_id = ?", actor.CompanyId)
	if status != "" {
		dbCtx = dbCtx.Where("publish_status = ?", status)
	}
	var results []*ProductionEventRecord
	if err := dbCtx.Order("id ASC").Limit(limit).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// DecodePayload unmarshals an event payload into dest.
func DecodePayload(raw json.RawMessage, dest interface{}) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, dest)
}
