package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MalformedEventError is a message that no redelivery can fix. ProcessMessage
// acks it and records the key as SKIPPED.
type MalformedEventError struct {
	EventType string
	Reason    string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: %s", e.EventType, e.Reason)
}

func malformed(m config.PubSubMessage, format string, args ...interface{}) error {
	return &MalformedEventError{EventType: m.EventType, Reason: fmt.Sprintf(format, args...)}
}

// Consumer views of the outbox payloads. Enum fields stay plain strings so a
// bad value is judged by the handler that reads it, not by the decoder.
type stageTransitionedEvent struct {
	BranchId   int       `json:"branch_id"`
	StageId    int       `json:"stage_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	ActorName  string    `json:"actor_name"`
	OccurredAt time.Time `json:"occurred_at"`
}

type approvalRequestedEvent struct {
	PrintJobId   int       `json:"print_job_id"`
	BranchId     int       `json:"branch_id"`
	StageId      int       `json:"stage_id"`
	StageName    string    `json:"stage_name"`
	StageVersion int       `json:"stage_version"`
	ContactPhone string    `json:"contact_phone"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type jobEvent struct {
	BranchId   int       `json:"branch_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ProcessMessage consumes one published production event. Redelivery of a
// message that already succeeded is a no-op. Malformed payloads are logged
// and acked.
func ProcessMessage(ctx context.Context, db *gorm.DB, logger *logrus.Logger, m config.PubSubMessage) error {
	if m.CompanyId == "" {
		return fmt.Errorf("production event %d has no company_id", m.ID)
	}
	ctx = utils.SystemContext(ctx, m.CompanyId)
	handlerName := m.EventType
	messageId := strconv.Itoa(m.ID)

	var handlerErr error
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireCompanyEventLock(tx, m.CompanyId); err != nil {
			return err
		}
		defer ReleaseCompanyEventLock(tx, m.CompanyId)

		skip, err := BeginIdempotency(tx, m.CompanyId, handlerName, messageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		if err := ProcessProductionEvent(tx, logger, m); err != nil {
			var bad *MalformedEventError
			if errors.As(err, &bad) {
				if logger != nil {
					logger.WithFields(logrus.Fields{
						"field":        "ProductionEventWorkflow",
						"company_id":   m.CompanyId,
						"event_type":   m.EventType,
						"reference_id": m.ReferenceId,
						"message_id":   m.ID,
					}).Warn(bad.Error() + ", acking")
				}
				return MarkIdempotencySkipped(tx, m.CompanyId, handlerName, messageId, bad)
			}
			handlerErr = err
			return err
		}
		return MarkIdempotencySucceeded(tx, m.CompanyId, handlerName, messageId)
	})

	if handlerErr != nil {
		// the STARTED row went with the rollback
		if markErr := MarkIdempotencyFailed(db.WithContext(ctx), m.CompanyId, handlerName, messageId, handlerErr); markErr != nil && logger != nil {
			config.LogError(logger, "ProductionEventWorkflow", "ProcessMessage", "mark idempotency failed", m.ID, markErr)
		}
	}
	return err
}

// ProcessProductionEvent applies the read-side effects of one event: daily
// counters and the customer approval queue. Every check runs before the
// first write.
func ProcessProductionEvent(tx *gorm.DB, logger *logrus.Logger, m config.PubSubMessage) error {
	switch models.ProductionEventType(m.EventType) {
	case models.ProductionEventStageTransitioned:
		var p stageTransitionedEvent
		if err := models.DecodePayload(m.Payload, &p); err != nil {
			return malformed(m, "%v", err)
		}
		return processStageTransitioned(tx, m, p)

	case models.ProductionEventApprovalRequested:
		var p approvalRequestedEvent
		if err := models.DecodePayload(m.Payload, &p); err != nil {
			return malformed(m, "%v", err)
		}
		if p.PrintJobId <= 0 || p.StageId <= 0 {
			return malformed(m, "print_job_id and stage_id are required")
		}
		stageName, err := models.ParseStageName(p.StageName)
		if err != nil {
			return malformed(m, "%v", err)
		}
		at := occurredAt(p.OccurredAt, m)
		created, err := models.OpenApprovalRequestTx(tx, m.CompanyId, models.ApprovalRequestedPayload{
			PrintJobId:   p.PrintJobId,
			BranchId:     p.BranchId,
			StageId:      p.StageId,
			StageName:    stageName,
			StageVersion: p.StageVersion,
			ContactPhone: p.ContactPhone,
			OccurredAt:   at,
		})
		if err != nil || !created {
			return err
		}
		return models.IncrementDailySummaryTx(tx, m.CompanyId, p.BranchId, models.SummaryDate(at),
			models.SummaryCounters{ApprovalsRequested: 1})

	case models.ProductionEventJobCompleted, models.ProductionEventJobCancelled:
		var p jobEvent
		if err := models.DecodePayload(m.Payload, &p); err != nil {
			return malformed(m, "%v", err)
		}
		var c models.SummaryCounters
		if m.EventType == string(models.ProductionEventJobCompleted) {
			c.JobsCompleted = 1
		} else {
			c.JobsCancelled = 1
		}
		return models.IncrementDailySummaryTx(tx, m.CompanyId, p.BranchId, models.SummaryDate(occurredAt(p.OccurredAt, m)), c)

	default:
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":        "ProductionEventWorkflow",
				"company_id":   m.CompanyId,
				"event_type":   m.EventType,
				"reference_id": m.ReferenceId,
				"message_id":   m.ID,
			}).Warn("unknown production event type, acking")
		}
		return nil
	}
}

func processStageTransitioned(tx *gorm.DB, m config.PubSubMessage, p stageTransitionedEvent) error {
	to, err := models.ParseStageStatus(p.To)
	if err != nil {
		return malformed(m, "%v", err)
	}
	var from models.StageStatus
	if p.From != "" {
		if from, err = models.ParseStageStatus(p.From); err != nil {
			return malformed(m, "%v", err)
		}
	}
	resolvesApproval := from == models.StageStatusRequiresApproval &&
		(to == models.StageStatusCompleted || to == models.StageStatusRejected)
	if resolvesApproval && p.StageId <= 0 {
		return malformed(m, "stage_id is required to resolve an approval")
	}

	at := occurredAt(p.OccurredAt, m)
	var c models.SummaryCounters
	switch to {
	case models.StageStatusInProgress:
		c.StagesStarted = 1
	case models.StageStatusCompleted:
		c.StagesCompleted = 1
	case models.StageStatusRejected:
		c.StagesRejected = 1
	case models.StageStatusOnHold:
		c.StagesHeld = 1
	}
	if !c.IsZero() {
		if err := models.IncrementDailySummaryTx(tx, m.CompanyId, p.BranchId, models.SummaryDate(at), c); err != nil {
			return err
		}
	}

	if !resolvesApproval {
		return nil
	}
	resolution := models.ApprovalRequestApproved
	if to == models.StageStatusRejected {
		resolution = models.ApprovalRequestRejected
	}
	_, err = models.ResolveApprovalRequestsTx(tx, m.CompanyId, p.StageId, resolution, p.ActorName, at)
	return err
}

func occurredAt(payloadTime time.Time, m config.PubSubMessage) time.Time {
	if payloadTime.IsZero() {
		return m.OccurredAt
	}
	return payloadTime
}
