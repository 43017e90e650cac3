package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CustomerApprovalRequest tracks a proof waiting on the customer. One row per
// stage visit to requires_approval, keyed by the stage version it was raised at.
type CustomerApprovalRequest struct {
	ID           int                   `gorm:"primary_key" json:"id"`
	CompanyId    string                `gorm:"size:64;not null;index" json:"company_id"`
	PrintJobId   int                   `gorm:"index;not null" json:"print_job_id"`
	StageId      int                   `gorm:"not null;uniqueIndex:uniq_approval_stage_version,priority:1" json:"stage_id"`
	StageVersion int                   `gorm:"not null;uniqueIndex:uniq_approval_stage_version,priority:2" json:"stage_version"`
	StageName    StageName             `gorm:"size:40;not null" json:"stage_name"`
	ContactPhone string                `gorm:"size:32" json:"contact_phone"`
	Status       ApprovalRequestStatus `gorm:"size:16;not null;index" json:"status"`
	RequestedAt  time.Time             `gorm:"not null" json:"requested_at"`
	ResolvedAt   *time.Time            `json:"resolved_at"`
	ResolvedBy   *string               `gorm:"size:100" json:"resolved_by"`
	CreatedAt    time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

// OpenApprovalRequestTx records a pending request. A redelivered event for
// the same stage version is a no-op.
func OpenApprovalRequestTx(tx *gorm.DB, companyId string, p ApprovalRequestedPayload) (bool, error) {
	req := CustomerApprovalRequest{
		CompanyId:    companyId,
		PrintJobId:   p.PrintJobId,
		StageId:      p.StageId,
		StageVersion: p.StageVersion,
		StageName:    p.StageName,
		ContactPhone: p.ContactPhone,
		Status:       ApprovalRequestPending,
		RequestedAt:  p.OccurredAt,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&req)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ResolveApprovalRequestsTx closes the stage's pending requests.
func ResolveApprovalRequestsTx(tx *gorm.DB, companyId string, stageId int, status ApprovalRequestStatus, resolvedBy string, at time.Time) (int64, error) {
	res := tx.Model(&CustomerApprovalRequest{}).
		Where("company_id = ? AND stage_id = ? AND status = ?", companyId, stageId, ApprovalRequestPending).
		Updates(map[string]interface{}{
			"status":      status,
			"resolved_at": at,
			"resolved_by": resolvedBy,
		})
	return res.RowsAffected, res.Error
}

// ListApprovalRequests returns a job's approval requests, newest first.
func ListApprovalRequests(ctx context.Context, actor Actor, printJobId int) ([]*CustomerApprovalRequest, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)

	var results []*CustomerApprovalRequest
	err := config.GetDB().WithContext(ctx).
		Where("company_id = ? AND print_job_id = ?", actor.CompanyId, printJobId).
		Order("requested_at DESC, id DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
