package models

import (
	"time"

	"gorm.io/datatypes"
)

// MaxAttachmentSize is the largest file the upload flow accepts for a stage.
const MaxAttachmentSize = 5 << 20

// AllowedAttachmentTypes maps accepted content types to their extension.
var AllowedAttachmentTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"application/pdf": ".pdf",
}

// StageAttachment is a stored file reference, already checked by the upload flow.
type StageAttachment struct {
	ObjectKey    string    `json:"object_key"`
	Url          string    `json:"url"`
	FileName     string    `json:"file_name,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	Size         int64     `json:"size,omitempty"`
	ThumbnailUrl string    `json:"thumbnail_url,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at"`
	UploadedBy   string    `json:"uploaded_by,omitempty"`
}

type ProductionStage struct {
	ID                       int                                 `gorm:"primary_key" json:"id"`
	CompanyId                string                              `gorm:"size:64;index;not null" json:"company_id"`
	PrintJobId               int                                 `gorm:"index;not null" json:"print_job_id"`
	StageName                StageName                           `gorm:"size:40;not null" json:"stage_name"`
	StageOrder               int                                 `gorm:"not null" json:"stage_order"`
	StageStatus              StageStatus                         `gorm:"size:24;not null;index" json:"stage_status"`
	StartedAt                *time.Time                          `json:"started_at"`
	CompletedAt              *time.Time                          `json:"completed_at"`
	Notes                    *string                             `gorm:"type:text" json:"notes"`
	StageData                datatypes.JSONMap                   `json:"stage_data"`
	Attachments              datatypes.JSONSlice[StageAttachment] `json:"attachments"`
	RequiresCustomerApproval bool                                `gorm:"not null" json:"requires_customer_approval"`
	CustomerApprovedAt       *time.Time                          `json:"customer_approved_at"`
	CustomerApprovedBy       *string                             `gorm:"size:100" json:"customer_approved_by"`
	RejectionReason          *string                             `gorm:"type:text" json:"rejection_reason"`
	HoldReason               *string                             `gorm:"type:text" json:"hold_reason"`
	EstimatedDuration        *int                                `json:"estimated_duration"`
	ActualDuration           *int                                `json:"actual_duration"`
	Version                  int                                 `gorm:"not null" json:"version"`
	UpdatedById              int                                 `json:"updated_by_id"`
	UpdatedByName            string                              `gorm:"size:100" json:"updated_by_name"`
	CreatedAt                time.Time                           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time                           `gorm:"autoUpdateTime" json:"updated_at"`
}

// newProductionStage is a fresh pending stage with non-null JSON columns.
func newProductionStage(companyId string, name StageName, order int, requiresApproval bool, estimated *int) ProductionStage {
	return ProductionStage{
		CompanyId:                companyId,
		StageName:                name,
		StageOrder:               order,
		StageStatus:              StageStatusPending,
		StageData:                datatypes.JSONMap{},
		Attachments:              datatypes.JSONSlice[StageAttachment]{},
		RequiresCustomerApproval: requiresApproval,
		EstimatedDuration:        estimated,
		Version:                  1,
	}
}

// clone returns a copy that shares no maps, slices or pointers with s.
func (s *ProductionStage) clone() *ProductionStage {
	c := *s
	c.StartedAt = clonePtr(s.StartedAt)
	c.CompletedAt = clonePtr(s.CompletedAt)
	c.Notes = clonePtr(s.Notes)
	c.CustomerApprovedAt = clonePtr(s.CustomerApprovedAt)
	c.CustomerApprovedBy = clonePtr(s.CustomerApprovedBy)
	c.RejectionReason = clonePtr(s.RejectionReason)
	c.HoldReason = clonePtr(s.HoldReason)
	c.EstimatedDuration = clonePtr(s.EstimatedDuration)
	c.ActualDuration = clonePtr(s.ActualDuration)

	c.StageData = make(datatypes.JSONMap, len(s.StageData))
	for k, v := range s.StageData {
		c.StageData[k] = v
	}
	c.Attachments = make(datatypes.JSONSlice[StageAttachment], len(s.Attachments))
	copy(c.Attachments, s.Attachments)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IsImmutable reports whether the stage has reached a terminal status.
func (s *ProductionStage) IsImmutable() bool {
	return s.StageStatus.IsTerminal()
}

// AllowedNextStatuses is the projection a UI uses to grey out actions.
func (s *ProductionStage) AllowedNextStatuses() []StageStatus {
	return AllowedNextStatuses(s.StageStatus, s.RequiresCustomerApproval)
}

// columns written back after a transition or annotation
func (s *ProductionStage) updateColumns() map[string]interface{} {
	return map[string]interface{}{
		"stage_status":         s.StageStatus,
		"started_at":           s.StartedAt,
		"completed_at":         s.CompletedAt,
		"notes":                s.Notes,
		"stage_data":           s.StageData,
		"attachments":          s.Attachments,
		"customer_approved_at": s.CustomerApprovedAt,
		"customer_approved_by": s.CustomerApprovedBy,
		"rejection_reason":     s.RejectionReason,
		"hold_reason":          s.HoldReason,
		"actual_duration":      s.ActualDuration,
		"version":              s.Version,
		"updated_by_id":        s.UpdatedById,
		"updated_by_name":      s.UpdatedByName,
	}
}
