package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProductionDailySummary counts production events per company, branch and day.
//
// Grain: (company_id, branch_id, summary_date), summary_date as YYYY-MM-DD in UTC.
// It is derived data maintained by the event consumer.
type ProductionDailySummary struct {
	CompanyId          string    `gorm:"primaryKey;size:64" json:"company_id"`
	BranchId           int       `gorm:"primaryKey;autoIncrement:false" json:"branch_id"`
	SummaryDate        string    `gorm:"primaryKey;size:10" json:"summary_date"`
	StagesStarted      int       `gorm:"not null" json:"stages_started"`
	StagesCompleted    int       `gorm:"not null" json:"stages_completed"`
	StagesRejected     int       `gorm:"not null" json:"stages_rejected"`
	StagesHeld         int       `gorm:"not null" json:"stages_held"`
	ApprovalsRequested int       `gorm:"not null" json:"approvals_requested"`
	JobsCompleted      int       `gorm:"not null" json:"jobs_completed"`
	JobsCancelled      int       `gorm:"not null" json:"jobs_cancelled"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SummaryCounters is an increment applied to one summary row.
type SummaryCounters struct {
	StagesStarted      int
	StagesCompleted    int
	StagesRejected     int
	StagesHeld         int
	ApprovalsRequested int
	JobsCompleted      int
	JobsCancelled      int
}

func (c SummaryCounters) IsZero() bool {
	return c == SummaryCounters{}
}

func SummaryDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// IncrementDailySummaryTx adds c to the row for (companyId, branchId, day),
// creating it when missing.
func IncrementDailySummaryTx(tx *gorm.DB, companyId string, branchId int, day string, c SummaryCounters) error {
	if c.IsZero() {
		return nil
	}
	row := ProductionDailySummary{
		CompanyId:          companyId,
		BranchId:           branchId,
		SummaryDate:        day,
		StagesStarted:      c.StagesStarted,
		StagesCompleted:    c.StagesCompleted,
		StagesRejected:     c.StagesRejected,
		StagesHeld:         c.StagesHeld,
		ApprovalsRequested: c.ApprovalsRequested,
		JobsCompleted:      c.JobsCompleted,
		JobsCancelled:      c.JobsCancelled,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "company_id"}, {Name: "branch_id"}, {Name: "summary_date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"stages_started":      gorm.Expr("stages_started + ?", c.StagesStarted),
			"stages_completed":    gorm.Expr("stages_completed + ?", c.StagesCompleted),
			"stages_rejected":     gorm.Expr("stages_rejected + ?", c.StagesRejected),
			"stages_held":         gorm.Expr("stages_held + ?", c.StagesHeld),
			"approvals_requested": gorm.Expr("approvals_requested + ?", c.ApprovalsRequested),
			"jobs_completed":      gorm.Expr("jobs_completed + ?", c.JobsCompleted),
			"jobs_cancelled":      gorm.Expr("jobs_cancelled + ?", c.JobsCancelled),
			"updated_at":          time.Now().UTC(),
		}),
	}).Create(&row).Error
}

// GetProductionDailySummaries returns the company's rows between two days inclusive.
func GetProductionDailySummaries(ctx context.Context, actor Actor, branchId int, fromDay, toDay string) ([]*ProductionDailySummary, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)

	dbCtx := config.GetDB().WithContext(ctx).
		Where("company_id = ? AND summary_date BETWEEN ? AND ?", actor.CompanyId, fromDay, toDay)
	if branchId > 0 {
		dbCtx = dbCtx.Where("branch_id = ?", branchId)
	}
	var results []*ProductionDailySummary
	if err := dbCtx.Order("summary_date ASC, branch_id ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
