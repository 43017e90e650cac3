package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PrintJob struct {
	ID                   int                                 `gorm:"primary_key" json:"id"`
	CompanyId            string                              `gorm:"size:64;not null;index;uniqueIndex:uniq_print_job_number,priority:1" json:"company_id"`
	BranchId             int                                 `gorm:"index;not null" json:"branch_id"`
	InvoiceId            *int                                `gorm:"index" json:"invoice_id"`
	JobNumber            string                              `gorm:"size:32;not null;uniqueIndex:uniq_print_job_number,priority:2" json:"job_number"`
	Title                string                              `gorm:"size:255;not null" json:"title"`
	Description          string                              `gorm:"type:text" json:"description"`
	JobType              JobType                             `gorm:"size:32;not null" json:"job_type"`
	Priority             JobPriority                         `gorm:"size:16;not null" json:"priority"`
	Quantity             int                                 `gorm:"not null" json:"quantity"`
	EstimatedCost        decimal.Decimal                     `gorm:"type:decimal(20,4);not null" json:"estimated_cost"`
	ActualCost           decimal.Decimal                     `gorm:"type:decimal(20,4);not null" json:"actual_cost"`
	ContactPhone         string                              `gorm:"size:32" json:"contact_phone"`
	AssignedToUserId     *int                                `gorm:"index" json:"assigned_to_user_id"`
	DesignFiles          datatypes.JSONSlice[StageAttachment] `json:"design_files"`
	DueDate              *time.Time                          `json:"due_date"`
	ProductionStatus     ProductionStatus                    `gorm:"size:16;not null;index" json:"production_status"`
	CompletionPercentage int                                 `gorm:"not null" json:"completion_percentage"`
	CancelledAt          *time.Time                          `json:"cancelled_at"`
	CancelReason         *string                             `gorm:"type:text" json:"cancel_reason"`
	CreatedById          int                                 `json:"created_by_id"`
	CreatedByName        string                              `gorm:"size:100" json:"created_by_name"`
	UpdatedById          int                                 `json:"updated_by_id"`
	UpdatedByName        string                              `gorm:"size:100" json:"updated_by_name"`
	CreatedAt            time.Time                           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time                           `gorm:"autoUpdateTime" json:"updated_at"`
	Stages               []ProductionStage                   `gorm:"foreignKey:PrintJobId;constraint:OnDelete:CASCADE" json:"stages,omitempty"`
}

type NewPrintJob struct {
	BranchId         int                  `json:"branch_id" validate:"gte=0"`
	InvoiceId        *int                 `json:"invoice_id" validate:"omitempty,gt=0"`
	Title            string               `json:"title" validate:"required,max=255"`
	Description      string               `json:"description" validate:"max=5000"`
	JobType          JobType              `json:"job_type" validate:"required"`
	Priority         JobPriority          `json:"priority"`
	Quantity         int                  `json:"quantity" validate:"required,gte=1"`
	EstimatedCost    decimal.Decimal      `json:"estimated_cost"`
	ContactPhone     string               `json:"contact_phone" validate:"max=32"`
	AssignedToUserId *int                 `json:"assigned_to_user_id" validate:"omitempty,gt=0"`
	DueDate          *time.Time           `json:"due_date"`
	DesignFiles      []StageAttachment    `json:"design_files"`
	Stages           []NewProductionStage `json:"stages" validate:"omitempty,dive"`
}

type NewProductionStage struct {
	StageName                StageName `json:"stage_name" validate:"required"`
	StageOrder               *int      `json:"stage_order" validate:"omitempty,gte=1"`
	RequiresCustomerApproval bool      `json:"requires_customer_approval"`
	EstimatedDuration        *int      `json:"estimated_duration" validate:"omitempty,gte=1"`
}

type PrintJobFilter struct {
	BranchId         *int
	InvoiceId        *int
	ProductionStatus *ProductionStatus
	Priority         *JobPriority
	JobType          *JobType
	AssignedToUserId *int
	Search           string
	Limit            int
}

// RollupChange is one job whose stored summary differed from its stages.
type RollupChange struct {
	PrintJobId int       `json:"print_job_id"`
	JobNumber  string    `json:"job_number"`
	Before     JobRollup `json:"before"`
	After      JobRollup `json:"after"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
	jobNumberPrefix  = "PJ-"
)

func (input *NewPrintJob) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.JobType.IsValid() {
		return fmt.Errorf("%w: job type %q", ErrInvalidInput, input.JobType)
	}
	if input.Priority != "" && !input.Priority.IsValid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidInput, input.Priority)
	}
	if input.EstimatedCost.IsNegative() {
		return fmt.Errorf("%w: estimated cost cannot be negative", ErrInvalidInput)
	}
	for _, s := range input.Stages {
		if !s.StageName.IsValid() {
			return fmt.Errorf("%w: stage name %q", ErrInvalidInput, s.StageName)
		}
	}
	return nil
}

// stagesFor seeds stages from the explicit list, or the job type's template.
func (input *NewPrintJob) stagesFor(companyId string) ([]ProductionStage, error) {
	if len(input.Stages) == 0 {
		templates, err := StageTemplateFor(input.JobType)
		if err != nil {
			return nil, err
		}
		return stagesFromTemplate(companyId, templates), nil
	}
	stages := make([]ProductionStage, 0, len(input.Stages))
	for i, s := range input.Stages {
		order := i + 1
		if s.StageOrder != nil {
			order = *s.StageOrder
		}
		stages = append(stages, newProductionStage(companyId, s.StageName, order, s.RequiresCustomerApproval, clonePtr(s.EstimatedDuration)))
	}
	return stages, nil
}

// CreatePrintJob registers a job with its initial stages.
func CreatePrintJob(ctx context.Context, actor Actor, input *NewPrintJob) (*PrintJob, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)

	if err := input.validate(); err != nil {
		return nil, err
	}
	phone, err := utils.NormalizePhoneNumber(input.ContactPhone, config.DefaultPhoneRegion())
	if err != nil {
		return nil, err
	}
	if err := checkAttachments(input.DesignFiles, actor.CompanyId); err != nil {
		return nil, err
	}
	stages, err := input.stagesFor(actor.CompanyId)
	if err != nil {
		return nil, err
	}

	branchId := input.BranchId
	if branchId == 0 {
		branchId = actor.BranchId
	}
	priority := input.Priority
	if priority == "" {
		priority = JobPriorityNormal
	}
	designFiles := datatypes.JSONSlice[StageAttachment]{}
	designFiles = append(designFiles, input.DesignFiles...)

	job := PrintJob{
		CompanyId:        actor.CompanyId,
		BranchId:         branchId,
		InvoiceId:        input.InvoiceId,
		Title:            strings.TrimSpace(input.Title),
		Description:      input.Description,
		JobType:          input.JobType,
		Priority:         priority,
		Quantity:         input.Quantity,
		EstimatedCost:    input.EstimatedCost,
		ActualCost:       decimal.Zero,
		ContactPhone:     phone,
		AssignedToUserId: input.AssignedToUserId,
		DesignFiles:      designFiles,
		DueDate:          input.DueDate,
		ProductionStatus: ProductionStatusPending,
		CreatedById:      actor.UserId,
		CreatedByName:    actor.UserName,
		UpdatedById:      actor.UserId,
		UpdatedByName:    actor.UserName,
		Stages:           stages,
	}
	job.ApplyRollup(ComputeRollup(job.Stages))

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		number, err := nextJobNumber(ctx, tx, actor.CompanyId, time.Now().UTC())
		if err != nil {
			return err
		}
		job.JobNumber = number
		if err := tx.Create(&job).Error; err != nil {
			return err
		}
		description := fmt.Sprintf("Print job %s created with %d stages.", job.JobNumber, len(job.Stages))
		return createHistory(tx, actor, "CREATE", job.ID, "print_jobs", nil, &job, description)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetPrintJob returns the job with its stages in stage order.
func GetPrintJob(ctx context.Context, actor Actor, id int) (*PrintJob, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)

	cached, err := utils.RetrieveRedis[PrintJob](ctx, actor.CompanyId, id)
	if err != nil {
		config.LogError(config.GetLogger(), "PrintJob", "GetPrintJob", "RetrieveRedis", id, err)
	}
	if cached != nil {
		return cached, nil
	}

	job, err := loadPrintJobTx(config.GetDB().WithContext(ctx), actor.CompanyId, id)
	if err != nil {
		return nil, err
	}
	if err := utils.StoreRedis(ctx, actor.CompanyId, id, job); err != nil {
		config.LogError(config.GetLogger(), "PrintJob", "GetPrintJob", "StoreRedis", id, err)
	}
	return job, nil
}

// ListPrintJobs returns newest jobs first, without stages.
func ListPrintJobs(ctx context.Context, actor Actor, filter *PrintJobFilter) ([]*PrintJob, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)
	if filter == nil {
		filter = &PrintJobFilter{}
	}

	dbCtx := config.GetDB().WithContext(ctx).Where("company_id = ?", actor.CompanyId)
	if filter.BranchId != nil && *filter.BranchId > 0 {
		dbCtx = dbCtx.Where("branch_id = ?", *filter.BranchId)
	}
	if filter.InvoiceId != nil && *filter.InvoiceId > 0 {
		dbCtx = dbCtx.Where("invoice_id = ?", *filter.InvoiceId)
	}
	if filter.ProductionStatus != nil {
		dbCtx = dbCtx.Where("production_status = ?", *filter.ProductionStatus)
	}
	if filter.Priority != nil {
		dbCtx = dbCtx.Where("priority = ?", *filter.Priority)
	}
	if filter.JobType != nil {
		dbCtx = dbCtx.Where("job_type = ?", *filter.JobType)
	}
	if filter.AssignedToUserId != nil && *filter.AssignedToUserId > 0 {
		dbCtx = dbCtx.Where("assigned_to_user_id = ?", *filter.AssignedToUserId)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		like := "%" + search + "%"
		dbCtx = dbCtx.Where("job_number LIKE ? OR title LIKE ?", like, like)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var results []*PrintJob
	if err := dbCtx.Order("created_at DESC, id DESC").Limit(limit).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// CancelPrintJob closes a job that has not completed.
func CancelPrintJob(ctx context.Context, actor Actor, id int, reason string) (*PrintJob, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)
	if err := checkReason(ReasonKindCancellation, &reason); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)

	var job *PrintJob
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		job, err = loadPrintJobTx(tx, actor.CompanyId, id)
		if err != nil {
			return err
		}
		if job.ProductionStatus.IsClosed() {
			return ErrPrintJobClosed
		}

		before := job.snapshotRollup()
		now := time.Now().UTC()
		job.ProductionStatus = ProductionStatusCancelled
		job.CancelledAt = &now
		job.CancelReason = &reason
		job.UpdatedById = actor.UserId
		job.UpdatedByName = actor.UserName

		err = tx.Model(&PrintJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"production_status": job.ProductionStatus,
			"cancelled_at":      job.CancelledAt,
			"cancel_reason":     job.CancelReason,
			"updated_by_id":     job.UpdatedById,
			"updated_by_name":   job.UpdatedByName,
		}).Error
		if err != nil {
			return err
		}
		description := fmt.Sprintf("Print job %s cancelled: %s", job.JobNumber, reason)
		if err := createHistory(tx, actor, "UPDATE", job.ID, "print_jobs", before, job.snapshotRollup(), description); err != nil {
			return err
		}
		return enqueueProductionEvent(tx, actor, ProductionEventJobCancelled, job.ID, nil, JobEventPayload{
			PrintJobId:           job.ID,
			JobNumber:            job.JobNumber,
			BranchId:             job.BranchId,
			ProductionStatus:     job.ProductionStatus,
			CompletionPercentage: job.CompletionPercentage,
			Reason:               reason,
			OccurredAt:           now,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	invalidatePrintJobCache(ctx, actor.CompanyId, id)
	return job, nil
}

// AssignPrintJob sets or clears (userId nil) the responsible staff member.
func AssignPrintJob(ctx context.Context, actor Actor, id int, userId *int) (*PrintJob, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)
	if userId != nil && *userId <= 0 {
		userId = nil
	}

	var job *PrintJob
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		job, err = loadPrintJobTx(tx, actor.CompanyId, id)
		if err != nil {
			return err
		}
		if job.ProductionStatus == ProductionStatusCancelled {
			return ErrPrintJobClosed
		}
		before := job.AssignedToUserId
		job.AssignedToUserId = userId
		job.UpdatedById = actor.UserId
		job.UpdatedByName = actor.UserName

		err = tx.Model(&PrintJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"assigned_to_user_id": job.AssignedToUserId,
			"updated_by_id":       job.UpdatedById,
			"updated_by_name":     job.UpdatedByName,
		}).Error
		if err != nil {
			return err
		}
		description := fmt.Sprintf("Print job %s assigned.", job.JobNumber)
		if userId == nil {
			description = fmt.Sprintf("Print job %s unassigned.", job.JobNumber)
		}
		return createHistory(tx, actor, "UPDATE", job.ID, "print_jobs", before, job.AssignedToUserId, description)
	})
	if err != nil {
		return nil, err
	}

	invalidatePrintJobCache(ctx, actor.CompanyId, id)
	return job, nil
}

// AddProductionStage appends a stage, or inserts it at StageOrder and shifts
// later stages down. The completion percentage may drop as a result.
func AddProductionStage(ctx context.Context, actor Actor, jobId int, input *NewProductionStage) (*PrintJob, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if !input.StageName.IsValid() {
		return nil, fmt.Errorf("%w: stage name %q", ErrInvalidInput, input.StageName)
	}

	var job *PrintJob
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		job, err = loadPrintJobTx(tx, actor.CompanyId, jobId)
		if err != nil {
			return err
		}
		if job.ProductionStatus.IsClosed() {
			return ErrPrintJobClosed
		}

		order := 1
		for _, s := range job.Stages {
			if s.StageOrder >= order {
				order = s.StageOrder + 1
			}
		}
		if input.StageOrder != nil && *input.StageOrder < order {
			order = *input.StageOrder
			err = tx.Model(&ProductionStage{}).
				Where("print_job_id = ? AND stage_order >= ?", job.ID, order).
				Update("stage_order", gorm.Expr("stage_order + 1")).Error
			if err != nil {
				return err
			}
			for i := range job.Stages {
				if job.Stages[i].StageOrder >= order {
					job.Stages[i].StageOrder++
				}
			}
		}

		stage := newProductionStage(actor.CompanyId, input.StageName, order, input.RequiresCustomerApproval, clonePtr(input.EstimatedDuration))
		stage.PrintJobId = job.ID
		stage.UpdatedById = actor.UserId
		stage.UpdatedByName = actor.UserName
		if err := tx.Create(&stage).Error; err != nil {
			return err
		}

		before := job.snapshotRollup()
		job.replaceStage(&stage)
		sortStages(job.Stages)
		if err := saveRollupTx(tx, actor, job, before); err != nil {
			return err
		}
		description := fmt.Sprintf("%s added to print job %s at position %d.", stage.StageName.Label(), job.JobNumber, order)
		return createHistory(tx, actor, "CREATE", stage.ID, "production_stages", nil, &stage, description)
	})
	if err != nil {
		return nil, err
	}

	invalidatePrintJobCache(ctx, actor.CompanyId, jobId)
	return job, nil
}

// RecalculatePrintJob recomputes and stores the job's summary from its stages.
func RecalculatePrintJob(ctx context.Context, actor Actor, id int) (*PrintJob, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)

	var job *PrintJob
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		job, err = loadPrintJobTx(tx, actor.CompanyId, id)
		if err != nil {
			return err
		}
		return saveRollupTx(tx, actor, job, job.snapshotRollup())
	})
	if err != nil {
		return nil, err
	}

	invalidatePrintJobCache(ctx, actor.CompanyId, id)
	return job, nil
}

// RebuildRollups recomputes every job of the actor's company and returns the
// ones whose stored summary was stale. With dryRun nothing is written.
func RebuildRollups(ctx context.Context, actor Actor, dryRun bool) ([]RollupChange, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	ctx = actor.Context(ctx)
	db := config.GetDB().WithContext(ctx)

	var ids []int
	if err := db.Model(&PrintJob{}).Where("company_id = ?", actor.CompanyId).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}

	changes := make([]RollupChange, 0)
	for _, id := range ids {
		var change *RollupChange
		err := db.Transaction(func(tx *gorm.DB) error {
			job, err := loadPrintJobTx(tx, actor.CompanyId, id)
			if err != nil {
				return err
			}
			before := job.snapshotRollup()
			if !job.Recalculate() {
				return nil
			}
			change = &RollupChange{PrintJobId: job.ID, JobNumber: job.JobNumber, Before: before, After: job.snapshotRollup()}
			if dryRun {
				return nil
			}
			return persistRollupTx(tx, actor, job, before)
		})
		if err != nil {
			return changes, err
		}
		if change != nil {
			changes = append(changes, *change)
			if !dryRun {
				invalidatePrintJobCache(ctx, actor.CompanyId, id)
			}
		}
	}
	return changes, nil
}

func loadPrintJobTx(tx *gorm.DB, companyId string, id int) (*PrintJob, error) {
	var job PrintJob
	err := tx.Where("company_id = ?", companyId).
		Preload("Stages", func(db *gorm.DB) *gorm.DB {
			return db.Order("stage_order ASC, id ASC")
		}).
		First(&job, id).Error
	if err != nil {
		return nil, utils.NotFoundOr(err)
	}
	return &job, nil
}

// saveRollupTx recomputes the job from its stages and writes the summary
// back when it differs from before.
func saveRollupTx(tx *gorm.DB, actor Actor, job *PrintJob, before JobRollup) error {
	job.ApplyRollup(ComputeRollup(job.Stages))
	if job.snapshotRollup() == before {
		return nil
	}
	return persistRollupTx(tx, actor, job, before)
}

func persistRollupTx(tx *gorm.DB, actor Actor, job *PrintJob, before JobRollup) error {
	after := job.snapshotRollup()
	job.UpdatedById = actor.UserId
	job.UpdatedByName = actor.UserName
	err := tx.Model(&PrintJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"production_status":     job.ProductionStatus,
		"completion_percentage": job.CompletionPercentage,
		"updated_by_id":         job.UpdatedById,
		"updated_by_name":       job.UpdatedByName,
	}).Error
	if err != nil {
		return err
	}
	description := fmt.Sprintf("Print job %s is %s (%d%%).", job.JobNumber, after.ProductionStatus, after.CompletionPercentage)
	return createHistory(tx, actor, "UPDATE", job.ID, "print_jobs", before, after, description)
}

func sortStages(stages []ProductionStage) {
	sort.SliceStable(stages, func(i, j int) bool {
		if stages[i].StageOrder != stages[j].StageOrder {
			return stages[i].StageOrder < stages[j].StageOrder
		}
		return stages[i].ID < stages[j].ID
	})
}

func invalidatePrintJobCache(ctx context.Context, companyId string, id int) {
	if err := utils.RemoveRedisItem[PrintJob](ctx, companyId, id); err != nil {
		config.LogError(config.GetLogger(), "PrintJob", "invalidatePrintJobCache", "RemoveRedisItem", id, err)
	}
}

// nextJobNumber allocates PJ-YYYYMMDD-NNNN. The daily sequence lives in a
// Redis counter; without Redis, or when the counter is behind the table, the
// stored numbers for the day decide.
func nextJobNumber(ctx context.Context, tx *gorm.DB, companyId string, now time.Time) (string, error) {
	day := now.Format("20060102")
	prefix := jobNumberPrefix + day + "-"
	key := fmt.Sprintf("PrintJobSeq:%s:%s", companyId, day)

	var issued int64
	if err := tx.Model(&PrintJob{}).
		Where("company_id = ? AND job_number LIKE ?", companyId, prefix+"%").
		Count(&issued).Error; err != nil {
		return "", err
	}

	for attempt := int64(0); attempt < 5; attempt++ {
		seq, ok, err := config.GetRedisCounter(ctx, key, 48*time.Hour)
		if err != nil {
			config.LogError(config.GetLogger(), "PrintJob", "nextJobNumber", "GetRedisCounter", key, err)
			ok = false
		}
		if !ok {
			seq = issued + 1 + attempt
		} else if seq <= issued {
			seq = issued + 1 + attempt
			if err := config.SetRedisValue(ctx, key, fmt.Sprint(seq), 48*time.Hour); err != nil {
				config.LogError(config.GetLogger(), "PrintJob", "nextJobNumber", "SetRedisValue", key, err)
			}
		}

		number := fmt.Sprintf("%s%04d", prefix, seq)
		var exists int64
		if err := tx.Model(&PrintJob{}).
			Where("company_id = ? AND job_number = ?", companyId, number).
			Count(&exists).Error; err != nil {
			return "", err
		}
		if exists == 0 {
			return number, nil
		}
	}
	return "", errors.New("could not allocate a job number, try again")
}
