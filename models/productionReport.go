package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"github.com/xuri/excelize/v2"
)

const (
	jobsSheet   = "Print Jobs"
	stagesSheet = "Stages"
)

var printJobHeadings = []string{
	"Job Number", "Title", "Job Type", "Priority", "Quantity", "Branch", "Production Status",
	"Completion %", "Estimated Cost", "Actual Cost", "Due Date", "Created At",
}

var stageHeadings = []string{
	"Job Number", "Order", "Stage", "Status", "Started At", "Completed At",
	"Estimated (min)", "Actual (min)", "Requires Approval", "Approved At", "Rejection Reason", "Hold Reason",
}

// ExportProductionReport builds a workbook with one row per job and one per stage.
func ExportProductionReport(ctx context.Context, actor Actor, filter *PrintJobFilter) (*excelize.File, error) {
	jobs, err := ListPrintJobs(ctx, actor, filter)
	if err != nil {
		return nil, err
	}

	jobIds := make([]int, 0, len(jobs))
	jobNumbers := make(map[int]string, len(jobs))
	for _, j := range jobs {
		jobIds = append(jobIds, j.ID)
		jobNumbers[j.ID] = j.JobNumber
	}
	var stages []ProductionStage
	if len(jobIds) > 0 {
		err = config.GetDB().WithContext(actor.Context(ctx)).
			Where("company_id = ? AND print_job_id IN ?", actor.CompanyId, jobIds).
			Order("print_job_id DESC, stage_order ASC, id ASC").
			Find(&stages).Error
		if err != nil {
			return nil, err
		}
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", jobsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(stagesSheet); err != nil {
		return nil, err
	}

	if err := writeRow(f, jobsSheet, 1, toCells(printJobHeadings)); err != nil {
		return nil, err
	}
	for i, j := range jobs {
		var dueDate interface{}
		if j.DueDate != nil {
			dueDate = j.DueDate.Format("2006-01-02")
		}
		row := []interface{}{
			j.JobNumber, j.Title, string(j.JobType), string(j.Priority), j.Quantity, j.BranchId,
			string(j.ProductionStatus), j.CompletionPercentage,
			j.EstimatedCost.InexactFloat64(), j.ActualCost.InexactFloat64(),
			dueDate, j.CreatedAt.Format("2006-01-02 15:04"),
		}
		if err := writeRow(f, jobsSheet, i+2, row); err != nil {
			return nil, err
		}
	}

	if err := writeRow(f, stagesSheet, 1, toCells(stageHeadings)); err != nil {
		return nil, err
	}
	for i, s := range stages {
		row := []interface{}{
			jobNumbers[s.PrintJobId], s.StageOrder, s.StageName.Label(), string(s.StageStatus),
			formatTime(s.StartedAt), formatTime(s.CompletedAt),
			derefOrBlank(s.EstimatedDuration), derefOrBlank(s.ActualDuration),
			s.RequiresCustomerApproval, formatTime(s.CustomerApprovedAt),
			utils.DereferencePtr(s.RejectionReason, ""), utils.DereferencePtr(s.HoldReason, ""),
		}
		if err := writeRow(f, stagesSheet, i+2, row); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func writeRow(f *excelize.File, sheet string, rowNo int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNo)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func toCells(headings []string) []interface{} {
	cells := make([]interface{}, len(headings))
	for i, h := range headings {
		cells[i] = h
	}
	return cells
}

func formatTime(t *time.Time) interface{} {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02 15:04")
}

func derefOrBlank(p *int) interface{} {
	if p == nil {
		return ""
	}
	return *p
}
