package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type printJobReader struct {
	db *gorm.DB
}

// getPrintJobs loads job headers without stages. Unknown ids resolve to
// ErrorRecordNotFound.
func (r *printJobReader) getPrintJobs(ctx context.Context, ids []int) []*dataloader.Result[*models.PrintJob] {
	companyId, _ := utils.GetCompanyIdFromContext(ctx)
	var results []*models.PrintJob
	err := r.db.WithContext(ctx).Where("company_id = ? AND id IN ?", companyId, ids).Find(&results).Error
	if err != nil {
		return handleError[*models.PrintJob](len(ids), err)
	}

	resultMap := make(map[int]*models.PrintJob, len(results))
	for _, result := range results {
		resultMap[result.ID] = result
	}
	loaderResults := make([]*dataloader.Result[*models.PrintJob], 0, len(ids))
	for _, id := range ids {
		job, ok := resultMap[id]
		if !ok {
			loaderResults = append(loaderResults, &dataloader.Result[*models.PrintJob]{Error: utils.ErrorRecordNotFound})
			continue
		}
		loaderResults = append(loaderResults, &dataloader.Result[*models.PrintJob]{Data: job})
	}
	return loaderResults
}

func GetPrintJob(ctx context.Context, id int) (*models.PrintJob, error) {
	loaders := For(ctx)
	return loaders.printJobLoader.Load(ctx, id)()
}
