package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type productionStageReader struct {
	db *gorm.DB
}

// getStagesByPrintJob loads the stages of many jobs in one query, keyed by print_job_id.
func (r *productionStageReader) getStagesByPrintJob(ctx context.Context, jobIds []int) []*dataloader.Result[[]*models.ProductionStage] {
	companyId, _ := utils.GetCompanyIdFromContext(ctx)
	var results []*models.ProductionStage
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND print_job_id IN ?", companyId, jobIds).
		Order("print_job_id, stage_order, id").
		Find(&results).Error
	if err != nil {
		return handleError[[]*models.ProductionStage](len(jobIds), err)
	}

	byJob := make(map[int][]*models.ProductionStage, len(jobIds))
	for _, s := range results {
		byJob[s.PrintJobId] = append(byJob[s.PrintJobId], s)
	}
	loaderResults := make([]*dataloader.Result[[]*models.ProductionStage], 0, len(jobIds))
	for _, id := range jobIds {
		stages := byJob[id]
		if stages == nil {
			stages = []*models.ProductionStage{}
		}
		loaderResults = append(loaderResults, &dataloader.Result[[]*models.ProductionStage]{Data: stages})
	}
	return loaderResults
}

func GetProductionStages(ctx context.Context, printJobId int) ([]*models.ProductionStage, error) {
	loaders := For(ctx)
	return loaders.productionStageLoader.Load(ctx, printJobId)()
}

func GetProductionStagesMany(ctx context.Context, printJobIds []int) ([][]*models.ProductionStage, []error) {
	loaders := For(ctx)
	return loaders.productionStageLoader.LoadMany(ctx, printJobIds)()
}
