package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"gorm.io/gorm"
)

/* DB fetching */

// fetch model from db
// (company_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, companyId string, id int, associations ...string) (*T, error) {
	return FetchModelTx[T](config.GetDB().WithContext(ctx), companyId, id, associations...)
}

// FetchModelTx is FetchModel inside an open transaction.
func FetchModelTx[T any](tx *gorm.DB, companyId string, id int, associations ...string) (*T, error) {
	dbCtx := tx.Where("company_id = ?", companyId)
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	if err := dbCtx.First(&result, id).Error; err != nil {
		return nil, NotFoundOr(err)
	}
	return &result, nil
}
