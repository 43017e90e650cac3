package middlewares

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders wrap your data loaders to inject via middleware
type Loaders struct {
	productionStageLoader *dataloader.Loader[int, []*models.ProductionStage]
	printJobLoader        *dataloader.Loader[int, *models.PrintJob]
}

func NewLoaders(conn *gorm.DB) *Loaders {
	stageReader := &productionStageReader{db: conn}
	printJobReader := &printJobReader{db: conn}

	return &Loaders{
		productionStageLoader: dataloader.NewBatchedLoader(stageReader.getStagesByPrintJob, dataloader.WithWait[int, []*models.ProductionStage](time.Millisecond)),
		printJobLoader:        dataloader.NewBatchedLoader(printJobReader.getPrintJobs, dataloader.WithWait[int, *models.PrintJob](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// WithLoaders attaches loaders outside of a gin request, e.g. in tests.
func WithLoaders(ctx context.Context, loaders *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, loaders)
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}
