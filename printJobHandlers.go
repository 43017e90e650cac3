package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/middlewares"
	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// actorFrom resolves the authenticated actor or writes 401.
func actorFrom(c *gin.Context) (models.Actor, bool) {
	actor, err := models.ActorFromContext(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return models.Actor{}, false
	}
	return actor, true
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string) *int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

// respondError maps domain rejections to 422, missing rows to 404, bad input
// to 400 and everything else to a logged 500.
func respondError(c *gin.Context, funcName string, err error) {
	var validationErrors validator.ValidationErrors
	switch {
	case models.IsValidationError(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": models.ErrorCode(err)})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &validationErrors):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
	case errors.Is(err, utils.ErrInvalidPhoneNumber):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": gin.H{"contact_phone": "phone"}})
	case errors.Is(err, models.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		config.GetLogger().WithFields(logrus.Fields{
			"field":          funcName,
			"path":           c.FullPath(),
			"correlation_id": cid,
		}).Error(err.Error())
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		var unknown *models.UnknownStatusError
		if errors.As(err, &unknown) {
			respondError(c, "bindJSON", err)
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

func createPrintJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		var input models.NewPrintJob
		if !bindJSON(c, &input) {
			return
		}
		job, err := models.CreatePrintJob(c.Request.Context(), actor, &input)
		if err != nil {
			respondError(c, "createPrintJobHandler", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": job})
	}
}

func printJobFilterFromQuery(c *gin.Context) (*models.PrintJobFilter, error) {
	filter := &models.PrintJobFilter{
		BranchId:         queryInt(c, "branch_id"),
		InvoiceId:        queryInt(c, "invoice_id"),
		AssignedToUserId: queryInt(c, "assigned_to_user_id"),
		Search:           c.Query("search"),
	}
	if limit := queryInt(c, "limit"); limit != nil {
		filter.Limit = *limit
	}
	if raw := c.Query("production_status"); raw != "" {
		status := models.ProductionStatus(raw)
		if !status.IsValid() {
			return nil, fmt.Errorf("%w: production_status %q", models.ErrInvalidInput, raw)
		}
		filter.ProductionStatus = &status
	}
	if raw := c.Query("priority"); raw != "" {
		priority := models.JobPriority(raw)
		if !priority.IsValid() {
			return nil, fmt.Errorf("%w: priority %q", models.ErrInvalidInput, raw)
		}
		filter.Priority = &priority
	}
	if raw := c.Query("job_type"); raw != "" {
		jobType := models.JobType(raw)
		if !jobType.IsValid() {
			return nil, fmt.Errorf("%w: job_type %q", models.ErrInvalidInput, raw)
		}
		filter.JobType = &jobType
	}
	return filter, nil
}

type printJobListItem struct {
	*models.PrintJob
	Stages []*models.ProductionStage `json:"stages,omitempty"`
}

func listPrintJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		filter, err := printJobFilterFromQuery(c)
		if err != nil {
			respondError(c, "listPrintJobsHandler", err)
			return
		}
		ctx := actor.Context(c.Request.Context())
		jobs, err := models.ListPrintJobs(ctx, actor, filter)
		if err != nil {
			respondError(c, "listPrintJobsHandler", err)
			return
		}

		items := make([]printJobListItem, len(jobs))
		for i, j := range jobs {
			items[i] = printJobListItem{PrintJob: j}
		}
		if c.Query("include") == "stages" && len(jobs) > 0 {
			ids := make([]int, len(jobs))
			for i, j := range jobs {
				ids[i] = j.ID
			}
			stages, errs := middlewares.GetProductionStagesMany(ctx, ids)
			for i := range items {
				if errs != nil && errs[i] != nil {
					respondError(c, "listPrintJobsHandler", errs[i])
					return
				}
				items[i].Stages = stages[i]
			}
		}
		c.JSON(http.StatusOK, gin.H{"data": items})
	}
}

func getPrintJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		job, err := models.GetPrintJob(c.Request.Context(), actor, id)
		if err != nil {
			respondError(c, "getPrintJobHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": job})
	}
}

type cancelPrintJobRequest struct {
	Reason string `json:"reason"`
}

func cancelPrintJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req cancelPrintJobRequest
		if !bindJSON(c, &req) {
			return
		}
		job, err := models.CancelPrintJob(c.Request.Context(), actor, id, req.Reason)
		if err != nil {
			respondError(c, "cancelPrintJobHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": job})
	}
}

type assignPrintJobRequest struct {
	UserId *int `json:"user_id"`
}

func assignPrintJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req assignPrintJobRequest
		if !bindJSON(c, &req) {
			return
		}
		job, err := models.AssignPrintJob(c.Request.Context(), actor, id, req.UserId)
		if err != nil {
			respondError(c, "assignPrintJobHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": job})
	}
}

func addProductionStageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.NewProductionStage
		if !bindJSON(c, &input) {
			return
		}
		job, err := models.AddProductionStage(c.Request.Context(), actor, id, &input)
		if err != nil {
			respondError(c, "addProductionStageHandler", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": job})
	}
}

func recalculatePrintJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		job, err := models.RecalculatePrintJob(c.Request.Context(), actor, id)
		if err != nil {
			respondError(c, "recalculatePrintJobHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": job})
	}
}

func exportPrintJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		filter, err := printJobFilterFromQuery(c)
		if err != nil {
			respondError(c, "exportPrintJobsHandler", err)
			return
		}
		f, err := models.ExportProductionReport(c.Request.Context(), actor, filter)
		if err != nil {
			respondError(c, "exportPrintJobsHandler", err)
			return
		}
		defer f.Close()

		filename := fmt.Sprintf("production_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Status(http.StatusOK)
		if err := f.Write(c.Writer); err != nil {
			config.LogError(config.GetLogger(), "printJobHandlers.go", "exportPrintJobsHandler", "write workbook", actor.CompanyId, err)
		}
	}
}

func historyHandler(referenceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		histories, err := models.GetHistories(c.Request.Context(), actor, referenceType, id)
		if err != nil {
			respondError(c, "historyHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": histories})
	}
}

type approvalRequestItem struct {
	*models.CustomerApprovalRequest
	JobNumber string `json:"job_number"`
	JobTitle  string `json:"job_title"`
}

func listApprovalRequestsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		printJobId := 0
		if id := queryInt(c, "print_job_id"); id != nil {
			printJobId = *id
		}
		ctx := actor.Context(c.Request.Context())
		requests, err := models.ListApprovalRequests(ctx, actor, printJobId)
		if err != nil {
			respondError(c, "listApprovalRequestsHandler", err)
			return
		}
		items := make([]approvalRequestItem, len(requests))
		for i, r := range requests {
			items[i] = approvalRequestItem{CustomerApprovalRequest: r}
			job, err := middlewares.GetPrintJob(ctx, r.PrintJobId)
			if err == nil {
				items[i].JobNumber = job.JobNumber
				items[i].JobTitle = job.Title
			}
		}
		c.JSON(http.StatusOK, gin.H{"data": items})
	}
}

func listProductionSummariesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		today := models.SummaryDate(time.Now())
		from := c.DefaultQuery("from", today)
		to := c.DefaultQuery("to", today)
		for _, day := range []string{from, to} {
			if _, err := time.Parse("2006-01-02", day); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from and to must be YYYY-MM-DD"})
				return
			}
		}
		branchId := 0
		if id := queryInt(c, "branch_id"); id != nil {
			branchId = *id
		}
		rows, err := models.GetProductionDailySummaries(c.Request.Context(), actor, branchId, from, to)
		if err != nil {
			respondError(c, "listProductionSummariesHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": rows})
	}
}

func stageAllowedTransitionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		allowed, err := models.GetStageAllowedTransitions(c.Request.Context(), actor, id)
		if err != nil {
			respondError(c, "stageAllowedTransitionsHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": allowed})
	}
}

func transitionStageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.StageTransitionInput
		if !bindJSON(c, &input) {
			return
		}
		result, err := models.TransitionProductionStage(c.Request.Context(), actor, id, &input)
		if err != nil {
			respondError(c, "transitionStageHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": result})
	}
}

func annotateStageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.StageAnnotationInput
		if !bindJSON(c, &input) {
			return
		}
		stage, err := models.AnnotateProductionStage(c.Request.Context(), actor, id, &input)
		if err != nil {
			respondError(c, "annotateStageHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": stage})
	}
}

type outboxReplayRequest struct {
	CompanyId     string `json:"company_id"`
	RecordIds     []int  `json:"record_ids"`
	IncludeFailed bool   `json:"include_failed"`
}

// opsCompanyId pins outbox operations to the caller's own company. A
// company_id naming another tenant is refused.
func opsCompanyId(c *gin.Context, actor models.Actor, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	if requested != "" && requested != actor.CompanyId {
		c.JSON(http.StatusForbidden, gin.H{"error": "company_id does not match the session"})
		return "", false
	}
	return actor.CompanyId, true
}

// outboxReplayHandler requeues DEAD (and optionally FAILED) events. Admin only.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		if !actor.IsAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req outboxReplayRequest
		if !bindJSON(c, &req) {
			return
		}
		companyId, ok := opsCompanyId(c, actor, req.CompanyId)
		if !ok {
			return
		}

		replayed, err := models.ReplayProductionEvents(c.Request.Context(), models.SystemActor(companyId), req.IncludeFailed, req.RecordIds)
		if err != nil {
			respondError(c, "outboxReplayHandler", err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		config.GetLogger().WithFields(logrus.Fields{
			"field":          "outboxReplayHandler",
			"company_id":     companyId,
			"replayed":       replayed,
			"requested_by":   actor.UserId,
			"correlation_id": cid,
		}).Warn("outbox events requeued")
		c.JSON(http.StatusOK, gin.H{
			"company_id":     companyId,
			"replayed":       replayed,
			"publish_status": models.OutboxPublishStatusPending,
			"correlation_id": cid,
		})
	}
}

func listOutboxEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		if !actor.IsAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		companyId, ok := opsCompanyId(c, actor, c.Query("company_id"))
		if !ok {
			return
		}
		limit := 0
		if n := queryInt(c, "limit"); n != nil {
			limit = *n
		}
		events, err := models.ListProductionEvents(c.Request.Context(), models.SystemActor(companyId), c.Query("status"), limit)
		if err != nil {
			respondError(c, "listOutboxEventsHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": events})
	}
}

func registerRoutes(r *gin.Engine) {
	jobs := r.Group("/print-jobs")
	jobs.POST("", createPrintJobHandler())
	jobs.GET("", listPrintJobsHandler())
	jobs.GET("/export", exportPrintJobsHandler())
	jobs.GET("/:id", getPrintJobHandler())
	jobs.GET("/:id/history", historyHandler("print_jobs"))
	jobs.POST("/:id/cancel", cancelPrintJobHandler())
	jobs.POST("/:id/assign", assignPrintJobHandler())
	jobs.POST("/:id/stages", addProductionStageHandler())
	jobs.POST("/:id/recalculate", recalculatePrintJobHandler())

	stages := r.Group("/production-stages")
	stages.GET("/:id/allowed-transitions", stageAllowedTransitionsHandler())
	stages.GET("/:id/history", historyHandler("production_stages"))
	stages.POST("/:id/transition", transitionStageHandler())
	stages.POST("/:id/annotate", annotateStageHandler())

	r.GET("/approval-requests", listApprovalRequestsHandler())
	r.GET("/production-summaries", listProductionSummariesHandler())

	r.POST("/uploads/sign", signUploadHandler())
	r.POST("/uploads/complete", completeUploadHandler())

	r.POST("/pubsub", productionPubSubHandler())
	r.GET("/internal/ops/outbox", listOutboxEventsHandler())
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())
}
