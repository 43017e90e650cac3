package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"gorm.io/gorm"
)

const testCompany = "company-1"

var eventDay = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func message(t *testing.T, id int, eventType models.ProductionEventType, payload interface{}) config.PubSubMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return config.PubSubMessage{
		ID:          id,
		CompanyId:   testCompany,
		EventType:   string(eventType),
		ReferenceId: 10,
		Payload:     raw,
		OccurredAt:  eventDay,
	}
}

func summaryFor(t *testing.T, db *gorm.DB, branchId int) models.ProductionDailySummary {
	t.Helper()
	var row models.ProductionDailySummary
	err := db.Where("company_id = ? AND branch_id = ? AND summary_date = ?", testCompany, branchId, models.SummaryDate(eventDay)).
		First(&row).Error
	if err != nil {
		t.Fatalf("load summary: %v", err)
	}
	return row
}

func process(t *testing.T, db *gorm.DB, m config.PubSubMessage) {
	t.Helper()
	if err := ProcessMessage(context.Background(), db, config.GetLogger(), m); err != nil {
		t.Fatalf("ProcessMessage(%d %s): %v", m.ID, m.EventType, err)
	}
}

func TestProcessMessage_ApprovalLifecycleAndRedelivery(t *testing.T) {
	db := openTestDB(t)

	requested := message(t, 1, models.ProductionEventApprovalRequested, models.ApprovalRequestedPayload{
		PrintJobId:   10,
		JobNumber:    "PJ-20260314-0001",
		BranchId:     2,
		StageId:      5,
		StageName:    models.StageNameCustomerProof,
		StageVersion: 3,
		ContactPhone: "+16502530000",
		OccurredAt:   eventDay,
	})
	process(t, db, requested)
	// broker redelivery of the same message
	process(t, db, requested)
	// a replayed outbox row carries a new message id but the same stage version
	replayed := requested
	replayed.ID = 2
	process(t, db, replayed)

	if got := summaryFor(t, db, 2).ApprovalsRequested; got != 1 {
		t.Fatalf("expected 1 approval requested, got %d", got)
	}
	var pending []models.CustomerApprovalRequest
	if err := db.Where("company_id = ? AND stage_id = ?", testCompany, 5).Find(&pending).Error; err != nil {
		t.Fatalf("load approval requests: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != models.ApprovalRequestPending {
		t.Fatalf("expected one pending approval request, got %+v", pending)
	}

	process(t, db, message(t, 3, models.ProductionEventStageTransitioned, models.StageTransitionedPayload{
		PrintJobId:   10,
		BranchId:     2,
		StageId:      5,
		StageName:    models.StageNameCustomerProof,
		StageVersion: 4,
		From:         models.StageStatusRequiresApproval,
		To:           models.StageStatusCompleted,
		ActorName:    "Front Desk",
		OccurredAt:   eventDay,
	}))

	row := summaryFor(t, db, 2)
	if row.StagesCompleted != 1 {
		t.Fatalf("expected 1 stage completed, got %d", row.StagesCompleted)
	}
	var resolved models.CustomerApprovalRequest
	if err := db.Where("company_id = ? AND stage_id = ?", testCompany, 5).First(&resolved).Error; err != nil {
		t.Fatalf("reload approval request: %v", err)
	}
	if resolved.Status != models.ApprovalRequestApproved {
		t.Fatalf("expected APPROVED, got %s", resolved.Status)
	}
	if resolved.ResolvedBy == nil || *resolved.ResolvedBy != "Front Desk" {
		t.Fatalf("expected resolved_by Front Desk, got %v", resolved.ResolvedBy)
	}

	var keys int64
	if err := db.Model(&models.IdempotencyKey{}).
		Where("company_id = ? AND status = ?", testCompany, models.IdempotencyStatusSucceeded).
		Count(&keys).Error; err != nil {
		t.Fatalf("count idempotency keys: %v", err)
	}
	if keys != 3 {
		t.Fatalf("expected 3 succeeded idempotency keys, got %d", keys)
	}

	previous := config.GetDB()
	config.UseDB(db)
	t.Cleanup(func() { config.UseDB(previous) })
	frontDesk := models.Actor{CompanyId: testCompany, UserName: "Front Desk"}

	requests, err := models.ListApprovalRequests(context.Background(), frontDesk, 10)
	if err != nil {
		t.Fatalf("ListApprovalRequests: %v", err)
	}
	if len(requests) != 1 || requests[0].Status != models.ApprovalRequestApproved {
		t.Fatalf("expected one approved request, got %+v", requests)
	}
	day := models.SummaryDate(eventDay)
	summaries, err := models.GetProductionDailySummaries(context.Background(), frontDesk, 2, day, day)
	if err != nil {
		t.Fatalf("GetProductionDailySummaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0].StagesCompleted != 1 {
		t.Fatalf("expected one summary with a completed stage, got %+v", summaries)
	}
}

func TestProcessMessage_CountsStageAndJobEvents(t *testing.T) {
	db := openTestDB(t)

	transitions := []models.StageStatus{
		models.StageStatusInProgress,
		models.StageStatusInProgress,
		models.StageStatusOnHold,
		models.StageStatusRejected,
		models.StageStatusSkipped,
	}
	for i, to := range transitions {
		process(t, db, message(t, 100+i, models.ProductionEventStageTransitioned, models.StageTransitionedPayload{
			PrintJobId: 10,
			BranchId:   1,
			StageId:    20 + i,
			From:       models.StageStatusPending,
			To:         to,
			OccurredAt: eventDay,
		}))
	}
	process(t, db, message(t, 200, models.ProductionEventJobCompleted, models.JobEventPayload{PrintJobId: 10, BranchId: 1, OccurredAt: eventDay}))
	process(t, db, message(t, 201, models.ProductionEventJobCancelled, models.JobEventPayload{PrintJobId: 11, BranchId: 1, OccurredAt: eventDay}))

	row := summaryFor(t, db, 1)
	if row.StagesStarted != 2 || row.StagesHeld != 1 || row.StagesRejected != 1 || row.StagesCompleted != 0 {
		t.Fatalf("unexpected stage counters: %+v", row)
	}
	if row.JobsCompleted != 1 || row.JobsCancelled != 1 {
		t.Fatalf("unexpected job counters: %+v", row)
	}
}

func TestProcessMessage_UnknownEventIsAcked(t *testing.T) {
	db := openTestDB(t)

	m := config.PubSubMessage{ID: 9, CompanyId: testCompany, EventType: "SOMETHING_ELSE", Payload: json.RawMessage(`{}`)}
	if err := ProcessMessage(context.Background(), db, config.GetLogger(), m); err != nil {
		t.Fatalf("expected unknown event to be acked, got %v", err)
	}
}

func TestProcessMessage_RequiresCompany(t *testing.T) {
	db := openTestDB(t)

	m := config.PubSubMessage{ID: 9, EventType: string(models.ProductionEventJobCompleted)}
	if err := ProcessMessage(context.Background(), db, config.GetLogger(), m); err == nil {
		t.Fatalf("expected an error for a message without company_id")
	}
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Where("company_id = ?", testCompany).Count(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestProcessMessage_MalformedPayloadsAreAcked(t *testing.T) {
	db := openTestDB(t)

	bad := []config.PubSubMessage{
		{ID: 300, EventType: string(models.ProductionEventStageTransitioned), Payload: json.RawMessage(`{"branch_id":1,"to":"shipped"}`)},
		{ID: 301, EventType: string(models.ProductionEventStageTransitioned), Payload: json.RawMessage(`{"branch_id":1,"from":"done","to":"completed"}`)},
		{ID: 302, EventType: string(models.ProductionEventStageTransitioned), Payload: json.RawMessage(`{"from":"requires_approval","to":"completed"}`)},
		{ID: 303, EventType: string(models.ProductionEventApprovalRequested), Payload: json.RawMessage(`{"print_job_id":10,"stage_name":"customer_proof"}`)},
		{ID: 304, EventType: string(models.ProductionEventApprovalRequested), Payload: json.RawMessage(`{"print_job_id":10,"stage_id":5,"stage_name":"proofing"}`)},
		{ID: 305, EventType: string(models.ProductionEventJobCompleted), Payload: json.RawMessage(`{"branch_id":"one"}`)},
		{ID: 306, EventType: string(models.ProductionEventJobCancelled)},
	}
	for _, m := range bad {
		m.CompanyId = testCompany
		m.OccurredAt = eventDay
		for attempt := 1; attempt <= 2; attempt++ {
			if err := ProcessMessage(context.Background(), db, config.GetLogger(), m); err != nil {
				t.Fatalf("message %d attempt %d: expected ack, got %v", m.ID, attempt, err)
			}
		}
	}

	if n := countRows(t, db, &models.ProductionDailySummary{}); n != 0 {
		t.Fatalf("malformed events left %d summary rows", n)
	}
	if n := countRows(t, db, &models.CustomerApprovalRequest{}); n != 0 {
		t.Fatalf("malformed events left %d approval requests", n)
	}
	var skipped []models.IdempotencyKey
	if err := db.Where("company_id = ?", testCompany).Find(&skipped).Error; err != nil {
		t.Fatalf("load idempotency keys: %v", err)
	}
	if len(skipped) != len(bad) {
		t.Fatalf("expected %d idempotency keys, got %d", len(bad), len(skipped))
	}
	for _, k := range skipped {
		if k.Status != models.IdempotencyStatusSkipped || k.LastError == nil || *k.LastError == "" {
			t.Fatalf("expected SKIPPED with a reason, got %s %v", k.Status, k.LastError)
		}
	}
}

func TestProcessMessage_PartialPayloadIsCounted(t *testing.T) {
	db := openTestDB(t)

	m := config.PubSubMessage{
		ID:         400,
		CompanyId:  testCompany,
		EventType:  string(models.ProductionEventStageTransitioned),
		Payload:    json.RawMessage(`{"branch_id":3,"to":"completed"}`),
		OccurredAt: eventDay,
	}
	process(t, db, m)
	if got := summaryFor(t, db, 3).StagesCompleted; got != 1 {
		t.Fatalf("expected 1 stage completed, got %d", got)
	}
}

func TestProcessMessage_FailureIsRecordedAndRetried(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrator().DropTable(&models.ProductionDailySummary{}); err != nil {
		t.Fatalf("drop summaries: %v", err)
	}
	m := message(t, 500, models.ProductionEventJobCompleted, models.JobEventPayload{PrintJobId: 10, BranchId: 4, OccurredAt: eventDay})
	if err := ProcessMessage(ctx, db, config.GetLogger(), m); err == nil {
		t.Fatalf("expected an error while the summary table is missing")
	}

	var key models.IdempotencyKey
	if err := db.Where("company_id = ? AND message_id = ?", testCompany, "500").First(&key).Error; err != nil {
		t.Fatalf("load idempotency key: %v", err)
	}
	if key.Status != models.IdempotencyStatusFailed || key.LastError == nil || *key.LastError == "" {
		t.Fatalf("expected FAILED with the error, got %s %v", key.Status, key.LastError)
	}

	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	process(t, db, m)
	if got := summaryFor(t, db, 4).JobsCompleted; got != 1 {
		t.Fatalf("expected 1 job completed after retry, got %d", got)
	}
	if err := db.Where("company_id = ? AND message_id = ?", testCompany, "500").First(&key).Error; err != nil {
		t.Fatalf("reload idempotency key: %v", err)
	}
	if key.Status != models.IdempotencyStatusSucceeded {
		t.Fatalf("expected SUCCEEDED after retry, got %s", key.Status)
	}
}
