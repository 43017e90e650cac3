package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"go.uber.org/goleak"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := config.OpenSQLite(filepath.Join(t.TempDir(), "workflow.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

func insertEvent(t *testing.T, db *gorm.DB, companyId string, attempts int) models.ProductionEventRecord {
	t.Helper()
	rec := models.ProductionEventRecord{
		CompanyId:       companyId,
		EventType:       models.ProductionEventJobCompleted,
		ReferenceId:     1,
		Payload:         datatypes.JSON(`{"print_job_id":1}`),
		PublishStatus:   models.OutboxPublishStatusPending,
		PublishAttempts: attempts,
		CorrelationId:   "corr-1",
		OccurredAt:      time.Now().UTC(),
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("insert outbox row: %v", err)
	}
	return rec
}

type fakePublisher struct {
	mu     sync.Mutex
	fail   map[int]bool
	calls  []int
	nextID int
}

func (p *fakePublisher) publish(_ context.Context, msg config.PubSubMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, msg.ID)
	if p.fail[msg.ID] {
		return "", errors.New("broker unavailable")
	}
	p.nextID++
	return fmt.Sprintf("msg-%d", p.nextID), nil
}

func reload(t *testing.T, db *gorm.DB, id int) models.ProductionEventRecord {
	t.Helper()
	var rec models.ProductionEventRecord
	if err := db.First(&rec, id).Error; err != nil {
		t.Fatalf("reload outbox row %d: %v", id, err)
	}
	return rec
}

func TestOutboxDispatcher_PublishesAndBacksOff(t *testing.T) {
	db := openTestDB(t)
	ok := insertEvent(t, db, "company-1", 0)
	bad := insertEvent(t, db, "company-2", 0)

	pub := &fakePublisher{fail: map[int]bool{bad.ID: true}}
	d := NewOutboxDispatcher(db, config.GetLogger())
	d.Publish = pub.publish

	if sent := d.DispatchOnce(context.Background()); sent != 1 {
		t.Fatalf("expected 1 published, got %d", sent)
	}

	got := reload(t, db, ok.ID)
	if got.PublishStatus != models.OutboxPublishStatusSent {
		t.Fatalf("expected SENT, got %s", got.PublishStatus)
	}
	if got.PubSubMessageId == nil || *got.PubSubMessageId == "" {
		t.Fatalf("expected pubsub message id to be stored")
	}
	if got.PublishedAt == nil || got.LockedBy != nil {
		t.Fatalf("expected published_at set and lock released, got %+v", got)
	}

	failed := reload(t, db, bad.ID)
	if failed.PublishStatus != models.OutboxPublishStatusFailed {
		t.Fatalf("expected FAILED, got %s", failed.PublishStatus)
	}
	if failed.PublishAttempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", failed.PublishAttempts)
	}
	if failed.NextAttemptAt == nil || failed.LastPublishError == nil {
		t.Fatalf("expected next_attempt_at and last_publish_error on failure")
	}

	// the failed row is not due yet and the sent row is done
	if sent := d.DispatchOnce(context.Background()); sent != 0 {
		t.Fatalf("expected nothing due, published %d", sent)
	}
	if len(pub.calls) != 2 {
		t.Fatalf("expected 2 publish calls in total, got %v", pub.calls)
	}
}

func TestOutboxDispatcher_MovesExhaustedRowsToDead(t *testing.T) {
	db := openTestDB(t)
	exhausted := insertEvent(t, db, "company-1", 3)
	lastTry := insertEvent(t, db, "company-1", 2)

	pub := &fakePublisher{fail: map[int]bool{lastTry.ID: true}}
	d := NewOutboxDispatcher(db, config.GetLogger())
	d.Publish = pub.publish
	d.MaxAttempts = 3

	if sent := d.DispatchOnce(context.Background()); sent != 0 {
		t.Fatalf("expected nothing published, got %d", sent)
	}

	if got := reload(t, db, exhausted.ID); got.PublishStatus != models.OutboxPublishStatusDead {
		t.Fatalf("expected exhausted row DEAD, got %s", got.PublishStatus)
	}
	got := reload(t, db, lastTry.ID)
	if got.PublishStatus != models.OutboxPublishStatusDead {
		t.Fatalf("expected row failing its last attempt DEAD, got %s", got.PublishStatus)
	}
	if got.NextAttemptAt != nil {
		t.Fatalf("expected no next attempt on a dead row")
	}
	if len(pub.calls) != 1 || pub.calls[0] != lastTry.ID {
		t.Fatalf("expected only the last-try row to be published, got %v", pub.calls)
	}
}

func TestOutboxDispatcher_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := NewOutboxDispatcher(nil, nil)
	d.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop after cancel")
	}
}
