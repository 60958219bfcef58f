package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"ggoledger/internal/model"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func mustCreate(t *testing.T, db *gorm.DB, v any) {
	t.Helper()
	if err := db.Create(v).Error; err != nil {
		t.Fatalf("create %T: %v", v, err)
	}
}

// seedSplitBatch creates a parent ggo already marked stored=false (as if
// on_begin had already run against it) plus a split transaction sending
// it entirely to a single child ggo stored=true, mirroring the state a
// PENDING batch leaves behind.
func seedSplitBatch(t *testing.T, db *gorm.DB) (batchID uint, parentID, childID uint) {
	t.Helper()
	now := time.Now().UTC()
	begin := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	parent := model.GGO{
		PublicID: uuid.New(), Subject: "producer-a", Begin: begin, End: begin.Add(time.Hour),
		IssueTime: now, ExpireTime: now.AddDate(1, 0, 0), Amount: 1000, Sector: "DK1",
		Issued: true, Stored: false, IssueGSRN: "GSRN-PROD-1",
	}
	mustCreate(t, db, &parent)

	child := model.GGO{
		PublicID: uuid.New(), Subject: "counterpart-b", Begin: begin, End: begin.Add(time.Hour),
		IssueTime: now, ExpireTime: now.AddDate(1, 0, 0), Amount: 1000, Sector: "DK1",
		ParentID: &parent.ID, Stored: true,
	}
	mustCreate(t, db, &child)

	batch := model.Batch{UserSubject: "producer-a", State: model.BatchPending, CreatedAt: now}
	mustCreate(t, db, &batch)

	txn := model.Transaction{BatchID: batch.ID, Order: 0, Kind: model.TransactionSplit, ParentGGOID: parent.ID, CreatedAt: now}
	mustCreate(t, db, &txn)
	target := model.SplitTarget{TransactionID: txn.ID, GGOID: child.ID}
	mustCreate(t, db, &target)

	return batch.ID, parent.ID, child.ID
}

func TestSubmitPendingMarksSubmittedOnSuccess(t *testing.T) {
	db := setupTestDB(t)
	batchID, _, _ := seedSplitBatch(t, db)

	sub := &MemorySubmitter{NextHandle: func(b model.Batch) string { return "handle-1" }}
	coord := NewCoordinator(db, sub, nil)

	submitted, err := coord.SubmitPending(context.Background())
	if err != nil {
		t.Fatalf("SubmitPending() error: %v", err)
	}
	if len(submitted) != 1 {
		t.Fatalf("expected one submitted batch, got %d", len(submitted))
	}

	var reloaded model.Batch
	if err := db.First(&reloaded, batchID).Error; err != nil {
		t.Fatalf("reload batch: %v", err)
	}
	if reloaded.State != model.BatchSubmitted {
		t.Errorf("expected state SUBMITTED, got %s", reloaded.State)
	}
	if reloaded.Handle != "handle-1" {
		t.Errorf("expected handle handle-1, got %s", reloaded.Handle)
	}
}

func TestSubmitPendingLeavesFailedBatchPending(t *testing.T) {
	db := setupTestDB(t)
	batchID, _, _ := seedSplitBatch(t, db)

	sub := &MemorySubmitter{Err: fmt.Errorf("ledger unreachable")}
	coord := NewCoordinator(db, sub, nil)

	submitted, err := coord.SubmitPending(context.Background())
	if err != nil {
		t.Fatalf("SubmitPending() error: %v", err)
	}
	if len(submitted) != 0 {
		t.Fatalf("expected no batches submitted on failure, got %d", len(submitted))
	}

	var reloaded model.Batch
	if err := db.First(&reloaded, batchID).Error; err != nil {
		t.Fatalf("reload batch: %v", err)
	}
	if reloaded.State != model.BatchPending {
		t.Errorf("expected batch to remain PENDING for retry, got %s", reloaded.State)
	}
}

func TestCommitReassertsFlagsAndCompletes(t *testing.T) {
	db := setupTestDB(t)
	batchID, parentID, childID := seedSplitBatch(t, db)

	// Simulate flags drifting back (e.g. a crash before on_begin's writes
	// landed) to verify Commit reasserts them idempotently.
	if err := db.Model(&model.GGO{}).Where("id = ?", parentID).Update("stored", true).Error; err != nil {
		t.Fatalf("corrupt parent stored flag: %v", err)
	}
	if err := db.Model(&model.GGO{}).Where("id = ?", childID).Update("stored", false).Error; err != nil {
		t.Fatalf("corrupt child stored flag: %v", err)
	}

	coord := NewCoordinator(db, &MemorySubmitter{}, nil)
	if err := coord.Commit(batchID); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	var batch model.Batch
	if err := db.First(&batch, batchID).Error; err != nil {
		t.Fatalf("reload batch: %v", err)
	}
	if batch.State != model.BatchCompleted {
		t.Errorf("expected state COMPLETED, got %s", batch.State)
	}

	var parent, child model.GGO
	if err := db.First(&parent, parentID).Error; err != nil {
		t.Fatalf("reload parent: %v", err)
	}
	if err := db.First(&child, childID).Error; err != nil {
		t.Fatalf("reload child: %v", err)
	}
	if parent.Stored {
		t.Errorf("expected parent stored=false after commit reasserts flags")
	}
	if !child.Stored {
		t.Errorf("expected child stored=true after commit reasserts flags")
	}

	// Committing a second time is a no-op and must not error.
	if err := coord.Commit(batchID); err != nil {
		t.Fatalf("second Commit() error: %v", err)
	}
}

func TestRollbackRestoresParentAndDeletesChild(t *testing.T) {
	db := setupTestDB(t)
	batchID, parentID, childID := seedSplitBatch(t, db)

	coord := NewCoordinator(db, &MemorySubmitter{}, nil)
	if err := coord.Rollback(batchID); err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}

	var batch model.Batch
	if err := db.First(&batch, batchID).Error; err != nil {
		t.Fatalf("reload batch: %v", err)
	}
	if batch.State != model.BatchDeclined {
		t.Errorf("expected state DECLINED, got %s", batch.State)
	}

	var parent model.GGO
	if err := db.First(&parent, parentID).Error; err != nil {
		t.Fatalf("reload parent: %v", err)
	}
	if !parent.Stored {
		t.Errorf("expected parent stored=true after rollback")
	}

	var childCount int64
	if err := db.Model(&model.GGO{}).Where("id = ?", childID).Count(&childCount).Error; err != nil {
		t.Fatalf("count child: %v", err)
	}
	if childCount != 0 {
		t.Errorf("expected the child ggo to be deleted by rollback, got %d remaining", childCount)
	}
}
