package agreement

import (
	"errors"
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

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func proposeBasic(t *testing.T, mgr *Manager, userFrom, userTo string) *model.TradeAgreement {
	t.Helper()
	amount := int64(1)
	unit := model.UnitMWh
	a, err := mgr.Propose(ProposeInput{
		UserProposed: userFrom, UserFrom: userFrom, UserTo: userTo,
		DateFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		DateTo:   time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		Amount:   &amount, Unit: &unit,
	})
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}
	return a
}

func TestProposeRejectsSelfAgreement(t *testing.T) {
	db := setupTestDB(t)
	mgr := New(db, fixedNow(time.Now()))
	amount := int64(1)
	unit := model.UnitMWh
	_, err := mgr.Propose(ProposeInput{UserProposed: "a", UserFrom: "a", UserTo: "a", Amount: &amount, Unit: &unit})
	if !errors.Is(err, ErrSelfAgreement) {
		t.Errorf("expected ErrSelfAgreement, got %v", err)
	}
}

func TestProposeRequiresCapOrLimit(t *testing.T) {
	db := setupTestDB(t)
	mgr := New(db, fixedNow(time.Now()))
	_, err := mgr.Propose(ProposeInput{UserProposed: "a", UserFrom: "a", UserTo: "b"})
	if !errors.Is(err, ErrMissingCapOrLimit) {
		t.Errorf("expected ErrMissingCapOrLimit, got %v", err)
	}
}

func TestAcceptOnlyByNonProposer(t *testing.T) {
	db := setupTestDB(t)
	mgr := New(db, fixedNow(time.Now()))
	a := proposeBasic(t, mgr, "a", "b")

	if _, err := mgr.Accept(a.PublicID, "a", nil, nil, nil); !errors.Is(err, ErrNotAccepter) {
		t.Errorf("expected ErrNotAccepter when the proposer tries to accept, got %v", err)
	}

	accepted, err := mgr.Accept(a.PublicID, "b", nil, nil, nil)
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if accepted.State != model.AgreementAccepted {
		t.Errorf("expected state ACCEPTED, got %s", accepted.State)
	}
	if accepted.TransferPriority == nil || *accepted.TransferPriority != 0 {
		t.Errorf("expected first accepted agreement to get priority 0, got %v", accepted.TransferPriority)
	}
}

func TestAcceptAssignsDensePriority(t *testing.T) {
	db := setupTestDB(t)
	mgr := New(db, fixedNow(time.Now()))

	first := proposeBasic(t, mgr, "a", "b")
	second := proposeBasic(t, mgr, "a", "c")

	if _, err := mgr.Accept(first.PublicID, "b", nil, nil, nil); err != nil {
		t.Fatalf("accept first: %v", err)
	}
	acceptedSecond, err := mgr.Accept(second.PublicID, "c", nil, nil, nil)
	if err != nil {
		t.Fatalf("accept second: %v", err)
	}
	if acceptedSecond.TransferPriority == nil || *acceptedSecond.TransferPriority != 1 {
		t.Errorf("expected second accepted agreement to get priority 1, got %v", acceptedSecond.TransferPriority)
	}
}

func TestCancelRenumbersRemainingPriorities(t *testing.T) {
	db := setupTestDB(t)
	mgr := New(db, fixedNow(time.Now()))

	first := proposeBasic(t, mgr, "a", "b")
	second := proposeBasic(t, mgr, "a", "c")
	third := proposeBasic(t, mgr, "a", "d")

	for _, agreement := range []*model.TradeAgreement{first, second, third} {
		if _, err := mgr.Accept(agreement.PublicID, agreement.UserTo, nil, nil, nil); err != nil {
			t.Fatalf("accept %s: %v", agreement.UserTo, err)
		}
	}

	if _, err := mgr.Cancel(first.PublicID, "a"); err != nil {
		t.Fatalf("cancel first: %v", err)
	}

	var remaining []model.TradeAgreement
	if err := db.Where("user_from = ? AND state = ?", "a", model.AgreementAccepted).Order("transfer_priority ASC").Find(&remaining).Error; err != nil {
		t.Fatalf("load remaining: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining accepted agreements, got %d", len(remaining))
	}
	for i, a := range remaining {
		if a.TransferPriority == nil || *a.TransferPriority != i {
			t.Errorf("expected dense priority %d at position %d, got %v", i, i, a.TransferPriority)
		}
	}

	var cancelled model.TradeAgreement
	if err := db.Where("public_id = ?", first.PublicID).First(&cancelled).Error; err != nil {
		t.Fatalf("reload cancelled: %v", err)
	}
	if cancelled.TransferPriority != nil {
		t.Errorf("expected cancelled agreement's priority to be cleared, got %v", cancelled.TransferPriority)
	}
}

func TestSetPriorityReordersAndClosesGaps(t *testing.T) {
	db := setupTestDB(t)
	mgr := New(db, fixedNow(time.Now()))

	first := proposeBasic(t, mgr, "a", "b")
	second := proposeBasic(t, mgr, "a", "c")
	third := proposeBasic(t, mgr, "a", "d")
	for _, agreement := range []*model.TradeAgreement{first, second, third} {
		if _, err := mgr.Accept(agreement.PublicID, agreement.UserTo, nil, nil, nil); err != nil {
			t.Fatalf("accept %s: %v", agreement.UserTo, err)
		}
	}

	if err := mgr.SetPriority("a", []uuid.UUID{third.PublicID, first.PublicID}); err != nil {
		t.Fatalf("SetPriority() error: %v", err)
	}

	var all []model.TradeAgreement
	if err := db.Where("user_from = ? AND state = ?", "a", model.AgreementAccepted).Order("transfer_priority ASC").Find(&all).Error; err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 accepted agreements, got %d", len(all))
	}
	if all[0].PublicID != third.PublicID || all[1].PublicID != first.PublicID {
		t.Fatalf("expected explicit order [third, first, ...], got %v, %v", all[0].PublicID, all[1].PublicID)
	}
	for i, a := range all {
		if a.TransferPriority == nil || *a.TransferPriority != i {
			t.Errorf("expected dense priority %d at position %d, got %v", i, i, a.TransferPriority)
		}
	}
}

func TestWithdrawOnlyByProposer(t *testing.T) {
	db := setupTestDB(t)
	mgr := New(db, fixedNow(time.Now()))
	a := proposeBasic(t, mgr, "a", "b")

	if _, err := mgr.Withdraw(a.PublicID, "b"); !errors.Is(err, ErrNotProposer) {
		t.Errorf("expected ErrNotProposer, got %v", err)
	}

	withdrawn, err := mgr.Withdraw(a.PublicID, "a")
	if err != nil {
		t.Fatalf("Withdraw() error: %v", err)
	}
	if withdrawn.State != model.AgreementWithdrawn {
		t.Errorf("expected state WITHDRAWN, got %s", withdrawn.State)
	}
}
