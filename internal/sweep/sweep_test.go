package sweep

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"ggoledger/internal/clock"
	"ggoledger/internal/metrics"
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

func TestRunOnceCountsOnlyStoredUnretiredExpired(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	begin := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	cases := []model.GGO{
		{PublicID: uuid.New(), Subject: "a", Begin: begin, End: begin.Add(time.Hour), IssueTime: now, ExpireTime: now.Add(-time.Hour), Amount: 10, Sector: "DK1", Stored: true, Retired: false},
		{PublicID: uuid.New(), Subject: "a", Begin: begin, End: begin.Add(time.Hour), IssueTime: now, ExpireTime: now.Add(time.Hour), Amount: 10, Sector: "DK1", Stored: true, Retired: false},
		{PublicID: uuid.New(), Subject: "a", Begin: begin, End: begin.Add(time.Hour), IssueTime: now, ExpireTime: now.Add(-time.Hour), Amount: 10, Sector: "DK1", Stored: false, Retired: false},
		{PublicID: uuid.New(), Subject: "a", Begin: begin, End: begin.Add(time.Hour), IssueTime: now, ExpireTime: now.Add(-time.Hour), Amount: 10, Sector: "DK1", Stored: true, Retired: true},
	}
	for i := range cases {
		mustCreate(t, db, &cases[i])
	}

	m := metrics.NewNoop()
	s, err := New(Config{
		DB: db, Clock: clock.Fixed{At: now}, Metrics: m,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Hour:   3, Minute: 15,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := s.RunOnce(); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if got := testutil.ToFloat64(m.ExpiredUnconsumed); got != 1 {
		t.Errorf("expected exactly 1 expired-unconsumed ggo counted, got %v", got)
	}
}

func TestNewClampsOutOfRangeHourAndMinute(t *testing.T) {
	db := setupTestDB(t)
	s, err := New(Config{
		DB: db, Clock: clock.Fixed{At: time.Now()}, Metrics: metrics.NewNoop(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Hour:   99, Minute: -5,
	})
	if err != nil {
		t.Fatalf("New() should clamp out-of-range fields rather than error, got: %v", err)
	}
	if err := s.RunOnce(); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
}
