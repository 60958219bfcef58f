package store

import (
	"fmt"
	"testing"

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

func TestTechnologyLabelResolvesKnownPair(t *testing.T) {
	db := setupTestDB(t)
	tech := model.Technology{TechCode: "T010000", FuelCode: "F01010100", Label: "Wind turbine, onshore"}
	if err := db.Create(&tech).Error; err != nil {
		t.Fatalf("create technology: %v", err)
	}

	got, err := New(db).TechnologyLabel("T010000", "F01010100")
	if err != nil {
		t.Fatalf("TechnologyLabel() error: %v", err)
	}
	if got != "Wind turbine, onshore" {
		t.Errorf("TechnologyLabel() = %q, want %q", got, "Wind turbine, onshore")
	}
}

func TestTechnologyLabelUnknownPairReturnsEmpty(t *testing.T) {
	db := setupTestDB(t)
	got, err := New(db).TechnologyLabel("T999999", "F99999999")
	if err != nil {
		t.Fatalf("TechnologyLabel() error: %v", err)
	}
	if got != "" {
		t.Errorf("TechnologyLabel() = %q, want empty string for an unrecognized pair", got)
	}
}

func TestTechnologyLabelEmptyCodesReturnsEmpty(t *testing.T) {
	db := setupTestDB(t)
	got, err := New(db).TechnologyLabel("", "")
	if err != nil {
		t.Fatalf("TechnologyLabel() error: %v", err)
	}
	if got != "" {
		t.Errorf("TechnologyLabel() = %q, want empty string when no codes are set", got)
	}
}
