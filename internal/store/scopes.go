// Package store implements the query surface (§2.2) the allocation
// engine depends on: a handful of composable, named reads over GGOs,
// Measurements, Meteringpoints, TradeAgreements, and Transactions.
//
// Filters compose as chained gorm scopes, the Go analogue of the
// teacher's fluent query-builder pattern (GgoQuery/AgreementQuery in
// the original source): each predicate is a small function of
// *gorm.DB, and callers chain them with .Scopes(...).
package store

import (
	"time"

	"gorm.io/gorm"

	"ggoledger/internal/model"
)

// BelongsTo restricts to rows owned by subject.
func BelongsTo(subject string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB { return db.Where("subject = ?", subject) }
}

// GGOBeginsAt restricts GGOs to a specific begin instant.
func GGOBeginsAt(begin time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB { return db.Where("begin = ?", begin) }
}

// IsStored restricts GGOs to those currently stored.
func IsStored() func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB { return db.Where("stored = ?", true) }
}

// IsRetired restricts GGOs to those already retired.
func IsRetired() func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB { return db.Where("retired = ?", true) }
}

// RetiredToMeasurement restricts retired GGOs to those retired against a
// specific measurement.
func RetiredToMeasurement(measurementID uint) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB { return db.Where("retire_measurement_id = ?", measurementID) }
}

// RetiredToGSRN restricts retired GGOs to a specific retire_gsrn.
func RetiredToGSRN(gsrn string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB { return db.Where("retire_gsrn = ?", gsrn) }
}

// TotalAmount sums the Amount column of the filtered GGO query.
func TotalAmount(tx *gorm.DB, scopes ...func(*gorm.DB) *gorm.DB) (int64, error) {
	var total int64
	q := tx.Model(&model.GGO{}).Scopes(scopes...)
	if err := q.Select("COALESCE(SUM(amount), 0)").Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}
