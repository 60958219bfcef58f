package model

import "time"

// Measurement is a single metered reading of a meteringpoint over
// [Begin, End), unique per (GSRN, Begin).
type Measurement struct {
	ID        uint      `gorm:"primaryKey"`
	GSRN      string    `gorm:"uniqueIndex:idx_measurement_gsrn_begin;size:64;not null"`
	Begin     time.Time `gorm:"uniqueIndex:idx_measurement_gsrn_begin;index;not null"`
	End       time.Time `gorm:"not null"`
	Amount    int64     `gorm:"not null"`
	CreatedAt time.Time
}

// TableName pins the table name.
func (Measurement) TableName() string { return "measurements" }
