package model

import "time"

// MeteringpointType distinguishes production from consumption points.
type MeteringpointType string

// Enumerated meteringpoint types.
const (
	MeteringpointProduction  MeteringpointType = "production"
	MeteringpointConsumption MeteringpointType = "consumption"
)

// Meteringpoint is a physical metering point identified by its GSRN,
// owned by an account (Subject).
type Meteringpoint struct {
	ID               uint              `gorm:"primaryKey"`
	GSRN             string            `gorm:"uniqueIndex;size:64;not null"`
	Subject          string            `gorm:"index;size:128;not null"`
	Type             MeteringpointType `gorm:"index;size:16;not null"`
	Sector           string            `gorm:"index;size:16;not null"`
	TechCode         string            `gorm:"size:16"`
	FuelCode         string            `gorm:"size:16"`
	RetiringPriority *int              `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName pins the table name.
func (Meteringpoint) TableName() string { return "meteringpoints" }

// IsProducer reports whether the meteringpoint produces energy.
func (m Meteringpoint) IsProducer() bool {
	return m.Type == MeteringpointProduction
}

// IsConsumer reports whether the meteringpoint consumes energy.
func (m Meteringpoint) IsConsumer() bool {
	return m.Type == MeteringpointConsumption
}

// IsRetireReceiver reports whether this point is eligible to have GGOs
// auto-retired against it: a consumption point with a configured
// retiring_priority (null means "do not auto-retire", per §3).
func (m Meteringpoint) IsRetireReceiver() bool {
	return m.IsConsumer() && m.RetiringPriority != nil
}
