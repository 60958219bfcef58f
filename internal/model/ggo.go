package model

import (
	"time"

	"github.com/google/uuid"
)

// GGO is a Guarantee of Origin: an amount-bearing, time-bound
// certificate of renewable energy production. Its lineage forms a DAG
// via ParentID; production-issued GGOs have no parent and instead carry
// MeasurementID.
type GGO struct {
	ID       uint      `gorm:"primaryKey"`
	PublicID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`

	ParentID *uint `gorm:"index"`

	MeasurementID *uint `gorm:"uniqueIndex"`

	Subject string `gorm:"index;size:128;not null"`

	Begin      time.Time `gorm:"index;not null"`
	End        time.Time `gorm:"not null"`
	IssueTime  time.Time `gorm:"not null"`
	ExpireTime time.Time `gorm:"index;not null"`

	Amount int64  `gorm:"not null"`
	Sector string `gorm:"index;size:16;not null"`

	TechCode string `gorm:"size:16"`
	FuelCode string `gorm:"size:16"`

	Emissions []byte `gorm:"type:text"`

	// Flags (§3 state machine): Issued, Stored, Retired.
	Issued  bool `gorm:"index;not null"`
	Stored  bool `gorm:"index;not null"`
	Retired bool `gorm:"index;not null"`

	// IssueGSRN is the producing meteringpoint, set iff Issued.
	IssueGSRN string `gorm:"index;size:64"`

	// Retire link, set iff Retired.
	RetireGSRN          *string `gorm:"index;size:64"`
	RetireMeasurementID *uint   `gorm:"index"`

	CreatedAt time.Time
}

// TableName pins the table name; gorm's default pluralizer would
// otherwise mangle the all-caps "GGO" into something unpredictable.
func (GGO) TableName() string { return "ggos" }

// IsExpired reports whether at instant now the GGO's expire_time has
// passed. A GGO with now == expire_time is not tradable (§8 boundary).
func (g GGO) IsExpired(now time.Time) bool {
	return !now.Before(g.ExpireTime)
}

// IsTradable reports whether the GGO can be split/retired/transferred:
// stored, not retired, and not expired (§3 invariant).
func (g GGO) IsTradable(now time.Time) bool {
	return g.Stored && !g.Retired && !g.IsExpired(now)
}

// NewFromMeasurement constructs a freshly issued GGO from a production
// measurement at a meteringpoint, per §4.5.
func NewFromMeasurement(mp Meteringpoint, measurement Measurement, now time.Time, expireTime time.Time) GGO {
	return GGO{
		PublicID:      uuid.New(),
		MeasurementID: &measurement.ID,
		Subject:       mp.Subject,
		Begin:         measurement.Begin,
		End:           measurement.End,
		IssueTime:     now,
		ExpireTime:    expireTime,
		Amount:        measurement.Amount,
		Sector:        mp.Sector,
		TechCode:      mp.TechCode,
		FuelCode:      mp.FuelCode,
		Issued:        true,
		Stored:        true,
		Retired:       false,
		IssueGSRN:     mp.GSRN,
	}
}

// CreateChild derives a new, not-yet-persisted GGO from the receiver,
// carrying forward its timing and attributes but none of its flags.
// amount must be in (0, g.Amount].
func (g GGO) CreateChild(amount int64, owner string) GGO {
	return GGO{
		PublicID:   uuid.New(),
		ParentID:   &g.ID,
		Subject:    owner,
		Begin:      g.Begin,
		End:        g.End,
		IssueTime:  g.IssueTime,
		ExpireTime: g.ExpireTime,
		Amount:     amount,
		Sector:     g.Sector,
		TechCode:   g.TechCode,
		FuelCode:   g.FuelCode,
		Emissions:  g.Emissions,
		Issued:     false,
		Stored:     false,
		Retired:    false,
	}
}
