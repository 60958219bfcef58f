package model

import (
	"time"

	"github.com/google/uuid"
)

// Unit scales a TradeAgreement's fixed Amount cap into Wh.
type Unit string

// Enumerated units.
const (
	UnitWh  Unit = "Wh"
	UnitKWh Unit = "kWh"
	UnitMWh Unit = "MWh"
	UnitGWh Unit = "GWh"
)

// Multiplier returns the number of Wh one unit of u represents.
func (u Unit) Multiplier() int64 {
	switch u {
	case UnitKWh:
		return 1_000
	case UnitMWh:
		return 1_000_000
	case UnitGWh:
		return 1_000_000_000
	default:
		return 1
	}
}

// AgreementState is the lifecycle state of a TradeAgreement (§3).
type AgreementState string

// Enumerated agreement states.
const (
	AgreementPending   AgreementState = "PENDING"
	AgreementAccepted  AgreementState = "ACCEPTED"
	AgreementDeclined  AgreementState = "DECLINED"
	AgreementCancelled AgreementState = "CANCELLED"
	AgreementWithdrawn AgreementState = "WITHDRAWN"
)

// TradeAgreement is a directed, stateful contract proposing that
// UserFrom automatically forward GGOs to UserTo.
type TradeAgreement struct {
	ID       uint      `gorm:"primaryKey"`
	PublicID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`

	UserProposed string `gorm:"index;size:128;not null"`
	UserFrom     string `gorm:"index;size:128;not null"`
	UserTo       string `gorm:"index;size:128;not null"`

	DateFrom time.Time `gorm:"index;not null"`
	DateTo   time.Time `gorm:"index;not null"`

	FacilityGSRN StringSlice `gorm:"type:text"`
	Technologies StringSlice `gorm:"type:text"`

	Amount        *int64
	Unit          *Unit `gorm:"size:8"`
	AmountPercent *int

	LimitToConsumption bool `gorm:"not null;default:false"`

	State           AgreementState `gorm:"index;size:16;not null"`
	TransferPriority *int          `gorm:"index"`

	Declined  *time.Time
	Cancelled *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the table name.
func (TradeAgreement) TableName() string { return "trade_agreements" }

// CalculatedAmount returns the fixed cap in Wh, or 0 if no fixed cap is
// configured on the agreement.
func (a TradeAgreement) CalculatedAmount() int64 {
	if a.Amount == nil || a.Unit == nil {
		return 0
	}
	return *a.Amount * a.Unit.Multiplier()
}

// HasFixedCap reports whether the agreement carries a fixed amount cap.
func (a TradeAgreement) HasFixedCap() bool {
	return a.Amount != nil && a.Unit != nil
}

// HasPercent reports whether the agreement carries a percentage share.
func (a TradeAgreement) HasPercent() bool {
	return a.AmountPercent != nil && *a.AmountPercent > 0
}

// IsOperatingOn reports whether localDate falls within [DateFrom, DateTo]
// inclusive.
func (a TradeAgreement) IsOperatingOn(localDate time.Time) bool {
	return !localDate.Before(a.DateFrom) && !localDate.After(a.DateTo)
}

// EligibleFacility reports whether the agreement's facility restriction
// (if any) admits issueGSRN. An empty restriction admits any facility;
// a GGO with no issueGSRN (e.g. a transferred child) is always admitted.
func (a TradeAgreement) EligibleFacility(issueGSRN string) bool {
	if len(a.FacilityGSRN) == 0 {
		return true
	}
	if issueGSRN == "" {
		return true
	}
	return a.FacilityGSRN.Contains(issueGSRN)
}

// EligibleTechnology reports whether the agreement's technology
// restriction (if any) admits the given tech/fuel code pair. A nil/empty
// restriction admits any technology.
func (a TradeAgreement) EligibleTechnology(techCode, fuelCode string) bool {
	if len(a.Technologies) == 0 {
		return true
	}
	combined := techCode + "/" + fuelCode
	return a.Technologies.Contains(combined) || a.Technologies.Contains(techCode)
}
