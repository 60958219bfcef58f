package allocate

import (
	"fmt"

	"ggoledger/internal/composer"
	"ggoledger/internal/model"
	"ggoledger/internal/store"
)

// Consumer is the capability set every allocation target implements:
// how much of a ggo it wants, and how to record that want with the
// composer once the engine has decided to grant it.
type Consumer interface {
	// AffectedSubjects lists the accounts this consumer's consumption
	// touches, for logging/audit attribution.
	AffectedSubjects() []string
	// DesiredAmount reports how much of ggo this consumer wants, given
	// alreadyAllocated Wh already committed to earlier consumers within
	// the current allocation loop over this same ggo.
	DesiredAmount(ggo model.GGO, alreadyAllocated int64) (int64, error)
	// Consume records an intent with c for the granted amount.
	Consume(c *composer.Composer, amount int64) error
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// RetireConsumer auto-retires a ggo against one of its owner's
// consumption meteringpoints.
type RetireConsumer struct {
	Meteringpoint model.Meteringpoint
	Queries       *store.Queries
}

// AffectedSubjects implements Consumer.
func (r RetireConsumer) AffectedSubjects() []string {
	return []string{r.Meteringpoint.Subject}
}

// DesiredAmount implements Consumer per the retire formula: the lesser
// of the ggo's amount and the meteringpoint's remaining unretired
// consumption at the ggo's begin instant, or 0 if no measurement has
// been published yet.
func (r RetireConsumer) DesiredAmount(ggo model.GGO, _ int64) (int64, error) {
	measurement, err := r.Queries.ConsumptionMeasurement(r.Meteringpoint.GSRN, ggo.Begin)
	if err != nil {
		return 0, fmt.Errorf("allocate: load consumption measurement: %w", err)
	}
	if measurement == nil {
		return 0, nil
	}
	alreadyRetired, err := r.Queries.RetiredAmount(r.Meteringpoint.Subject, r.Meteringpoint.GSRN, measurement.ID)
	if err != nil {
		return 0, fmt.Errorf("allocate: load already-retired amount: %w", err)
	}
	return clampNonNegative(minInt64(ggo.Amount, measurement.Amount-alreadyRetired)), nil
}

// Consume implements Consumer.
func (r RetireConsumer) Consume(c *composer.Composer, amount int64) error {
	return c.AddRetire(r.Meteringpoint, amount)
}

// AgreementConsumer forwards a ggo to a trade agreement's counterpart,
// honoring either a standard fixed/percentage cap or, when the
// agreement limits itself to the counterpart's actual consumption, a
// consumption-shortfall cap.
type AgreementConsumer struct {
	Agreement model.TradeAgreement
	Queries   *store.Queries
}

// AffectedSubjects implements Consumer.
func (a AgreementConsumer) AffectedSubjects() []string {
	return []string{a.Agreement.UserFrom, a.Agreement.UserTo}
}

// DesiredAmount implements Consumer. It computes the standard
// fixed/percentage cap; when the agreement is limit-to-consumption, it
// further clips that to the counterpart's remaining consumption
// shortfall at the ggo's begin instant.
func (a AgreementConsumer) DesiredAmount(ggo model.GGO, alreadyAllocated int64) (int64, error) {
	standard, err := a.standardDesiredAmount(ggo)
	if err != nil {
		return 0, err
	}
	if !a.Agreement.LimitToConsumption {
		return standard, nil
	}
	if standard <= 0 {
		return 0, nil
	}

	shortfall, err := a.consumptionShortfall(ggo)
	if err != nil {
		return 0, err
	}
	storedAtRecipient, err := a.Queries.StoredAmount(a.Agreement.UserTo, ggo.Begin)
	if err != nil {
		return 0, fmt.Errorf("allocate: load recipient stored amount: %w", err)
	}

	capped := shortfall - alreadyAllocated - storedAtRecipient
	capped = clampNonNegative(capped)
	return minInt64(capped, minInt64(ggo.Amount, standard)), nil
}

func (a AgreementConsumer) standardDesiredAmount(ggo model.GGO) (int64, error) {
	transferred, err := a.Queries.TransferredAmount(a.Agreement.UserFrom, a.Agreement.PublicID.String(), ggo.Begin)
	if err != nil {
		return 0, fmt.Errorf("allocate: load already-transferred amount: %w", err)
	}

	var capAmount int64
	if a.Agreement.HasPercent() {
		percentCap := (int64(*a.Agreement.AmountPercent) * ggo.Amount) / 100
		capAmount = percentCap
		if a.Agreement.HasFixedCap() {
			capAmount = minInt64(a.Agreement.CalculatedAmount(), percentCap)
		}
	} else {
		capAmount = a.Agreement.CalculatedAmount()
	}
	capAmount -= transferred

	return clampNonNegative(minInt64(ggo.Amount, capAmount)), nil
}

func (a AgreementConsumer) consumptionShortfall(ggo model.GGO) (int64, error) {
	points, err := a.Queries.EligibleRetiringMeteringpoints(a.Agreement.UserTo, ggo.Sector)
	if err != nil {
		return 0, fmt.Errorf("allocate: load recipient retiring meteringpoints: %w", err)
	}

	var total int64
	for _, mp := range points {
		measurement, err := a.Queries.ConsumptionMeasurement(mp.GSRN, ggo.Begin)
		if err != nil {
			return 0, fmt.Errorf("allocate: load recipient measurement: %w", err)
		}
		if measurement == nil {
			continue
		}
		alreadyRetired, err := a.Queries.RetiredAmount(mp.Subject, mp.GSRN, measurement.ID)
		if err != nil {
			return 0, fmt.Errorf("allocate: load recipient retired amount: %w", err)
		}
		total += clampNonNegative(measurement.Amount - alreadyRetired)
	}
	return total, nil
}

// Consume implements Consumer.
func (a AgreementConsumer) Consume(c *composer.Composer, amount int64) error {
	reference := a.Agreement.PublicID.String()
	return c.AddTransfer(a.Agreement.UserTo, amount, &reference)
}
