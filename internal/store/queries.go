package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"ggoledger/internal/model"
)

// Queries bundles the named reads the allocation engine needs, all
// scoped to the transaction tx so they observe uncommitted writes made
// earlier in the same unit of work (read-your-writes, per §5).
type Queries struct {
	tx *gorm.DB
}

// New wraps a transaction handle in a Queries.
func New(tx *gorm.DB) *Queries {
	return &Queries{tx: tx}
}

// RetiredAmount returns the amount already retired by subject against a
// specific measurement at gsrn.
func (q *Queries) RetiredAmount(subject, gsrn string, measurementID uint) (int64, error) {
	return TotalAmount(q.tx,
		BelongsTo(subject),
		IsRetired(),
		RetiredToGSRN(gsrn),
		RetiredToMeasurement(measurementID),
	)
}

// StoredAmount returns the total amount subject holds stored at a
// specific begin instant.
func (q *Queries) StoredAmount(subject string, begin time.Time) (int64, error) {
	return TotalAmount(q.tx, BelongsTo(subject), IsStored(), GGOBeginsAt(begin))
}

// TransferredAmount returns the total amount sender has already sent
// under a given agreement reference at a specific begin instant,
// computed from committed split targets.
func (q *Queries) TransferredAmount(sender, reference string, begin time.Time) (int64, error) {
	var total int64
	err := q.tx.Table("split_targets AS st").
		Joins("JOIN transactions AS t ON t.id = st.transaction_id").
		Joins("JOIN ggos AS parent ON parent.id = t.parent_ggo_id").
		Joins("JOIN ggos AS child ON child.id = st.ggo_id").
		Where("parent.subject = ?", sender).
		Where("st.reference = ?", reference).
		Where("child.begin = ?", begin).
		Select("COALESCE(SUM(child.amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ConsumptionMeasurement returns the measurement published at (gsrn,
// begin), or nil if none has been published yet.
func (q *Queries) ConsumptionMeasurement(gsrn string, begin time.Time) (*model.Measurement, error) {
	var m model.Measurement
	err := q.tx.Where("gsrn = ? AND begin = ?", gsrn, begin).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// EligibleRetiringMeteringpoints returns subject's consumption
// meteringpoints configured to auto-retire (non-null retiring_priority)
// whose sector matches the GGO, ordered by ascending priority (§4.2.1).
func (q *Queries) EligibleRetiringMeteringpoints(subject string, sector string) ([]model.Meteringpoint, error) {
	var points []model.Meteringpoint
	err := q.tx.
		Where("subject = ?", subject).
		Where("type = ?", model.MeteringpointConsumption).
		Where("retiring_priority IS NOT NULL").
		Where("sector = ?", sector).
		Order("retiring_priority ASC").
		Find(&points).Error
	return points, err
}

// EligibleOutboundAgreements returns subject's accepted outbound
// agreements eligible for the given GGO (date window, facility,
// technology), ordered by ascending transfer priority (§4.2.2).
func (q *Queries) EligibleOutboundAgreements(subject string, ggo model.GGO, localDate time.Time) ([]model.TradeAgreement, error) {
	var candidates []model.TradeAgreement
	err := q.tx.
		Where("user_from = ?", subject).
		Where("state = ?", model.AgreementAccepted).
		Where("date_from <= ? AND date_to >= ?", localDate, localDate).
		Order("transfer_priority ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	eligible := make([]model.TradeAgreement, 0, len(candidates))
	for _, a := range candidates {
		if !a.EligibleFacility(ggo.IssueGSRN) {
			continue
		}
		if !a.EligibleTechnology(ggo.TechCode, ggo.FuelCode) {
			continue
		}
		eligible = append(eligible, a)
	}
	return eligible, nil
}

// TechnologyLabel resolves the human-readable label for a (tech_code,
// fuel_code) pair from the technology catalog, populated out of band by
// an external importer. It returns "" if the pair is unrecognized or
// unset, never an error for that case.
func (q *Queries) TechnologyLabel(techCode, fuelCode string) (string, error) {
	if techCode == "" && fuelCode == "" {
		return "", nil
	}
	var tech model.Technology
	err := q.tx.Where("tech_code = ? AND fuel_code = ?", techCode, fuelCode).First(&tech).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tech.Label, nil
}

// AcceptedAgreementsFrom returns all currently accepted agreements with
// the given user_from, ordered by ascending transfer priority.
func (q *Queries) AcceptedAgreementsFrom(userFrom string) ([]model.TradeAgreement, error) {
	var agreements []model.TradeAgreement
	err := q.tx.
		Where("user_from = ?", userFrom).
		Where("state = ?", model.AgreementAccepted).
		Order("transfer_priority ASC").
		Find(&agreements).Error
	return agreements, err
}
