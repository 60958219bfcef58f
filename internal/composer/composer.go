// Package composer assembles and persists a Batch from a parent GGO and
// a set of intended transfers and retirements, following the
// preconditions and assembly rules of the allocation model.
//
// A Composer is single-use: construct one per parent GGO, accumulate
// intents with Add*, then call Build once. Build performs writes, but
// only against the transaction supplied at construction time: nothing
// is visible outside the unit of work until the caller's surrounding
// db.Transaction commits.
package composer

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"ggoledger/internal/model"
	"ggoledger/internal/store"
)

// Sentinel error kinds. Composer methods wrap these with fmt.Errorf and
// %w so callers can errors.Is against the kind while still getting a
// human-readable message.
var (
	ErrEmpty                        = errors.New("composer: no transfers or retires added")
	ErrAmountUnavailable            = errors.New("composer: requested total exceeds parent amount")
	ErrRetireMeasurementUnavailable = errors.New("composer: no published measurement at gsrn/begin")
	ErrRetireMeasurementInvalid     = errors.New("composer: measurement does not match ggo sector/begin")
	ErrRetireAmountInvalid          = errors.New("composer: retire amount exceeds remaining measurement capacity")
	ErrNotTradable                  = errors.New("composer: parent ggo is not tradable")
)

type transferIntent struct {
	recipient string
	amount    int64
	reference *string
}

type retireIntent struct {
	meteringpoint model.Meteringpoint
	measurement   model.Measurement
	amount        int64
}

// Composer accumulates intents against a single parent GGO.
type Composer struct {
	tx  *gorm.DB
	q   *store.Queries
	now time.Time

	parent model.GGO

	transfers []transferIntent
	retires   []retireIntent
}

// New constructs a Composer for parent, validating that it is currently
// tradable. tx must be the active transaction; now is the commit-time
// clock reading stamped on derived rows.
func New(tx *gorm.DB, parent model.GGO, now time.Time) (*Composer, error) {
	if !parent.IsTradable(now) {
		return nil, ErrNotTradable
	}
	return &Composer{tx: tx, q: store.New(tx), now: now, parent: parent}, nil
}

// AddTransfer records an intent to send amount of the parent to
// recipient, attributed to reference (typically an agreement's public
// ID, nil for manual transfers).
func (c *Composer) AddTransfer(recipient string, amount int64, reference *string) error {
	if amount <= 0 {
		return fmt.Errorf("composer: transfer amount must be positive, got %d", amount)
	}
	c.transfers = append(c.transfers, transferIntent{recipient: recipient, amount: amount, reference: reference})
	return nil
}

// AddRetire records an intent to retire amount of the parent against
// meteringpoint's published consumption at the parent's begin instant.
// It validates ownership, measurement availability, sector/begin
// eligibility, and remaining capacity eagerly so callers get a precise
// error kind before Build.
func (c *Composer) AddRetire(meteringpoint model.Meteringpoint, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("composer: retire amount must be positive, got %d", amount)
	}
	if meteringpoint.Subject != c.parent.Subject || !meteringpoint.IsConsumer() {
		return fmt.Errorf("%w: meteringpoint %s is not a consumption point owned by %s", ErrRetireMeasurementInvalid, meteringpoint.GSRN, c.parent.Subject)
	}

	measurement, err := c.q.ConsumptionMeasurement(meteringpoint.GSRN, c.parent.Begin)
	if err != nil {
		return fmt.Errorf("composer: load measurement: %w", err)
	}
	if measurement == nil {
		return fmt.Errorf("%w: gsrn=%s begin=%s", ErrRetireMeasurementUnavailable, meteringpoint.GSRN, c.parent.Begin)
	}
	if measurement.GSRN != meteringpoint.GSRN || meteringpoint.Sector != c.parent.Sector {
		return fmt.Errorf("%w: ggo sector=%s begin=%s vs measurement gsrn=%s", ErrRetireMeasurementInvalid, c.parent.Sector, c.parent.Begin, measurement.GSRN)
	}

	alreadyRetired, err := c.q.RetiredAmount(c.parent.Subject, meteringpoint.GSRN, measurement.ID)
	if err != nil {
		return fmt.Errorf("composer: load already-retired amount: %w", err)
	}
	remaining := measurement.Amount - alreadyRetired
	if amount > remaining {
		return fmt.Errorf("%w: requested %d, allowed %d", ErrRetireAmountInvalid, amount, remaining)
	}

	c.retires = append(c.retires, retireIntent{meteringpoint: meteringpoint, measurement: *measurement, amount: amount})
	return nil
}

// Result is the persisted output of Build: the committed-within-tx
// Batch, paired with the (recipient, child) pairs the caller cascades
// allocation into after OnBegin, inside the same unit of work.
type Result struct {
	Batch      model.Batch
	Recipients []Recipient
}

// Recipient pairs a freshly created child GGO with the account that
// should receive a cascade allocation.
type Recipient struct {
	Subject string
	GGO     model.GGO
}

// Build validates the accumulated intents against the parent's total
// amount, assigns the implicit self-transfer remainder, and persists
// the Batch per the assembly rules, entirely within the transaction
// supplied at construction. It does not run OnBegin; callers invoke
// that separately once Build succeeds.
func (c *Composer) Build(userSubject string) (*Result, error) {
	if len(c.transfers) == 0 && len(c.retires) == 0 {
		return nil, ErrEmpty
	}

	var totalRequested int64
	for _, t := range c.transfers {
		totalRequested += t.amount
	}
	for _, r := range c.retires {
		totalRequested += r.amount
	}
	if totalRequested > c.parent.Amount {
		return nil, fmt.Errorf("%w: requested %d, available %d", ErrAmountUnavailable, totalRequested, c.parent.Amount)
	}

	transfers := append([]transferIntent(nil), c.transfers...)
	if shortfall := c.parent.Amount - totalRequested; shortfall > 0 {
		transfers = append(transfers, transferIntent{recipient: c.parent.Subject, amount: shortfall})
	}

	totalTargets := len(transfers) + len(c.retires)
	singleFullRetire := totalTargets == 1 && len(transfers) == 0 && len(c.retires) == 1

	batch := model.Batch{UserSubject: userSubject, State: model.BatchPending, CreatedAt: c.now}
	if err := c.tx.Create(&batch).Error; err != nil {
		return nil, fmt.Errorf("composer: create batch: %w", err)
	}

	if singleFullRetire {
		r := c.retires[0]
		retireTxn := model.Transaction{
			BatchID:                 batch.ID,
			Order:                   0,
			Kind:                    model.TransactionRetire,
			ParentGGOID:             c.parent.ID,
			RetireMeteringpointGSRN: r.meteringpoint.GSRN,
			RetireMeasurementID:     &r.measurement.ID,
			RetireBegin:             &c.parent.Begin,
			CreatedAt:               c.now,
		}
		if err := c.tx.Create(&retireTxn).Error; err != nil {
			return nil, fmt.Errorf("composer: create retire transaction: %w", err)
		}
		batch.Transactions = []model.Transaction{retireTxn}
		return &Result{Batch: batch}, nil
	}

	// Phase 1: create each child GGO, then the split transaction whose
	// targets reference their now-assigned IDs. gorm cascade-creates
	// the nested SplitTarget rows from split.Targets in the call below.
	split := model.Transaction{
		BatchID:     batch.ID,
		Order:       0,
		Kind:        model.TransactionSplit,
		ParentGGOID: c.parent.ID,
		CreatedAt:   c.now,
	}

	type pendingRetire struct {
		targetIdx int
		retire    retireIntent
	}
	var pending []pendingRetire

	for _, t := range transfers {
		child := c.parent.CreateChild(t.amount, t.recipient)
		if err := c.tx.Create(&child).Error; err != nil {
			return nil, fmt.Errorf("composer: create transfer child ggo: %w", err)
		}
		split.Targets = append(split.Targets, model.SplitTarget{GGOID: child.ID, Reference: t.reference})
	}
	for _, r := range c.retires {
		child := c.parent.CreateChild(r.amount, c.parent.Subject)
		if err := c.tx.Create(&child).Error; err != nil {
			return nil, fmt.Errorf("composer: create retire child ggo: %w", err)
		}
		split.Targets = append(split.Targets, model.SplitTarget{GGOID: child.ID})
		pending = append(pending, pendingRetire{targetIdx: len(split.Targets) - 1, retire: r})
	}

	if err := c.tx.Create(&split).Error; err != nil {
		return nil, fmt.Errorf("composer: create split transaction: %w", err)
	}

	// Phase 2: now that each child's GGO row exists, create one retire
	// transaction per retire target, pointing at its specific child.
	txns := []model.Transaction{split}
	order := 1
	for _, p := range pending {
		childID := split.Targets[p.targetIdx].GGOID
		retireTxn := model.Transaction{
			BatchID:                 batch.ID,
			Order:                   order,
			Kind:                    model.TransactionRetire,
			ParentGGOID:             childID,
			RetireMeteringpointGSRN: p.retire.meteringpoint.GSRN,
			RetireMeasurementID:     &p.retire.measurement.ID,
			RetireBegin:             &c.parent.Begin,
			CreatedAt:               c.now,
		}
		if err := c.tx.Create(&retireTxn).Error; err != nil {
			return nil, fmt.Errorf("composer: create retire transaction: %w", err)
		}
		txns = append(txns, retireTxn)
		order++
	}
	batch.Transactions = txns

	var recipients []Recipient
	for i, t := range transfers {
		if t.recipient == c.parent.Subject {
			continue
		}
		childID := split.Targets[i].GGOID
		var child model.GGO
		if err := c.tx.First(&child, childID).Error; err != nil {
			return nil, fmt.Errorf("composer: reload transfer child: %w", err)
		}
		recipients = append(recipients, Recipient{Subject: t.recipient, GGO: child})
	}

	return &Result{Batch: batch, Recipients: recipients}, nil
}

// OnBegin applies the immediately-after-assembly state hook: the Batch
// stays PENDING, the parent flips stored=false, every split target
// flips stored=true, and every retire transaction applies its retire
// effect to its own target ggo (the parent itself for a single full
// retire, or the matching split target otherwise). All writes are
// idempotent flag assignments, safe to re-run from OnCommit.
func (c *Composer) OnBegin(result *Result) error {
	if err := c.tx.Model(&model.GGO{}).Where("id = ?", c.parent.ID).Update("stored", false).Error; err != nil {
		return fmt.Errorf("composer: on_begin flip parent stored: %w", err)
	}
	for _, txn := range result.Batch.Transactions {
		if txn.Kind == model.TransactionSplit {
			for _, target := range txn.Targets {
				if err := c.tx.Model(&model.GGO{}).Where("id = ?", target.GGOID).Update("stored", true).Error; err != nil {
					return fmt.Errorf("composer: on_begin flip target stored: %w", err)
				}
			}
			continue
		}
		// Retire transaction: ParentGGOID names the ggo this retire
		// spends — the parent for a single full retire, a freshly
		// created split target otherwise.
		updates := map[string]any{
			"stored":                false,
			"retired":               true,
			"retire_gsrn":           txn.RetireMeteringpointGSRN,
			"retire_measurement_id": txn.RetireMeasurementID,
		}
		if err := c.tx.Model(&model.GGO{}).Where("id = ?", txn.ParentGGOID).Updates(updates).Error; err != nil {
			return fmt.Errorf("composer: on_begin apply retire: %w", err)
		}
	}
	return nil
}
