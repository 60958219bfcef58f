// Package agreement implements trade agreement proposal and the
// transfer-priority manager: propose/accept/decline/withdraw/cancel and
// manual priority reordering, each stamping an audit Event in the same
// transaction as the state change.
package agreement

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ggoledger/internal/logging"
	"ggoledger/internal/model"
)

// Sentinel error kinds surfaced to callers.
var (
	ErrNotFound             = errors.New("agreement: not found")
	ErrNotPending            = errors.New("agreement: not pending")
	ErrNotAccepted           = errors.New("agreement: not accepted")
	ErrNotProposer           = errors.New("agreement: caller is not the proposer")
	ErrNotAccepter           = errors.New("agreement: caller is not the accepting party")
	ErrSelfAgreement         = errors.New("agreement: user_from and user_to must differ")
	ErrInvalidPercent        = errors.New("agreement: amount_percent must be in [1,100]")
	ErrMissingCapOrLimit     = errors.New("agreement: must set limit_to_consumption or (amount and unit)")
	ErrCounterpartUnavailable = errors.New("agreement: counterpart account unavailable")
)

// Manager coordinates agreement lifecycle transitions against a
// transaction-scoped database handle.
type Manager struct {
	tx  *gorm.DB
	now func() time.Time
}

// New constructs a Manager. now defaults to time.Now when nil.
func New(tx *gorm.DB, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{tx: tx, now: now}
}

// ProposeInput carries the fields a proposer supplies. At least one of
// LimitToConsumption or (Amount, Unit) must be set, per
// ErrMissingCapOrLimit; both may be set together.
type ProposeInput struct {
	UserProposed       string
	UserFrom           string
	UserTo             string
	DateFrom           time.Time
	DateTo             time.Time
	FacilityGSRN       []string
	Technologies       []string
	Amount             *int64
	Unit               *model.Unit
	AmountPercent      *int
	LimitToConsumption bool
}

// Propose creates a PENDING agreement between two accounts.
func (m *Manager) Propose(in ProposeInput) (*model.TradeAgreement, error) {
	if in.UserFrom == in.UserTo {
		return nil, ErrSelfAgreement
	}
	if in.AmountPercent != nil && (*in.AmountPercent < 1 || *in.AmountPercent > 100) {
		return nil, ErrInvalidPercent
	}
	if !in.LimitToConsumption && (in.Amount == nil || in.Unit == nil) {
		return nil, ErrMissingCapOrLimit
	}

	now := m.now()
	a := model.TradeAgreement{
		PublicID:           uuid.New(),
		UserProposed:       in.UserProposed,
		UserFrom:           in.UserFrom,
		UserTo:             in.UserTo,
		DateFrom:           in.DateFrom,
		DateTo:             in.DateTo,
		FacilityGSRN:       model.StringSlice(in.FacilityGSRN),
		Technologies:       model.StringSlice(in.Technologies),
		Amount:             in.Amount,
		Unit:               in.Unit,
		AmountPercent:      in.AmountPercent,
		LimitToConsumption: in.LimitToConsumption,
		State:              model.AgreementPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	var created model.TradeAgreement
	err := m.tx.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&a).Error; err != nil {
			return err
		}
		if err := appendEvent(tx, in.UserProposed, &a, "agreement.proposed", now); err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Default().Debug("agreement proposed",
		"agreement", created.PublicID,
		logging.MaskField("user_from", created.UserFrom), logging.MaskField("user_to", created.UserTo))
	return &created, nil
}

// Accept transitions a PENDING agreement to ACCEPTED when called by the
// non-proposing party, assigning the next dense transfer_priority
// within user_from. Accepter-only fields are filled in iff still empty
// (technologies) or iff the accepter is the outbound party (facility,
// amount_percent).
func (m *Manager) Accept(publicID uuid.UUID, caller string, technologies, facilityGSRN []string, amountPercent *int) (*model.TradeAgreement, error) {
	var result model.TradeAgreement
	err := m.tx.Transaction(func(tx *gorm.DB) error {
		var a model.TradeAgreement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, "public_id = ?", publicID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if a.State != model.AgreementPending {
			return ErrNotPending
		}
		if caller == a.UserProposed {
			return ErrNotAccepter
		}

		now := m.now()
		priority, err := nextPriority(tx, a.UserFrom)
		if err != nil {
			return err
		}

		a.State = model.AgreementAccepted
		a.TransferPriority = &priority
		a.UpdatedAt = now
		if len(a.Technologies) == 0 && len(technologies) > 0 {
			a.Technologies = model.StringSlice(technologies)
		}
		if caller == a.UserFrom {
			if len(facilityGSRN) > 0 {
				a.FacilityGSRN = model.StringSlice(facilityGSRN)
			}
			if amountPercent != nil {
				a.AmountPercent = amountPercent
			}
		}

		if err := tx.Save(&a).Error; err != nil {
			return err
		}
		if err := appendEvent(tx, caller, &a, "agreement.accepted", now); err != nil {
			return err
		}
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Decline sets a PENDING agreement's state to DECLINED and stamps
// Declined.
func (m *Manager) Decline(publicID uuid.UUID, caller string) (*model.TradeAgreement, error) {
	return m.terminate(publicID, caller, model.AgreementDeclined, "agreement.declined", false)
}

// Withdraw sets a PENDING agreement's state to WITHDRAWN; only the
// proposer may withdraw.
func (m *Manager) Withdraw(publicID uuid.UUID, caller string) (*model.TradeAgreement, error) {
	return m.terminate(publicID, caller, model.AgreementWithdrawn, "agreement.withdrawn", true)
}

func (m *Manager) terminate(publicID uuid.UUID, caller string, next model.AgreementState, action string, proposerOnly bool) (*model.TradeAgreement, error) {
	var result model.TradeAgreement
	err := m.tx.Transaction(func(tx *gorm.DB) error {
		var a model.TradeAgreement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, "public_id = ?", publicID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if a.State != model.AgreementPending {
			return ErrNotPending
		}
		if proposerOnly && caller != a.UserProposed {
			return ErrNotProposer
		}

		now := m.now()
		a.State = next
		a.Declined = &now
		a.UpdatedAt = now
		if err := tx.Save(&a).Error; err != nil {
			return err
		}
		if err := appendEvent(tx, caller, &a, action, now); err != nil {
			return err
		}
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel transitions an ACCEPTED agreement to CANCELLED, clears its
// transfer_priority, and renumbers the remaining accepted agreements of
// user_from into a contiguous 0..k-1 sequence by ascending prior
// priority.
func (m *Manager) Cancel(publicID uuid.UUID, caller string) (*model.TradeAgreement, error) {
	var result model.TradeAgreement
	err := m.tx.Transaction(func(tx *gorm.DB) error {
		var a model.TradeAgreement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, "public_id = ?", publicID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if a.State != model.AgreementAccepted {
			return ErrNotAccepted
		}

		now := m.now()
		a.State = model.AgreementCancelled
		a.TransferPriority = nil
		a.Cancelled = &now
		a.UpdatedAt = now
		if err := tx.Save(&a).Error; err != nil {
			return err
		}
		if err := renumberPriorities(tx, a.UserFrom); err != nil {
			return err
		}
		if err := appendEvent(tx, caller, &a, "agreement.cancelled", now); err != nil {
			return err
		}
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Default().Debug("agreement cancelled, priorities renumbered",
		"agreement", result.PublicID, logging.MaskField("user_from", result.UserFrom))
	return &result, nil
}

// SetPriority assigns priorities 0..len(order)-1 to the agreements
// named by order (public IDs, all owned by userFrom), in the order
// given, then renumbers the remainder by their prior relative order to
// close any gaps.
func (m *Manager) SetPriority(userFrom string, order []uuid.UUID) error {
	return m.tx.Transaction(func(tx *gorm.DB) error {
		now := m.now()
		// Shift every accepted agreement past the explicitly ordered
		// slots first, so the remainder keeps its prior relative order
		// behind them instead of colliding with 0..len(order)-1.
		if err := tx.Model(&model.TradeAgreement{}).
			Where("user_from = ? AND state = ?", userFrom, model.AgreementAccepted).
			Update("transfer_priority", gorm.Expr("transfer_priority + ?", len(order))).Error; err != nil {
			return err
		}
		for i, publicID := range order {
			priority := i
			res := tx.Model(&model.TradeAgreement{}).
				Where("public_id = ? AND user_from = ? AND state = ?", publicID, userFrom, model.AgreementAccepted).
				Updates(map[string]any{"transfer_priority": priority, "updated_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: %s", ErrNotFound, publicID)
			}
		}
		return renumberPriorities(tx, userFrom)
	})
}

// nextPriority returns one past the highest current transfer_priority
// among userFrom's accepted agreements, or 0 if there are none.
func nextPriority(tx *gorm.DB, userFrom string) (int, error) {
	var max *int
	err := tx.Model(&model.TradeAgreement{}).
		Where("user_from = ? AND state = ?", userFrom, model.AgreementAccepted).
		Select("MAX(transfer_priority)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max + 1, nil
}

// renumberPriorities collapses gaps in userFrom's accepted agreements'
// transfer_priority into a dense 0..k-1 sequence, preserving relative
// order. It is the Go equivalent of a window-function UPDATE and is
// implemented in application code so it runs identically against both
// the postgres and sqlite-in-memory drivers.
func renumberPriorities(tx *gorm.DB, userFrom string) error {
	var agreements []model.TradeAgreement
	if err := tx.
		Where("user_from = ? AND state = ?", userFrom, model.AgreementAccepted).
		Order("transfer_priority ASC").
		Find(&agreements).Error; err != nil {
		return err
	}
	sort.SliceStable(agreements, func(i, j int) bool {
		pi, pj := agreements[i].TransferPriority, agreements[j].TransferPriority
		if pi == nil {
			return false
		}
		if pj == nil {
			return true
		}
		return *pi < *pj
	})
	for i, a := range agreements {
		if a.TransferPriority != nil && *a.TransferPriority == i {
			continue
		}
		if err := tx.Model(&model.TradeAgreement{}).
			Where("id = ?", a.ID).
			Update("transfer_priority", i).Error; err != nil {
			return err
		}
	}
	return nil
}

func appendEvent(tx *gorm.DB, subject string, a *model.TradeAgreement, action string, now time.Time) error {
	return tx.Create(&model.Event{
		Subject:     subject,
		AgreementID: &a.ID,
		Action:      action,
		Details:     fmt.Sprintf("public_id=%s user_from=%s user_to=%s", a.PublicID, a.UserFrom, a.UserTo),
		CreatedAt:   now,
	}).Error
}
