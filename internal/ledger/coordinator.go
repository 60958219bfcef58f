package ledger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"ggoledger/internal/model"
)

// Coordinator drives a Batch through SUBMITTED to its terminal state,
// calling a Submitter and reconciling the outcome back into the store.
type Coordinator struct {
	db    *gorm.DB
	submit Submitter
	now   func() time.Time
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(db *gorm.DB, submit Submitter, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{db: db, submit: submit, now: now}
}

// SubmitPending loads every PENDING batch and hands it to the ledger,
// marking it SUBMITTED with the returned handle (on_submitted). A batch
// whose submission fails is skipped and left PENDING for a later call to
// retry; the submission error is not returned or logged, and it is not
// treated as a rollback.
func (c *Coordinator) SubmitPending(ctx context.Context) ([]model.Batch, error) {
	var pending []model.Batch
	if err := c.db.Preload("Transactions.Targets").Where("state = ?", model.BatchPending).Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("ledger: load pending batches: %w", err)
	}

	var submitted []model.Batch
	for _, batch := range pending {
		handle, err := c.submit.Submit(ctx, batch)
		if err != nil {
			continue
		}
		if err := c.onSubmitted(batch, handle); err != nil {
			return submitted, err
		}
		batch.Handle = handle
		batch.State = model.BatchSubmitted
		submitted = append(submitted, batch)
	}
	return submitted, nil
}

func (c *Coordinator) onSubmitted(batch model.Batch, handle string) error {
	now := c.now()
	return c.db.Model(&model.Batch{}).Where("id = ?", batch.ID).Updates(map[string]any{
		"state":        model.BatchSubmitted,
		"handle":       handle,
		"submitted_at": now,
	}).Error
}

// Commit applies the idempotent on_commit hook: batchID's state becomes
// COMPLETED and every stored/retired flag its transactions imply is
// re-asserted, so a crash between a ledger confirmation and the local
// write leaves nothing inconsistent on retry.
func (c *Coordinator) Commit(batchID uint) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		var batch model.Batch
		if err := tx.Preload("Transactions.Targets").First(&batch, batchID).Error; err != nil {
			return fmt.Errorf("ledger: load batch %d: %w", batchID, err)
		}
		if batch.State == model.BatchCompleted {
			return nil
		}

		for _, txn := range batch.Transactions {
			if txn.Kind == model.TransactionSplit {
				for _, target := range txn.Targets {
					if err := tx.Model(&model.GGO{}).Where("id = ?", target.GGOID).Update("stored", true).Error; err != nil {
						return fmt.Errorf("ledger: reassert target stored: %w", err)
					}
				}
				if err := tx.Model(&model.GGO{}).Where("id = ?", txn.ParentGGOID).Update("stored", false).Error; err != nil {
					return fmt.Errorf("ledger: reassert parent stored: %w", err)
				}
				continue
			}
			updates := map[string]any{
				"stored":                false,
				"retired":               true,
				"retire_gsrn":           txn.RetireMeteringpointGSRN,
				"retire_measurement_id": txn.RetireMeasurementID,
			}
			if err := tx.Model(&model.GGO{}).Where("id = ?", txn.ParentGGOID).Updates(updates).Error; err != nil {
				return fmt.Errorf("ledger: reassert retire: %w", err)
			}
		}

		return tx.Model(&model.Batch{}).Where("id = ?", batchID).Update("state", model.BatchCompleted).Error
	})
}

// Rollback applies on_rollback: for every transaction in reverse
// insertion order, the parent ggo it spent is restored to stored=true;
// split transactions additionally delete their target rows and child
// ggos; retire transactions clear their retire fields. Batch state
// becomes DECLINED.
func (c *Coordinator) Rollback(batchID uint) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		var batch model.Batch
		if err := tx.Preload("Transactions.Targets").First(&batch, batchID).Error; err != nil {
			return fmt.Errorf("ledger: load batch %d: %w", batchID, err)
		}

		ordered := append([]model.Transaction(nil), batch.Transactions...)
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}

		for _, txn := range ordered {
			if txn.Kind == model.TransactionSplit {
				if err := tx.Model(&model.GGO{}).Where("id = ?", txn.ParentGGOID).Update("stored", true).Error; err != nil {
					return fmt.Errorf("ledger: restore parent stored: %w", err)
				}
				for _, target := range txn.Targets {
					if err := tx.Delete(&model.SplitTarget{}, target.ID).Error; err != nil {
						return fmt.Errorf("ledger: delete split target: %w", err)
					}
					if err := tx.Delete(&model.GGO{}, target.GGOID).Error; err != nil {
						return fmt.Errorf("ledger: delete child ggo: %w", err)
					}
				}
				continue
			}
			if err := tx.Model(&model.GGO{}).Where("id = ?", txn.ParentGGOID).Updates(map[string]any{
				"stored":                true,
				"retired":               false,
				"retire_gsrn":           nil,
				"retire_measurement_id": nil,
			}).Error; err != nil {
				return fmt.Errorf("ledger: clear retire fields: %w", err)
			}
		}

		return tx.Model(&model.Batch{}).Where("id = ?", batchID).Update("state", model.BatchDeclined).Error
	})
}
