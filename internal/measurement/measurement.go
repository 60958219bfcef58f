// Package measurement implements the metering ingest entry point:
// recording a published measurement and, for production meteringpoints,
// minting the resulting ggo and triggering its allocation.
package measurement

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"ggoledger/internal/allocate"
	"ggoledger/internal/clock"
	"ggoledger/internal/logging"
	"ggoledger/internal/metrics"
	"ggoledger/internal/model"
)

// ErrAmountInvalid is returned when a non-positive amount is supplied.
var ErrAmountInvalid = errors.New("measurement: amount must be positive")

// Ingester records measurements and mints/allocates ggos for
// production meteringpoints.
type Ingester struct {
	db         *gorm.DB
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger
	expireTime time.Duration
}

// New constructs an Ingester. expireTime is added to the mint instant
// to compute a freshly issued ggo's expire_time.
func New(db *gorm.DB, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger, expireTime time.Duration) *Ingester {
	return &Ingester{db: db, clock: clk, metrics: m, logger: logger, expireTime: expireTime}
}

// Create persists a measurement for meteringpoint over [begin, end) and,
// if meteringpoint is a production point, mints and allocates the
// resulting ggo in the same unit of work.
func (ing *Ingester) Create(meteringpoint model.Meteringpoint, begin, end time.Time, amount int64) (*model.Measurement, *model.GGO, error) {
	if amount <= 0 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrAmountInvalid, amount)
	}

	now := ing.clock.Now()
	measurement := model.Measurement{
		GSRN:      meteringpoint.GSRN,
		Begin:     begin,
		End:       end,
		Amount:    amount,
		CreatedAt: now,
	}

	var mintedGGO *model.GGO
	err := ing.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&measurement).Error; err != nil {
			return fmt.Errorf("measurement: create: %w", err)
		}

		if err := tx.Create(&model.Event{
			Subject:   meteringpoint.Subject,
			Action:    "measurement.published",
			Details:   fmt.Sprintf("gsrn=%s begin=%s amount_wh=%d", meteringpoint.GSRN, begin, amount),
			CreatedAt: now,
		}).Error; err != nil {
			return fmt.Errorf("measurement: append event: %w", err)
		}

		if !meteringpoint.IsProducer() {
			return nil
		}

		ggo := model.NewFromMeasurement(meteringpoint, measurement, now, now.Add(ing.expireTime))
		if err := tx.Create(&ggo).Error; err != nil {
			return fmt.Errorf("measurement: mint ggo: %w", err)
		}
		if err := tx.Create(&model.Event{
			Subject:   meteringpoint.Subject,
			GGOID:     &ggo.ID,
			Action:    "ggo.issued",
			Details:   fmt.Sprintf("gsrn=%s amount_wh=%d", meteringpoint.GSRN, ggo.Amount),
			CreatedAt: now,
		}).Error; err != nil {
			return fmt.Errorf("measurement: append event: %w", err)
		}

		engine := allocate.New(tx, ing.clock, ing.metrics, ing.logger)
		if err := engine.Run(ggo); err != nil {
			return fmt.Errorf("measurement: allocate: %w", err)
		}

		ing.logger.Debug("minted ggo from measurement",
			"ggo_id", ggo.ID, "amount_wh", ggo.Amount,
			logging.MaskField("subject", ggo.Subject), logging.MaskField("gsrn", meteringpoint.GSRN))

		mintedGGO = &ggo
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &measurement, mintedGGO, nil
}
