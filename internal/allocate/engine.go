// Package allocate implements the allocation engine: given a ggo that
// just became stored in some account, it walks that account's
// auto-retire meteringpoints and accepted outbound agreements in
// priority order, stages intents with a composer, and cascades into
// any transferred children.
package allocate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"ggoledger/internal/clock"
	"ggoledger/internal/composer"
	"ggoledger/internal/logging"
	"ggoledger/internal/metrics"
	"ggoledger/internal/model"
	"ggoledger/internal/store"
)

// Engine runs the allocation loop against a single transaction.
type Engine struct {
	tx      *gorm.DB
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New constructs an Engine scoped to tx.
func New(tx *gorm.DB, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{tx: tx, clock: clk, metrics: m, logger: logger}
}

// Run allocates ggo against its holder's retire meteringpoints and
// outbound agreements, builds and commits a Batch if anything was
// allocated, then recurses into any transferred children. An Empty
// result from the composer (nothing wanted the ggo) is not an error:
// the ggo simply remains stored.
func (e *Engine) Run(ggo model.GGO) error {
	now := e.clock.Now()
	q := store.New(e.tx)

	consumers, err := e.enumerateConsumers(q, ggo, now)
	if err != nil {
		return fmt.Errorf("allocate: enumerate consumers: %w", err)
	}

	c, err := composer.New(e.tx, ggo, now)
	if err != nil {
		return fmt.Errorf("allocate: %w", err)
	}

	remaining := ggo.Amount
	for _, consumer := range consumers {
		if remaining == 0 {
			break
		}
		desired, err := consumer.DesiredAmount(ggo, ggo.Amount-remaining)
		if err != nil {
			return fmt.Errorf("allocate: desired amount: %w", err)
		}
		grant := minInt64(remaining, desired)
		if grant <= 0 {
			continue
		}
		if err := consumer.Consume(c, grant); err != nil {
			return fmt.Errorf("allocate: consume: %w", err)
		}
		remaining -= grant
	}

	commitStart := e.clock.Now()
	result, err := c.Build(ggo.Subject)
	if errors.Is(err, composer.ErrEmpty) {
		e.logger.Debug("allocation found no consumer", "ggo_id", ggo.ID, logging.MaskField("subject", ggo.Subject))
		return nil
	}
	if err != nil {
		return fmt.Errorf("allocate: build batch: %w", err)
	}

	if err := c.OnBegin(result); err != nil {
		return fmt.Errorf("allocate: on_begin: %w", err)
	}
	if e.metrics != nil {
		e.metrics.BatchCommitSeconds.Observe(e.clock.Now().Sub(commitStart).Seconds())
	}

	if err := e.tx.Create(&model.Event{
		Subject:   ggo.Subject,
		GGOID:     &ggo.ID,
		BatchID:   &result.Batch.ID,
		Action:    "ggo.allocated",
		Details:   fmt.Sprintf("amount_wh=%d targets=%d", ggo.Amount, len(result.Batch.Transactions)),
		CreatedAt: now,
	}).Error; err != nil {
		return fmt.Errorf("allocate: append event: %w", err)
	}

	if e.metrics != nil {
		e.metrics.AllocationsTotal.WithLabelValues("batch").Inc()
		e.metrics.AllocationAmountWh.WithLabelValues("batch").Add(float64(ggo.Amount - remaining))
	}

	for _, recipient := range result.Recipients {
		// The recipient's ggo was read back before OnBegin flipped its
		// stored flag; reload so the cascade sees the post-OnBegin state.
		var child model.GGO
		if err := e.tx.First(&child, recipient.GGO.ID).Error; err != nil {
			return fmt.Errorf("allocate: reload cascade child: %w", err)
		}
		e.logger.Debug("cascading into transferred child", "ggo_id", child.ID, logging.MaskField("recipient", recipient.Subject))
		if err := e.Run(child); err != nil {
			return fmt.Errorf("allocate: cascade to %s: %w", recipient.Subject, err)
		}
	}

	return nil
}

// enumerateConsumers builds the strict, deterministic consumer order
// of retire meteringpoints followed by eligible outbound agreements.
func (e *Engine) enumerateConsumers(q *store.Queries, ggo model.GGO, now time.Time) ([]Consumer, error) {
	var consumers []Consumer

	points, err := q.EligibleRetiringMeteringpoints(ggo.Subject, ggo.Sector)
	if err != nil {
		return nil, fmt.Errorf("retiring meteringpoints: %w", err)
	}
	for _, mp := range points {
		consumers = append(consumers, RetireConsumer{Meteringpoint: mp, Queries: q})
	}

	localDate := clock.LocalDate(ggo.Begin)
	agreements, err := q.EligibleOutboundAgreements(ggo.Subject, ggo, localDate)
	if err != nil {
		return nil, fmt.Errorf("outbound agreements: %w", err)
	}
	for _, agreement := range agreements {
		consumers = append(consumers, AgreementConsumer{Agreement: agreement, Queries: q})
	}

	return consumers, nil
}
