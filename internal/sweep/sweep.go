// Package sweep runs the read-only housekeeping job that reports how
// many stored ggos have passed their expire_time without being
// retired or transferred. It never mutates state: an expired ggo is
// simply no longer tradable (computed, not stored), so there is
// nothing to write back.
package sweep

import (
	"log/slog"
	"strconv"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"ggoledger/internal/clock"
	"ggoledger/internal/metrics"
)

// Config configures a Sweeper.
type Config struct {
	DB       *gorm.DB
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Hour     int
	Minute   int
	Location string
}

// Sweeper runs the expiry sweep on a daily cron schedule.
type Sweeper struct {
	db      *gorm.DB
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
	cron    *cron.Cron
	spec    string
}

// New constructs a Sweeper scheduled daily at cfg.Hour:cfg.Minute in
// cfg.Location (default Europe/Copenhagen).
func New(cfg Config) (*Sweeper, error) {
	loc := cfg.Location
	if loc == "" {
		loc = "Europe/Copenhagen"
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	spec := "CRON_TZ=" + loc + " " + strconv.Itoa(clampField(cfg.Minute, 0, 59)) + " " + strconv.Itoa(clampField(cfg.Hour, 0, 23)) + " * * *"
	if _, err := parser.Parse(spec); err != nil {
		return nil, err
	}

	s := &Sweeper{db: cfg.DB, clock: cfg.Clock, metrics: cfg.Metrics, logger: cfg.Logger, spec: spec}
	s.cron = cron.New(cron.WithParser(parser))
	return s, nil
}

// Start registers the sweep job and begins the cron scheduler's
// internal goroutine. Stop should be called on shutdown.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.spec, s.runOnce)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce executes the sweep immediately, outside the cron schedule;
// exported for manual triggering and tests.
func (s *Sweeper) RunOnce() error {
	return s.runOnceErr()
}

func (s *Sweeper) runOnce() {
	if err := s.runOnceErr(); err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
	}
}

func (s *Sweeper) runOnceErr() error {
	now := s.clock.Now()
	var count int64
	err := s.db.Table("ggos").
		Where("stored = ?", true).
		Where("retired = ?", false).
		Where("expire_time <= ?", now).
		Count(&count).Error
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ExpiredUnconsumed.Set(float64(count))
	}
	s.logger.Info("expiry sweep complete", "expired_unconsumed", count)
	return nil
}

func clampField(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
