// Command ggoengine runs the GGO allocation engine: HTTP API, periodic
// expiry sweep, and ledger submission coordinator against a single
// database.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"ggoledger/internal/clock"
	"ggoledger/internal/config"
	"ggoledger/internal/httpapi"
	"ggoledger/internal/ledger"
	"ggoledger/internal/logging"
	"ggoledger/internal/metrics"
	"ggoledger/internal/model"
	"ggoledger/internal/sweep"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("ggoengine", cfg.Env)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}

	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	clk := clock.System{}

	httpSubmitter, err := ledger.NewHTTPSubmitter(ledger.HTTPConfig{
		BaseURL:           cfg.LedgerBaseURL,
		APIKey:            cfg.LedgerAPIKey,
		Provider:          cfg.LedgerProvider,
		RequestsPerMinute: cfg.LedgerRate,
	})
	if err != nil {
		log.Fatalf("ledger submitter error: %v", err)
	}
	coordinator := ledger.NewCoordinator(db, httpSubmitter, clk.Now)

	srv := httpapi.New(httpapi.Config{
		DB:         db,
		Clock:      clk,
		Metrics:    m,
		Logger:     logger,
		ExpireTime: cfg.GGOExpireTime,
	})

	sweeper, err := sweep.New(sweep.Config{
		DB:       db,
		Clock:    clk,
		Metrics:  m,
		Logger:   logger,
		Hour:     cfg.ExpirySweepHour,
		Minute:   cfg.ExpirySweepMinute,
		Location: cfg.DefaultTZ.String(),
	})
	if err != nil {
		log.Fatalf("sweeper init error: %v", err)
	}
	if err := sweeper.Start(); err != nil {
		log.Fatalf("sweeper start error: %v", err)
	}
	defer sweeper.Stop()

	go runSubmissionLoop(context.Background(), coordinator, cfg.ExpirySweepInterval, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", srv.Handler())

	addr := ":" + cfg.Port
	logger.Info("starting ggoengine", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runSubmissionLoop(ctx context.Context, coordinator *ledger.Coordinator, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			submitted, err := coordinator.SubmitPending(ctx)
			if err != nil {
				logger.Error("ledger submission sweep failed", "error", err)
				continue
			}
			if len(submitted) > 0 {
				logger.Info("submitted pending batches", "count", len(submitted))
			}
		}
	}
}
