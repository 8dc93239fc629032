package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bosslabs/pulse/pkg/analytics"
	"github.com/bosslabs/pulse/pkg/async"
	"github.com/bosslabs/pulse/pkg/config"
	"github.com/bosslabs/pulse/pkg/observability"
	"github.com/bosslabs/pulse/pkg/storage"
)

var (
	runOnce    = flag.Bool("run-once", false, "Run the daily rollup once and exit (for testing or backfilling)")
	rollupDate = flag.String("date", "", "Date to roll up (YYYY-MM-DD). If empty, rolls up yesterday. Only used with --run-once")
	jobTimeout = flag.Duration("job-timeout", 10*time.Minute, "Timeout for a single rollup or retention run")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := storage.Open(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	events := analytics.NewEventStore(db, logger, nil)
	sessions := analytics.NewSessionStore(db, logger, nil)
	metricsStore := analytics.NewMetricsStore(db, logger, nil)
	aggregator := analytics.NewAggregator(db, metricsStore, logger, nil)

	// Run once mode (for testing or backfilling)
	if *runOnce {
		var day time.Time
		if *rollupDate != "" {
			day, err = time.Parse("2006-01-02", *rollupDate)
			if err != nil {
				logger.WithError(err).Error("Invalid date format")
				os.Exit(1)
			}
		} else {
			day = time.Now().UTC().AddDate(0, 0, -1)
		}

		logger.WithField("date", day.Format("2006-01-02")).Info("Running daily rollup")
		err := async.Run(context.Background(), *jobTimeout, "daily rollup", func(ctx context.Context) error {
			return aggregator.RunDaily(ctx, day)
		})
		if err != nil {
			logger.WithError(err).Error("Rollup failed")
			os.Exit(1)
		}
		logger.Info("Rollup complete")
		return
	}

	c := cron.New()

	// Hourly rollup covers the previous clock hour.
	_, err = c.AddFunc(cfg.Aggregation.HourlySchedule, func() {
		lastHour := time.Now().UTC().Add(-time.Hour)
		err := async.Run(context.Background(), *jobTimeout, "hourly rollup", func(ctx context.Context) error {
			return aggregator.RunHourly(ctx, lastHour)
		})
		if err != nil {
			logger.WithError(err).Error("Hourly rollup failed")
		}
	})
	if err != nil {
		logger.WithError(err).Error("Failed to schedule hourly rollup")
		os.Exit(1)
	}

	// Daily rollup covers yesterday.
	_, err = c.AddFunc(cfg.Aggregation.DailySchedule, func() {
		yesterday := time.Now().UTC().AddDate(0, 0, -1)
		err := async.Run(context.Background(), *jobTimeout, "daily rollup", func(ctx context.Context) error {
			return aggregator.RunDaily(ctx, yesterday)
		})
		if err != nil {
			logger.WithError(err).Error("Daily rollup failed")
		}
	})
	if err != nil {
		logger.WithError(err).Error("Failed to schedule daily rollup")
		os.Exit(1)
	}

	// Retention sweep deletes raw rows past the retention window.
	_, err = c.AddFunc(cfg.Aggregation.RetentionSchedule, func() {
		err := async.Run(context.Background(), *jobTimeout, "retention sweep", func(ctx context.Context) error {
			return aggregator.RunRetention(ctx, events, sessions, cfg.Aggregation.RetentionDays)
		})
		if err != nil {
			logger.WithError(err).Error("Retention sweep failed")
		}
	})
	if err != nil {
		logger.WithError(err).Error("Failed to schedule retention sweep")
		os.Exit(1)
	}

	c.Start()
	logger.WithFields(map[string]interface{}{
		"hourly_schedule":    cfg.Aggregation.HourlySchedule,
		"daily_schedule":     cfg.Aggregation.DailySchedule,
		"retention_schedule": cfg.Aggregation.RetentionSchedule,
		"retention_days":     cfg.Aggregation.RetentionDays,
	}).Info("Pulse aggregator started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")
	ctx := c.Stop()
	<-ctx.Done()
	logger.Info("Aggregator stopped")
}
