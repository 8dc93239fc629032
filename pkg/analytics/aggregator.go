package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bosslabs/pulse/pkg/observability"
)

// Aggregator rolls raw events, sessions and usage into
// aggregated_metrics rows. Rollups are idempotent: re-running a window
// overwrites the same keyed rows instead of duplicating them.
type Aggregator struct {
	db     *sql.DB
	store  *MetricsStore
	logger *observability.Logger
	om     *observability.Metrics
}

// NewAggregator creates a new aggregator
func NewAggregator(db *sql.DB, store *MetricsStore, logger *observability.Logger, om *observability.Metrics) *Aggregator {
	return &Aggregator{db: db, store: store, logger: logger, om: om}
}

// RunDaily computes the daily rollups for one calendar day: the global
// row, one row per active user and one row per used service.
func (a *Aggregator) RunDaily(ctx context.Context, day time.Time) error {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)
	date := start.Format("2006-01-02")

	return a.observe(ctx, "daily", func(ctx context.Context) error {
		if err := a.rollupGlobal(ctx, date, nil, start.Unix(), end.Unix()); err != nil {
			return fmt.Errorf("global daily rollup for %s: %w", date, err)
		}
		if err := a.rollupPerUser(ctx, date, start.Unix(), end.Unix()); err != nil {
			return fmt.Errorf("per-user daily rollup for %s: %w", date, err)
		}
		if err := a.rollupPerService(ctx, date, nil, start.Unix(), end.Unix()); err != nil {
			return fmt.Errorf("per-service daily rollup for %s: %w", date, err)
		}
		return nil
	})
}

// RunHourly computes the hourly rollups for one clock hour: the global
// row and one row per used service.
func (a *Aggregator) RunHourly(ctx context.Context, t time.Time) error {
	start := t.Truncate(time.Hour)
	end := start.Add(time.Hour)
	date := start.Format("2006-01-02")
	hour := int64(start.Hour())

	return a.observe(ctx, "hourly", func(ctx context.Context) error {
		if err := a.rollupGlobal(ctx, date, &hour, start.Unix(), end.Unix()); err != nil {
			return fmt.Errorf("global hourly rollup for %s h%d: %w", date, hour, err)
		}
		if err := a.rollupPerService(ctx, date, &hour, start.Unix(), end.Unix()); err != nil {
			return fmt.Errorf("per-service hourly rollup for %s h%d: %w", date, hour, err)
		}
		return nil
	})
}

// RunRetention deletes raw rows older than the retention window across
// all ingestion tables. Rollup rows are never deleted.
func (a *Aggregator) RunRetention(ctx context.Context, events *EventStore, sessions *SessionStore, days int) error {
	eventsDeleted, err := events.PurgeOlderThan(ctx, days)
	if err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	sessionsDeleted, err := sessions.PurgeOlderThan(ctx, days)
	if err != nil {
		return fmt.Errorf("purge sessions: %w", err)
	}
	perfDeleted, usageDeleted, err := a.store.PurgeOlderThan(ctx, days)
	if err != nil {
		return fmt.Errorf("purge metrics: %w", err)
	}

	if a.om != nil {
		a.om.RetentionDeletedTotal.WithLabelValues("user_events").Add(float64(eventsDeleted))
		a.om.RetentionDeletedTotal.WithLabelValues("user_sessions").Add(float64(sessionsDeleted))
		a.om.RetentionDeletedTotal.WithLabelValues("performance_metrics").Add(float64(perfDeleted))
		a.om.RetentionDeletedTotal.WithLabelValues("service_usage").Add(float64(usageDeleted))
	}

	return nil
}

func (a *Aggregator) observe(ctx context.Context, granularity string, fn func(context.Context) error) error {
	started := time.Now()
	err := fn(ctx)

	if a.om != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		a.om.RollupRunsTotal.WithLabelValues(granularity, status).Inc()
		a.om.RollupDuration.Observe(time.Since(started).Seconds())
	}

	if err != nil {
		a.logger.WithError(err).WithField("granularity", granularity).Error("Rollup failed")
		return err
	}
	a.logger.WithFields(map[string]interface{}{
		"granularity": granularity,
		"duration":    time.Since(started).String(),
	}).Info("Rollup complete")
	return nil
}

// rollupGlobal writes the single row with no user or service dimension.
func (a *Aggregator) rollupGlobal(ctx context.Context, date string, hour *int64, start, end int64) error {
	query := `
		SELECT
			(SELECT COUNT(*) FROM user_events WHERE created_at >= ?1 AND created_at < ?2),
			(SELECT COUNT(*) FROM user_sessions WHERE started_at >= ?1 AND started_at < ?2),
			(SELECT COUNT(DISTINCT user_id) FROM user_events WHERE created_at >= ?1 AND created_at < ?2),
			(SELECT COUNT(*) FROM user_events WHERE event_type = 'api_call' AND created_at >= ?1 AND created_at < ?2),
			(SELECT COUNT(*) FROM user_events WHERE event_type = 'error' AND created_at >= ?1 AND created_at < ?2),
			(SELECT COALESCE(SUM(cost_bt), 0) FROM service_usage WHERE created_at >= ?1 AND created_at < ?2),
			(SELECT COALESCE(AVG(duration_seconds), 0) FROM user_sessions
				WHERE ended_at IS NOT NULL AND started_at >= ?1 AND started_at < ?2),
			(SELECT COALESCE(AVG(duration_ms), 0) FROM service_usage WHERE created_at >= ?1 AND created_at < ?2)
	`

	agg := AggregatedMetric{MetricDate: date, MetricHour: hour}
	err := a.db.QueryRowContext(ctx, query, start, end).Scan(
		&agg.TotalEvents,
		&agg.TotalSessions,
		&agg.TotalUsers,
		&agg.TotalAPICalls,
		&agg.TotalErrors,
		&agg.TotalRevenueBT,
		&agg.AvgSessionDuration,
		&agg.AvgResponseTime,
	)
	if err != nil {
		return err
	}

	return a.store.UpsertAggregate(ctx, &agg)
}

// rollupPerUser writes one daily row per user active in the window.
func (a *Aggregator) rollupPerUser(ctx context.Context, date string, start, end int64) error {
	query := `
		SELECT
			e.user_id,
			COUNT(*) AS total_events,
			(SELECT COUNT(*) FROM user_sessions s
				WHERE s.user_id = e.user_id AND s.started_at >= ?1 AND s.started_at < ?2),
			COUNT(CASE WHEN e.event_type = 'api_call' THEN 1 END),
			COUNT(CASE WHEN e.event_type = 'error' THEN 1 END),
			(SELECT COALESCE(SUM(u.cost_bt), 0) FROM service_usage u
				WHERE u.user_id = e.user_id AND u.created_at >= ?1 AND u.created_at < ?2),
			(SELECT COALESCE(AVG(s.duration_seconds), 0) FROM user_sessions s
				WHERE s.user_id = e.user_id AND s.ended_at IS NOT NULL
				AND s.started_at >= ?1 AND s.started_at < ?2)
		FROM user_events e
		WHERE e.created_at >= ?1 AND e.created_at < ?2
		GROUP BY e.user_id
	`

	rows, err := a.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return err
	}
	defer rows.Close()

	var aggs []*AggregatedMetric
	for rows.Next() {
		agg := AggregatedMetric{MetricDate: date, TotalUsers: 1}
		err := rows.Scan(
			&agg.UserID,
			&agg.TotalEvents,
			&agg.TotalSessions,
			&agg.TotalAPICalls,
			&agg.TotalErrors,
			&agg.TotalRevenueBT,
			&agg.AvgSessionDuration,
		)
		if err != nil {
			return err
		}
		aggs = append(aggs, &agg)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, agg := range aggs {
		if err := a.store.UpsertAggregate(ctx, agg); err != nil {
			return err
		}
	}
	return nil
}

// rollupPerService writes one row per service with activity in the
// window, built from service_usage plus service-attributed events.
func (a *Aggregator) rollupPerService(ctx context.Context, date string, hour *int64, start, end int64) error {
	query := `
		SELECT
			u.service_name,
			(SELECT COUNT(*) FROM user_events e
				WHERE e.service_name = u.service_name AND e.created_at >= ?1 AND e.created_at < ?2),
			COUNT(DISTINCT u.user_id),
			COUNT(*) AS total_calls,
			COUNT(CASE WHEN NOT u.success THEN 1 END),
			COALESCE(SUM(u.cost_bt), 0),
			COALESCE(AVG(u.duration_ms), 0)
		FROM service_usage u
		WHERE u.created_at >= ?1 AND u.created_at < ?2
		GROUP BY u.service_name
	`

	rows, err := a.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return err
	}
	defer rows.Close()

	var aggs []*AggregatedMetric
	for rows.Next() {
		agg := AggregatedMetric{MetricDate: date, MetricHour: hour}
		err := rows.Scan(
			&agg.ServiceName,
			&agg.TotalEvents,
			&agg.TotalUsers,
			&agg.TotalAPICalls,
			&agg.TotalErrors,
			&agg.TotalRevenueBT,
			&agg.AvgResponseTime,
		)
		if err != nil {
			return err
		}
		aggs = append(aggs, &agg)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, agg := range aggs {
		if err := a.store.UpsertAggregate(ctx, agg); err != nil {
			return err
		}
	}
	return nil
}
