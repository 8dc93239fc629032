package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/bosslabs/pulse/pkg/observability"
)

// MetricsStore persists performance samples, service usage records and
// rollup rows. Performance and usage rows are append-only; rollups are
// written by the aggregator through UpsertAggregate.
type MetricsStore struct {
	db     *sql.DB
	logger *observability.Logger
	om     *observability.Metrics
}

// NewMetricsStore creates a new metrics store. om may be nil when store
// metrics are not collected.
func NewMetricsStore(db *sql.DB, logger *observability.Logger, om *observability.Metrics) *MetricsStore {
	return &MetricsStore{db: db, logger: logger, om: om}
}

// PerformanceFilter narrows ListPerformance. Zero values mean the
// dimension is not filtered.
type PerformanceFilter struct {
	UserID      string
	MetricType  string
	ServiceName string
	Start       int64
	End         int64
	Limit       int
	Offset      int
}

// UsageFilter narrows ListUsage. Zero values mean the dimension is not
// filtered.
type UsageFilter struct {
	UserID      string
	ServiceName string
	Start       int64
	End         int64
	Limit       int
	Offset      int
}

// AggregateFilter narrows ListAggregates. Zero values mean the
// dimension is not filtered; Hourly selects hourly or daily rows.
type AggregateFilter struct {
	MetricDate  string
	UserID      string
	ServiceName string
	Hourly      *bool
	Limit       int
	Offset      int
}

// RecordPerformance inserts a performance sample and returns its ID.
func (s *MetricsStore) RecordPerformance(ctx context.Context, metric *PerformanceMetric) (id int64, err error) {
	defer observeStore(s.om, "metrics", "record_performance", time.Now(), &err)
	if metric.CreatedAt == 0 {
		metric.CreatedAt = time.Now().Unix()
	}

	query := `
		INSERT INTO performance_metrics (
			user_id, metric_type, metric_name, value, unit, page_url, service_name, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		nullString(metric.UserID),
		metric.MetricType,
		metric.MetricName,
		metric.Value,
		nullString(metric.Unit),
		nullString(metric.PageURL),
		nullString(metric.ServiceName),
		metric.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ListPerformance returns samples matching the filter, newest first.
func (s *MetricsStore) ListPerformance(ctx context.Context, filter PerformanceFilter) (metrics []*PerformanceMetric, err error) {
	defer observeStore(s.om, "metrics", "list_performance", time.Now(), &err)
	query := `
		SELECT id, user_id, metric_type, metric_name, value, unit, page_url, service_name, created_at
		FROM performance_metrics
	`
	var (
		where []string
		args  []interface{}
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.MetricType != "" {
		where = append(where, "metric_type = ?")
		args = append(args, filter.MetricType)
	}
	if filter.ServiceName != "" {
		where = append(where, "service_name = ?")
		args = append(args, filter.ServiceName)
	}
	if filter.Start > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Start)
	}
	if filter.End > 0 {
		where = append(where, "created_at <= ?")
		args = append(args, filter.End)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit, 100), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m           PerformanceMetric
			userID      sql.NullString
			unit        sql.NullString
			pageURL     sql.NullString
			serviceName sql.NullString
		)
		err := rows.Scan(&m.ID, &userID, &m.MetricType, &m.MetricName,
			&m.Value, &unit, &pageURL, &serviceName, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		m.UserID = userID.String
		m.Unit = unit.String
		m.PageURL = pageURL.String
		m.ServiceName = serviceName.String
		metrics = append(metrics, &m)
	}
	return metrics, rows.Err()
}

// Averages returns avg, min, max and sample count per metric name for
// one metric type over an optional date range.
func (s *MetricsStore) Averages(ctx context.Context, metricType string, start, end int64) (averages []*MetricAverage, err error) {
	defer observeStore(s.om, "metrics", "averages", time.Now(), &err)
	query := `
		SELECT metric_name, AVG(value), MIN(value), MAX(value), COUNT(*)
		FROM performance_metrics
		WHERE metric_type = ?
	`
	args := []interface{}{metricType}
	if start > 0 && end > 0 {
		query += " AND created_at >= ? AND created_at <= ?"
		args = append(args, start, end)
	}
	query += " GROUP BY metric_name ORDER BY metric_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a MetricAverage
		if err := rows.Scan(&a.MetricName, &a.AvgValue, &a.MinValue, &a.MaxValue, &a.Samples); err != nil {
			return nil, err
		}
		averages = append(averages, &a)
	}
	return averages, rows.Err()
}

// RecordUsage inserts a service usage record and returns its ID.
func (s *MetricsStore) RecordUsage(ctx context.Context, usage *ServiceUsage) (id int64, err error) {
	defer observeStore(s.om, "metrics", "record_usage", time.Now(), &err)
	if usage.CreatedAt == 0 {
		usage.CreatedAt = time.Now().Unix()
	}

	query := `
		INSERT INTO service_usage (
			user_id, service_name, action, success, duration_ms,
			cost_bt, cost_rub, request_data, response_data, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		usage.UserID,
		usage.ServiceName,
		usage.Action,
		usage.Success,
		usage.DurationMs,
		usage.CostBT,
		usage.CostRub,
		marshalJSON(usage.RequestData),
		marshalJSON(usage.ResponseData),
		nullString(usage.ErrorMessage),
		usage.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ListUsage returns usage records matching the filter, newest first.
func (s *MetricsStore) ListUsage(ctx context.Context, filter UsageFilter) (usages []*ServiceUsage, err error) {
	defer observeStore(s.om, "metrics", "list_usage", time.Now(), &err)
	query := `
		SELECT id, user_id, service_name, action, success, duration_ms,
			cost_bt, cost_rub, request_data, response_data, error_message, created_at
		FROM service_usage
	`
	var (
		where []string
		args  []interface{}
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ServiceName != "" {
		where = append(where, "service_name = ?")
		args = append(args, filter.ServiceName)
	}
	if filter.Start > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Start)
	}
	if filter.End > 0 {
		where = append(where, "created_at <= ?")
		args = append(args, filter.End)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit, 100), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	return usages, rows.Err()
}

// UsageStats returns the per-service usage breakdown over an optional
// date range, sorted by call volume descending.
func (s *MetricsStore) UsageStats(ctx context.Context, start, end int64) (stats []*UsageStat, err error) {
	defer observeStore(s.om, "metrics", "usage_stats", time.Now(), &err)
	query := `
		SELECT
			service_name,
			COUNT(*) AS total_calls,
			COUNT(CASE WHEN success THEN 1 END) AS success_calls,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms,
			COALESCE(SUM(cost_bt), 0) AS total_cost_bt,
			COALESCE(SUM(cost_rub), 0) AS total_cost_rub,
			COUNT(DISTINCT user_id) AS unique_users
		FROM service_usage
	`
	args := []interface{}{}
	if start > 0 && end > 0 {
		query += " WHERE created_at >= ? AND created_at <= ?"
		args = append(args, start, end)
	}
	query += " GROUP BY service_name ORDER BY total_calls DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var st UsageStat
		err := rows.Scan(&st.ServiceName, &st.TotalCalls, &st.SuccessCalls,
			&st.AvgDurationMs, &st.TotalCostBT, &st.TotalCostRub, &st.UniqueUsers)
		if err != nil {
			return nil, err
		}
		if st.TotalCalls > 0 {
			st.SuccessRate = float64(st.SuccessCalls) / float64(st.TotalCalls)
		}
		stats = append(stats, &st)
	}
	return stats, rows.Err()
}

// UpsertAggregate inserts a rollup row or, when a row with the same
// (date, hour, user, service) key exists, overwrites its measures and
// bumps updated_at. The conflict target matches the coalesced unique
// index, so two concurrent upserts for the same key cannot produce
// duplicate rows.
func (s *MetricsStore) UpsertAggregate(ctx context.Context, agg *AggregatedMetric) (err error) {
	defer observeStore(s.om, "metrics", "upsert_aggregate", time.Now(), &err)
	query := `
		INSERT INTO aggregated_metrics (
			metric_date, metric_hour, user_id, service_name,
			total_events, total_sessions, total_users, total_api_calls, total_errors,
			total_revenue_bt, avg_session_duration, avg_response_time, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (metric_date, COALESCE(metric_hour, -1), COALESCE(user_id, ''), COALESCE(service_name, ''))
		DO UPDATE SET
			total_events = excluded.total_events,
			total_sessions = excluded.total_sessions,
			total_users = excluded.total_users,
			total_api_calls = excluded.total_api_calls,
			total_errors = excluded.total_errors,
			total_revenue_bt = excluded.total_revenue_bt,
			avg_session_duration = excluded.avg_session_duration,
			avg_response_time = excluded.avg_response_time,
			metadata = excluded.metadata,
			updated_at = strftime('%s', 'now')
	`

	_, err = s.db.ExecContext(ctx, query,
		agg.MetricDate,
		agg.MetricHour,
		nullString(agg.UserID),
		nullString(agg.ServiceName),
		agg.TotalEvents,
		agg.TotalSessions,
		agg.TotalUsers,
		agg.TotalAPICalls,
		agg.TotalErrors,
		agg.TotalRevenueBT,
		agg.AvgSessionDuration,
		agg.AvgResponseTime,
		marshalJSON(agg.Metadata),
	)
	return err
}

// UpdateAggregate applies a sparse patch to a rollup row by ID. Only
// non-nil fields change; any applied patch bumps updated_at.
func (s *MetricsStore) UpdateAggregate(ctx context.Context, id int64, patch AggregatePatch) (err error) {
	defer observeStore(s.om, "metrics", "update_aggregate", time.Now(), &err)
	var (
		sets []string
		args []interface{}
	)
	if patch.TotalEvents != nil {
		sets = append(sets, "total_events = ?")
		args = append(args, *patch.TotalEvents)
	}
	if patch.TotalSessions != nil {
		sets = append(sets, "total_sessions = ?")
		args = append(args, *patch.TotalSessions)
	}
	if patch.TotalUsers != nil {
		sets = append(sets, "total_users = ?")
		args = append(args, *patch.TotalUsers)
	}
	if patch.TotalAPICalls != nil {
		sets = append(sets, "total_api_calls = ?")
		args = append(args, *patch.TotalAPICalls)
	}
	if patch.TotalErrors != nil {
		sets = append(sets, "total_errors = ?")
		args = append(args, *patch.TotalErrors)
	}
	if patch.TotalRevenueBT != nil {
		sets = append(sets, "total_revenue_bt = ?")
		args = append(args, *patch.TotalRevenueBT)
	}
	if patch.AvgSessionDuration != nil {
		sets = append(sets, "avg_session_duration = ?")
		args = append(args, *patch.AvgSessionDuration)
	}
	if patch.AvgResponseTime != nil {
		sets = append(sets, "avg_response_time = ?")
		args = append(args, *patch.AvgResponseTime)
	}
	if patch.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, marshalJSON(patch.Metadata))
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = strftime('%s', 'now')")

	args = append(args, id)
	query := "UPDATE aggregated_metrics SET " + strings.Join(sets, ", ") + " WHERE id = ?"

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// ListAggregates returns rollup rows matching the filter, newest date
// first, hourly rows within a date ordered by hour descending.
func (s *MetricsStore) ListAggregates(ctx context.Context, filter AggregateFilter) (aggregates []*AggregatedMetric, err error) {
	defer observeStore(s.om, "metrics", "list_aggregates", time.Now(), &err)
	query := `
		SELECT id, metric_date, metric_hour, user_id, service_name,
			total_events, total_sessions, total_users, total_api_calls, total_errors,
			total_revenue_bt, avg_session_duration, avg_response_time, metadata,
			created_at, updated_at
		FROM aggregated_metrics
	`
	var (
		where []string
		args  []interface{}
	)
	if filter.MetricDate != "" {
		where = append(where, "metric_date = ?")
		args = append(args, filter.MetricDate)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ServiceName != "" {
		where = append(where, "service_name = ?")
		args = append(args, filter.ServiceName)
	}
	if filter.Hourly != nil {
		if *filter.Hourly {
			where = append(where, "metric_hour IS NOT NULL")
		} else {
			where = append(where, "metric_hour IS NULL")
		}
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY metric_date DESC, metric_hour DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit, 100), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		aggregates = append(aggregates, agg)
	}
	return aggregates, rows.Err()
}

// PurgeOlderThan deletes performance and usage rows older than the
// given number of days. Rollup rows are kept; they are the compact
// long-term record the raw rows roll into.
func (s *MetricsStore) PurgeOlderThan(ctx context.Context, days int) (perfDeleted, usageDeleted int64, err error) {
	defer observeStore(s.om, "metrics", "purge", time.Now(), &err)
	cutoff := time.Now().Unix() - int64(days)*24*60*60

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM performance_metrics WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, 0, err
	}
	perfDeleted, err = result.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	result, err = s.db.ExecContext(ctx,
		"DELETE FROM service_usage WHERE created_at < ?", cutoff)
	if err != nil {
		return perfDeleted, 0, err
	}
	usageDeleted, err = result.RowsAffected()
	if err != nil {
		return perfDeleted, 0, err
	}

	s.logger.WithFields(map[string]interface{}{
		"performance_deleted": perfDeleted,
		"usage_deleted":       usageDeleted,
		"days":                days,
	}).Info("Purged old metrics")

	return perfDeleted, usageDeleted, nil
}

func scanUsage(rows *sql.Rows) (*ServiceUsage, error) {
	var (
		usage        ServiceUsage
		durationMs   sql.NullInt64
		requestData  sql.NullString
		responseData sql.NullString
		errorMessage sql.NullString
	)

	err := rows.Scan(
		&usage.ID,
		&usage.UserID,
		&usage.ServiceName,
		&usage.Action,
		&usage.Success,
		&durationMs,
		&usage.CostBT,
		&usage.CostRub,
		&requestData,
		&responseData,
		&errorMessage,
		&usage.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if durationMs.Valid {
		usage.DurationMs = &durationMs.Int64
	}
	if requestData.Valid && requestData.String != "" {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(requestData.String), &decoded); err == nil {
			usage.RequestData = decoded
		}
	}
	if responseData.Valid && responseData.String != "" {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(responseData.String), &decoded); err == nil {
			usage.ResponseData = decoded
		}
	}
	usage.ErrorMessage = errorMessage.String

	return &usage, nil
}

func scanAggregate(rows *sql.Rows) (*AggregatedMetric, error) {
	var (
		agg         AggregatedMetric
		metricHour  sql.NullInt64
		userID      sql.NullString
		serviceName sql.NullString
		metadata    sql.NullString
	)

	err := rows.Scan(
		&agg.ID,
		&agg.MetricDate,
		&metricHour,
		&userID,
		&serviceName,
		&agg.TotalEvents,
		&agg.TotalSessions,
		&agg.TotalUsers,
		&agg.TotalAPICalls,
		&agg.TotalErrors,
		&agg.TotalRevenueBT,
		&agg.AvgSessionDuration,
		&agg.AvgResponseTime,
		&metadata,
		&agg.CreatedAt,
		&agg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if metricHour.Valid {
		agg.MetricHour = &metricHour.Int64
	}
	agg.UserID = userID.String
	agg.ServiceName = serviceName.String
	if metadata.Valid && metadata.String != "" {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(metadata.String), &decoded); err == nil {
			agg.Metadata = decoded
		}
	}

	return &agg, nil
}
