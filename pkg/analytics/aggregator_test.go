package analytics

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedDay populates raw activity inside one calendar day:
//
//	u1: 2 clicks, 1 api_call, 1 error, one ended session (300s), usage cost 5 BT
//	u2: 1 click, one open session, usage cost 2 BT
func seedDay(t *testing.T, db *sql.DB, day time.Time) {
	t.Helper()
	base := time.Date(day.Year(), day.Month(), day.Day(), 10, 0, 0, 0, time.UTC).Unix()

	events := []struct {
		user, typ, service string
	}{
		{"u1", "click", "frontend"},
		{"u1", "click", "frontend"},
		{"u1", "api_call", ""},
		{"u1", "error", ""},
		{"u2", "click", "frontend"},
	}
	for i, e := range events {
		_, err := db.Exec(`
			INSERT INTO user_events (user_id, event_type, event_category, event_action, service_name, created_at)
			VALUES (?, ?, 'ui', 'a', ?, ?)`,
			e.user, e.typ, sql.NullString{String: e.service, Valid: e.service != ""}, base+int64(i))
		require.NoError(t, err)
	}

	_, err := db.Exec(`
		INSERT INTO user_sessions (id, user_id, started_at, ended_at, duration_seconds)
		VALUES ('d1', 'u1', ?, ?, 300)`, base, base+300)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO user_sessions (id, user_id, started_at) VALUES ('d2', 'u2', ?)`, base+60)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO service_usage (user_id, service_name, action, success, duration_ms, cost_bt, created_at)
		VALUES ('u1', 'image-gen', 'generate', 1, 100, 5, ?)`, base)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO service_usage (user_id, service_name, action, success, duration_ms, cost_bt, created_at)
		VALUES ('u2', 'image-gen', 'generate', 0, 300, 2, ?)`, base+30)
	require.NoError(t, err)
}

func findAggregate(t *testing.T, rows []*AggregatedMetric, userID, serviceName string) *AggregatedMetric {
	t.Helper()
	for _, row := range rows {
		if row.UserID == userID && row.ServiceName == serviceName {
			return row
		}
	}
	t.Fatalf("no aggregate row for user=%q service=%q", userID, serviceName)
	return nil
}

func TestAggregatorRunDaily(t *testing.T) {
	db := newTestDB(t)
	logger := newTestLogger()
	store := NewMetricsStore(db, logger, nil)
	agg := NewAggregator(db, store, logger, nil)
	ctx := context.Background()

	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	seedDay(t, db, day)

	require.NoError(t, agg.RunDaily(ctx, day))

	daily := false
	rows, err := store.ListAggregates(ctx, AggregateFilter{MetricDate: "2026-08-30", Hourly: &daily})
	require.NoError(t, err)
	// Global, two per-user, one per-service row.
	require.Len(t, rows, 4)

	global := findAggregate(t, rows, "", "")
	assert.Equal(t, int64(5), global.TotalEvents)
	assert.Equal(t, int64(2), global.TotalSessions)
	assert.Equal(t, int64(2), global.TotalUsers)
	assert.Equal(t, int64(1), global.TotalAPICalls)
	assert.Equal(t, int64(1), global.TotalErrors)
	assert.Equal(t, float64(7), global.TotalRevenueBT)
	assert.Equal(t, float64(300), global.AvgSessionDuration)
	assert.Equal(t, float64(200), global.AvgResponseTime)

	u1 := findAggregate(t, rows, "u1", "")
	assert.Equal(t, int64(4), u1.TotalEvents)
	assert.Equal(t, int64(1), u1.TotalSessions)
	assert.Equal(t, int64(1), u1.TotalAPICalls)
	assert.Equal(t, int64(1), u1.TotalErrors)
	assert.Equal(t, float64(5), u1.TotalRevenueBT)

	svc := findAggregate(t, rows, "", "image-gen")
	assert.Equal(t, int64(2), svc.TotalAPICalls)
	assert.Equal(t, int64(1), svc.TotalErrors)
	assert.Equal(t, int64(2), svc.TotalUsers)
	assert.Equal(t, float64(7), svc.TotalRevenueBT)
	assert.Equal(t, float64(200), svc.AvgResponseTime)
}

func TestAggregatorRunDailyIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	logger := newTestLogger()
	store := NewMetricsStore(db, logger, nil)
	agg := NewAggregator(db, store, logger, nil)
	ctx := context.Background()

	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	seedDay(t, db, day)

	require.NoError(t, agg.RunDaily(ctx, day))
	require.NoError(t, agg.RunDaily(ctx, day))

	rows, err := store.ListAggregates(ctx, AggregateFilter{MetricDate: "2026-08-30"})
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestAggregatorRunHourly(t *testing.T) {
	db := newTestDB(t)
	logger := newTestLogger()
	store := NewMetricsStore(db, logger, nil)
	agg := NewAggregator(db, store, logger, nil)
	ctx := context.Background()

	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	seedDay(t, db, day) // all activity lands in hour 10

	require.NoError(t, agg.RunHourly(ctx, day.Add(10*time.Hour)))

	hourly := true
	rows, err := store.ListAggregates(ctx, AggregateFilter{MetricDate: "2026-08-30", Hourly: &hourly})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	global := findAggregate(t, rows, "", "")
	require.NotNil(t, global.MetricHour)
	assert.Equal(t, int64(10), *global.MetricHour)
	assert.Equal(t, int64(5), global.TotalEvents)

	// An empty hour rolls up to zeros, still one keyed row.
	require.NoError(t, agg.RunHourly(ctx, day.Add(3*time.Hour)))
	rows, err = store.ListAggregates(ctx, AggregateFilter{MetricDate: "2026-08-30", Hourly: &hourly})
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestAggregatorRunRetention(t *testing.T) {
	db := newTestDB(t)
	logger := newTestLogger()
	events := NewEventStore(db, logger, nil)
	sessions := NewSessionStore(db, logger, nil)
	store := NewMetricsStore(db, logger, nil)
	agg := NewAggregator(db, store, logger, nil)
	ctx := context.Background()

	old := time.Now().Add(-40 * 24 * time.Hour)
	seedDay(t, db, old)

	// Fresh activity survives the sweep.
	_, err := events.Append(ctx, &Event{
		UserID: "u3", EventType: EventTypeClick, EventCategory: CategoryUI, EventAction: "a",
	})
	require.NoError(t, err)

	require.NoError(t, agg.RunRetention(ctx, events, sessions, 30))

	count, err := events.CountByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = events.CountByUser(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = sessions.GetByID(ctx, "d1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	usages, err := store.ListUsage(ctx, UsageFilter{})
	require.NoError(t, err)
	assert.Empty(t, usages)
}
