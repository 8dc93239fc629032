package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/bosslabs/pulse/pkg/observability"
)

// EventStore persists discrete user actions in the append-only
// user_events table. Rows are immutable; only PurgeOlderThan removes
// them.
type EventStore struct {
	db     *sql.DB
	logger *observability.Logger
	om     *observability.Metrics
}

// NewEventStore creates a new event store. om may be nil when store
// metrics are not collected.
func NewEventStore(db *sql.DB, logger *observability.Logger, om *observability.Metrics) *EventStore {
	return &EventStore{db: db, logger: logger, om: om}
}

const eventColumns = `id, user_id, event_type, event_category, event_action, event_label,
	event_value, service_name, metadata, session_id, ip_address, user_agent, created_at`

// Append inserts an event and returns its store-assigned ID. CreatedAt
// is assigned by the store.
func (s *EventStore) Append(ctx context.Context, event *Event) (id int64, err error) {
	defer observeStore(s.om, "events", "append", time.Now(), &err)
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}

	query := `
		INSERT INTO user_events (
			user_id, event_type, event_category, event_action, event_label,
			event_value, service_name, metadata, session_id, ip_address, user_agent, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.UserID,
		string(event.EventType),
		string(event.EventCategory),
		event.EventAction,
		nullString(event.EventLabel),
		event.EventValue,
		nullString(event.ServiceName),
		marshalJSON(event.Metadata),
		nullString(event.SessionID),
		nullString(event.IPAddress),
		nullString(event.UserAgent),
		event.CreatedAt,
	)
	if err != nil {
		return 0, err
	}

	id, err = result.LastInsertId()
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(map[string]interface{}{
		"event_id":   id,
		"user_id":    event.UserID,
		"event_type": event.EventType,
	}).Debug("Event appended")

	return id, nil
}

// ListByUser returns the user's events, newest first.
func (s *EventStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM user_events
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	return s.queryEvents(ctx, "list_by_user", query, userID, clampLimit(limit, 100), offset)
}

// ListByType returns events of one type, newest first.
func (s *EventStore) ListByType(ctx context.Context, eventType EventType, limit, offset int) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM user_events
		WHERE event_type = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	return s.queryEvents(ctx, "list_by_type", query, string(eventType), clampLimit(limit, 100), offset)
}

// ListByService returns events attributed to a service, newest first.
func (s *EventStore) ListByService(ctx context.Context, serviceName string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM user_events
		WHERE service_name = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	return s.queryEvents(ctx, "list_by_service", query, serviceName, clampLimit(limit, 100), offset)
}

// ListByDateRange returns events with createdAt in [start, end], newest
// first. Timestamps are epoch seconds.
func (s *EventStore) ListByDateRange(ctx context.Context, start, end int64, limit, offset int) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM user_events
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	return s.queryEvents(ctx, "list_by_date_range", query, start, end, clampLimit(limit, 1000), offset)
}

// CountByUser returns the total number of events for a user.
func (s *EventStore) CountByUser(ctx context.Context, userID string) (count int64, err error) {
	defer observeStore(s.om, "events", "count_by_user", time.Now(), &err)
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_events WHERE user_id = ?", userID).Scan(&count)
	return count, err
}

// CountByType returns the total number of events of one type.
func (s *EventStore) CountByType(ctx context.Context, eventType EventType) (count int64, err error) {
	defer observeStore(s.om, "events", "count_by_type", time.Now(), &err)
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_events WHERE event_type = ?", string(eventType)).Scan(&count)
	return count, err
}

// Stats returns the per-type event breakdown over an optional date
// range, sorted by count descending. Pass start = end = 0 for all time.
func (s *EventStore) Stats(ctx context.Context, start, end int64) (stats []*EventStat, err error) {
	defer observeStore(s.om, "events", "stats", time.Now(), &err)
	query := `
		SELECT event_type, COUNT(*) AS count, COUNT(DISTINCT user_id) AS unique_users
		FROM user_events
	`
	args := []interface{}{}
	if start > 0 && end > 0 {
		query += " WHERE created_at >= ? AND created_at <= ?"
		args = append(args, start, end)
	}
	query += " GROUP BY event_type ORDER BY count DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var st EventStat
		if err := rows.Scan(&st.EventType, &st.Count, &st.UniqueUsers); err != nil {
			return nil, err
		}
		stats = append(stats, &st)
	}
	return stats, rows.Err()
}

// PurgeOlderThan deletes events older than the given number of days and
// returns the number of deleted rows.
func (s *EventStore) PurgeOlderThan(ctx context.Context, days int) (deleted int64, err error) {
	defer observeStore(s.om, "events", "purge", time.Now(), &err)
	cutoff := time.Now().Unix() - int64(days)*24*60*60

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM user_events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}

	deleted, err = result.RowsAffected()
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(map[string]interface{}{
		"deleted": deleted,
		"days":    days,
	}).Info("Purged old events")

	return deleted, nil
}

func (s *EventStore) queryEvents(ctx context.Context, op, query string, args ...interface{}) (events []*Event, err error) {
	defer observeStore(s.om, "events", op, time.Now(), &err)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		event       Event
		label       sql.NullString
		value       sql.NullFloat64
		serviceName sql.NullString
		metadata    sql.NullString
		sessionID   sql.NullString
		ipAddress   sql.NullString
		userAgent   sql.NullString
	)

	err := rows.Scan(
		&event.ID,
		&event.UserID,
		&event.EventType,
		&event.EventCategory,
		&event.EventAction,
		&label,
		&value,
		&serviceName,
		&metadata,
		&sessionID,
		&ipAddress,
		&userAgent,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.EventLabel = label.String
	if value.Valid {
		event.EventValue = &value.Float64
	}
	event.ServiceName = serviceName.String
	event.SessionID = sessionID.String
	event.IPAddress = ipAddress.String
	event.UserAgent = userAgent.String
	if metadata.Valid && metadata.String != "" {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(metadata.String), &decoded); err == nil {
			event.Metadata = decoded
		}
	}

	return &event, nil
}

// nullString converts empty strings to NULL
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON serializes a map to its text-at-rest form, NULL when empty
func marshalJSON(m map[string]interface{}) interface{} {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}

// clampLimit substitutes the default when limit is unset or absurd
func clampLimit(limit, def int) int {
	if limit <= 0 || limit > 10000 {
		return def
	}
	return limit
}

// observeStore records one completed store operation on the shared
// duration histogram and, on failure, the error counter. om may be nil.
func observeStore(om *observability.Metrics, store, op string, start time.Time, err *error) {
	if om == nil {
		return
	}
	om.StoreOperationDuration.WithLabelValues(store, op).Observe(time.Since(start).Seconds())
	if *err != nil {
		om.StoreErrorsTotal.WithLabelValues(store, op).Inc()
	}
}
