package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/bosslabs/pulse/pkg/observability"
)

// SessionStore persists user sessions. It owns the at-most-one-active-
// session-per-user invariant together with the collector: CloseAllActive
// followed by Create is the only path that starts a session.
//
// Counter updates go through single-statement atomic increments, never
// read-then-write; two events for the same session may be ingested
// concurrently.
type SessionStore struct {
	db     *sql.DB
	logger *observability.Logger
	om     *observability.Metrics
}

// NewSessionStore creates a new session store. om may be nil when store
// metrics are not collected.
func NewSessionStore(db *sql.DB, logger *observability.Logger, om *observability.Metrics) *SessionStore {
	return &SessionStore{db: db, logger: logger, om: om}
}

const sessionColumns = `id, user_id, started_at, ended_at, duration_seconds, page_views,
	events_count, services_used, ip_address, user_agent, device_type, browser, os`

// Create inserts a new session row. Counters start at zero and
// servicesUsed starts empty regardless of the passed struct. Returns
// ErrSessionExists when the ID is already taken.
func (s *SessionStore) Create(ctx context.Context, session *Session) (err error) {
	defer observeStore(s.om, "sessions", "create", time.Now(), &err)
	query := `
		INSERT INTO user_sessions (
			id, user_id, started_at, ended_at, duration_seconds, page_views,
			events_count, services_used, ip_address, user_agent, device_type, browser, os
		) VALUES (?, ?, ?, ?, ?, 0, 0, '[]', ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.StartedAt,
		session.EndedAt,
		session.DurationSeconds,
		nullString(session.IPAddress),
		nullString(session.UserAgent),
		nullString(string(session.DeviceType)),
		nullString(session.Browser),
		nullString(session.OS),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrSessionExists
		}
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"session_id": session.ID,
		"user_id":    session.UserID,
	}).Info("Session created")

	return nil
}

// GetByID returns the session or ErrSessionNotFound.
func (s *SessionStore) GetByID(ctx context.Context, sessionID string) (session *Session, err error) {
	defer observeStore(s.om, "sessions", "get_by_id", time.Now(), &err)
	query := `SELECT ` + sessionColumns + ` FROM user_sessions WHERE id = ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrSessionNotFound
	}
	return scanSession(rows)
}

// ListActiveByUser returns the user's active sessions, newest first.
// Under the invariant this holds at most one element, but the store
// does not assume it.
func (s *SessionStore) ListActiveByUser(ctx context.Context, userID string) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM user_sessions
		WHERE user_id = ? AND ended_at IS NULL
		ORDER BY started_at DESC
	`
	return s.querySessions(ctx, "list_active_by_user", query, userID)
}

// ListByUser returns all of the user's sessions, newest first.
func (s *SessionStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM user_sessions
		WHERE user_id = ?
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	return s.querySessions(ctx, "list_by_user", query, userID, clampLimit(limit, 100), offset)
}

// ListByDateRange returns sessions started in [start, end], newest first.
func (s *SessionStore) ListByDateRange(ctx context.Context, start, end int64, limit, offset int) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM user_sessions
		WHERE started_at >= ? AND started_at <= ?
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	return s.querySessions(ctx, "list_by_date_range", query, start, end, clampLimit(limit, 1000), offset)
}

// CountByUser returns the total number of sessions for a user.
func (s *SessionStore) CountByUser(ctx context.Context, userID string) (count int64, err error) {
	defer observeStore(s.om, "sessions", "count_by_user", time.Now(), &err)
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_sessions WHERE user_id = ?", userID).Scan(&count)
	return count, err
}

// Update applies a sparse patch to a session. Only non-nil fields
// change. The set of updatable fields is fixed; there is no dynamic
// field mapping.
func (s *SessionStore) Update(ctx context.Context, sessionID string, patch SessionPatch) (err error) {
	defer observeStore(s.om, "sessions", "update", time.Now(), &err)
	var (
		sets []string
		args []interface{}
	)

	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *patch.EndedAt)
	}
	if patch.DurationSeconds != nil {
		sets = append(sets, "duration_seconds = ?")
		args = append(args, *patch.DurationSeconds)
	}
	if patch.PageViews != nil {
		sets = append(sets, "page_views = ?")
		args = append(args, *patch.PageViews)
	}
	if patch.EventsCount != nil {
		sets = append(sets, "events_count = ?")
		args = append(args, *patch.EventsCount)
	}
	if patch.ServicesUsed != nil {
		data, err := json.Marshal(patch.ServicesUsed)
		if err != nil {
			return err
		}
		sets = append(sets, "services_used = ?")
		args = append(args, string(data))
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, sessionID)
	query := "UPDATE user_sessions SET " + strings.Join(sets, ", ") + " WHERE id = ?"

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// IncrementEvents atomically adds delta to the session's events_count.
func (s *SessionStore) IncrementEvents(ctx context.Context, sessionID string, delta int64) error {
	return s.increment(ctx, sessionID, "events_count", delta)
}

// IncrementPageViews atomically adds delta to the session's page_views.
func (s *SessionStore) IncrementPageViews(ctx context.Context, sessionID string, delta int64) error {
	return s.increment(ctx, sessionID, "page_views", delta)
}

func (s *SessionStore) increment(ctx context.Context, sessionID, column string, delta int64) (err error) {
	defer observeStore(s.om, "sessions", "increment", time.Now(), &err)
	// Single-statement increment; a read-then-write sequence here would
	// lose updates under concurrent ingestion for the same session.
	query := "UPDATE user_sessions SET " + column + " = " + column + " + ? WHERE id = ?"

	result, err := s.db.ExecContext(ctx, query, delta, sessionID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AddServiceUsed appends serviceName to the servicesUsed set of every
// currently-active session of the user. The membership check and the
// append happen in one statement, so concurrent calls cannot duplicate
// an entry. Returns the number of sessions updated.
func (s *SessionStore) AddServiceUsed(ctx context.Context, userID, serviceName string) (updated int64, err error) {
	defer observeStore(s.om, "sessions", "add_service_used", time.Now(), &err)
	query := `
		UPDATE user_sessions
		SET services_used = json_insert(COALESCE(services_used, '[]'), '$[#]', ?)
		WHERE user_id = ?
		  AND ended_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM json_each(COALESCE(services_used, '[]')) WHERE value = ?
		  )
	`

	result, err := s.db.ExecContext(ctx, query, serviceName, userID, serviceName)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close ends one session, setting endedAt to now and durationSeconds to
// now - startedAt. The already-ended guard and the write are a single
// statement: of two concurrent closes exactly one wins, and the loser
// gets ErrSessionEnded without touching the stored timestamps. Returns
// the closed session.
func (s *SessionStore) Close(ctx context.Context, sessionID string) (session *Session, err error) {
	defer observeStore(s.om, "sessions", "close", time.Now(), &err)
	now := time.Now().Unix()

	query := `
		UPDATE user_sessions
		SET ended_at = ?1, duration_seconds = ?1 - started_at
		WHERE id = ?2 AND ended_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, now, sessionID)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Unknown ID or already ended; one read tells them apart.
		if _, err := s.GetByID(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrSessionEnded
	}
	return s.GetByID(ctx, sessionID)
}

// CloseAllActive force-closes every active session of the user, setting
// endedAt to now and durationSeconds to now - startedAt in one logical
// operation. Returns the number of sessions closed.
func (s *SessionStore) CloseAllActive(ctx context.Context, userID string) (closed int64, err error) {
	defer observeStore(s.om, "sessions", "close_all_active", time.Now(), &err)
	now := time.Now().Unix()

	query := `
		UPDATE user_sessions
		SET ended_at = ?1, duration_seconds = ?1 - started_at
		WHERE user_id = ?2 AND ended_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, now, userID)
	if err != nil {
		return 0, err
	}

	closed, err = result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if closed > 0 {
		s.logger.WithFields(map[string]interface{}{
			"user_id": userID,
			"closed":  closed,
		}).Info("Closed active sessions")
	}

	return closed, nil
}

// Stats summarizes sessions over an optional date range (pass zeros for
// all time). AvgDuration covers ended sessions only.
func (s *SessionStore) Stats(ctx context.Context, start, end int64) (_ *SessionStats, err error) {
	defer observeStore(s.om, "sessions", "stats", time.Now(), &err)
	query := `
		SELECT
			COUNT(*) AS total_sessions,
			COUNT(CASE WHEN ended_at IS NULL THEN 1 END) AS active_sessions,
			COALESCE(AVG(CASE WHEN ended_at IS NOT NULL THEN duration_seconds END), 0) AS avg_duration,
			COUNT(DISTINCT user_id) AS unique_users
		FROM user_sessions
	`
	args := []interface{}{}
	if start > 0 && end > 0 {
		query += " WHERE started_at >= ? AND started_at <= ?"
		args = append(args, start, end)
	}

	var stats SessionStats
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalSessions,
		&stats.ActiveSessions,
		&stats.AvgDuration,
		&stats.UniqueUsers,
	)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// PurgeOlderThan deletes sessions started more than the given number of
// days ago and returns the number of deleted rows.
func (s *SessionStore) PurgeOlderThan(ctx context.Context, days int) (deleted int64, err error) {
	defer observeStore(s.om, "sessions", "purge", time.Now(), &err)
	cutoff := time.Now().Unix() - int64(days)*24*60*60

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM user_sessions WHERE started_at < ?", cutoff)
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
	}).Info("Purged old sessions")

	return deleted, nil
}

func (s *SessionStore) querySessions(ctx context.Context, op, query string, args ...interface{}) (sessions []*Session, err error) {
	defer observeStore(s.om, "sessions", op, time.Now(), &err)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func scanSession(rows *sql.Rows) (*Session, error) {
	var (
		session      Session
		endedAt      sql.NullInt64
		duration     sql.NullInt64
		servicesUsed sql.NullString
		ipAddress    sql.NullString
		userAgent    sql.NullString
		deviceType   sql.NullString
		browser      sql.NullString
		os           sql.NullString
	)

	err := rows.Scan(
		&session.ID,
		&session.UserID,
		&session.StartedAt,
		&endedAt,
		&duration,
		&session.PageViews,
		&session.EventsCount,
		&servicesUsed,
		&ipAddress,
		&userAgent,
		&deviceType,
		&browser,
		&os,
	)
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		session.EndedAt = &endedAt.Int64
	}
	if duration.Valid {
		session.DurationSeconds = &duration.Int64
	}
	session.ServicesUsed = []string{}
	if servicesUsed.Valid && servicesUsed.String != "" {
		var decoded []string
		if err := json.Unmarshal([]byte(servicesUsed.String), &decoded); err == nil {
			session.ServicesUsed = decoded
		}
	}
	session.IPAddress = ipAddress.String
	session.UserAgent = userAgent.String
	session.DeviceType = DeviceType(deviceType.String)
	session.Browser = browser.String
	session.OS = os.String

	return &session, nil
}
