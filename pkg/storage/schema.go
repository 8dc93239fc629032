package storage

import "database/sql"

// Schema statements, applied in order. All statements are idempotent so
// Migrate can run on every startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS user_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_category TEXT NOT NULL,
		event_action TEXT NOT NULL,
		event_label TEXT,
		event_value REAL,
		service_name TEXT,
		metadata TEXT,
		session_id TEXT,
		ip_address TEXT,
		user_agent TEXT,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	)`,

	`CREATE TABLE IF NOT EXISTS user_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		duration_seconds INTEGER,
		page_views INTEGER DEFAULT 0,
		events_count INTEGER DEFAULT 0,
		services_used TEXT,
		ip_address TEXT,
		user_agent TEXT,
		device_type TEXT,
		browser TEXT,
		os TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS performance_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT,
		metric_type TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT,
		page_url TEXT,
		service_name TEXT,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	)`,

	`CREATE TABLE IF NOT EXISTS service_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		service_name TEXT NOT NULL,
		action TEXT NOT NULL,
		success BOOLEAN DEFAULT 1,
		duration_ms INTEGER,
		cost_bt REAL DEFAULT 0,
		cost_rub REAL DEFAULT 0,
		request_data TEXT,
		response_data TEXT,
		error_message TEXT,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	)`,

	`CREATE TABLE IF NOT EXISTS aggregated_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metric_date TEXT NOT NULL,
		metric_hour INTEGER,
		user_id TEXT,
		service_name TEXT,
		total_events INTEGER DEFAULT 0,
		total_sessions INTEGER DEFAULT 0,
		total_users INTEGER DEFAULT 0,
		total_api_calls INTEGER DEFAULT 0,
		total_errors INTEGER DEFAULT 0,
		total_revenue_bt REAL DEFAULT 0,
		avg_session_duration REAL DEFAULT 0,
		avg_response_time REAL DEFAULT 0,
		metadata TEXT,
		created_at INTEGER DEFAULT (strftime('%s', 'now')),
		updated_at INTEGER DEFAULT (strftime('%s', 'now'))
	)`,

	// Query indexes
	`CREATE INDEX IF NOT EXISTS idx_events_user ON user_events(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type ON user_events(event_type, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_service ON user_events(service_name, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_session ON user_events(session_id, created_at DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON user_sessions(user_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_active ON user_sessions(ended_at) WHERE ended_at IS NULL`,

	`CREATE INDEX IF NOT EXISTS idx_perf_type ON performance_metrics(metric_type, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_perf_service ON performance_metrics(service_name, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_perf_user ON performance_metrics(user_id, created_at DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_usage_user ON service_usage(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_service ON service_usage(service_name, created_at DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_agg_date ON aggregated_metrics(metric_date, metric_hour DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_agg_user ON aggregated_metrics(user_id, metric_date DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_agg_service ON aggregated_metrics(service_name, metric_date DESC)`,

	// Rollup rows are unique per (date, hour, user, service). NULLs never
	// collide in a plain unique index, so the key dimensions are coalesced.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agg_key ON aggregated_metrics(
		metric_date,
		COALESCE(metric_hour, -1),
		COALESCE(user_id, ''),
		COALESCE(service_name, '')
	)`,
}

// Migrate applies the analytics schema to the database.
func Migrate(db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
