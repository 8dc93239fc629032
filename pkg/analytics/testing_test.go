package analytics

import (
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bosslabs/pulse/pkg/observability"
	"github.com/bosslabs/pulse/pkg/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:", BusyTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func newTestPipeline(t *testing.T) (*Collector, *EventStore, *SessionStore, *MetricsStore, *Notifier) {
	t.Helper()
	db := newTestDB(t)
	logger := newTestLogger()

	events := NewEventStore(db, logger, nil)
	sessions := NewSessionStore(db, logger, nil)
	metrics := NewMetricsStore(db, logger, nil)
	notifier := NewNotifier(16, logger, nil)
	collector := NewCollector(events, sessions, metrics, notifier, logger, nil)
	return collector, events, sessions, metrics, notifier
}
