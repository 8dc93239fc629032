// Package analytics is the user-activity pipeline: event, session and
// metrics ingestion, session lifecycle bookkeeping, rollup aggregation
// and per-user real-time fan-out.
//
// The Collector is the write-side entry point. It coordinates the
// EventStore, SessionStore and MetricsStore and publishes updates
// through the Notifier. The Aggregator rolls raw rows into
// aggregated_metrics on a schedule; the Service exposes everything over
// HTTP.
//
// At most one session per user is ever active: StartSession force-closes
// any session still open for the user before creating the new one.
package analytics
