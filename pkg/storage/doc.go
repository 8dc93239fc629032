// Package storage provides the persistence bootstrap for the Pulse
// analytics service.
//
// # Overview
//
// Analytics data lives in an embedded SQLite database (WAL mode, single
// shared connection). The package owns the schema and its idempotent
// migrations; the stores in pkg/analytics operate on the *sql.DB it
// returns.
//
// # Usage Example
//
//	db, err := storage.Open(storage.Config{Path: "./data/pulse.db"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
// # Stats Cache
//
// An optional redis-backed TTL cache fronts the expensive dashboard
// queries:
//
//	cache, err := storage.NewStatsCache("localhost:6379", "", 0, time.Minute)
//
// The cache is advisory only; the store remains the source of truth.
package storage
