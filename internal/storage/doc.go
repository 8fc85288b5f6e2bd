// Package storage persists customers, campaigns and messages.
//
// Drivers:
//   - "memory": process-local maps, for tests and demos
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
//   - "postgres": a pgx connection pool
//
// Every driver selects customers exactly as audience.Query.Matches does.
package storage
