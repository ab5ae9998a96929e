// Package storage persists tasks, projects, an audit trail of task actions and
// the notifier's dedup windows.
//
// Drivers:
//   - "memory": process-local maps (tests, dry runs)
//   - "file":   JSON snapshots plus append-only JSON Lines
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
