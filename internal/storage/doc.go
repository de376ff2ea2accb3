// Package storage persists the local platform's scheduled notifications and
// the delivery history.
//
// Drivers:
//   - "file": dependency-free backend (JSON Lines journal + snapshot)
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
package storage
