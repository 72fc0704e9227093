// Package storage persists jobs, their ordered status updates, and the
// notification groups produced by the poller.
//
// Drivers:
//   - "memory": process-local maps (default, tests)
//   - "file":   JSON Lines journal + snapshot compaction
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "redis":  hashes + lists; appends use RPUSH inside a WATCH transaction
//
// Every driver makes AppendUpdate a single fetch-mutate-save step per job id.
package storage
