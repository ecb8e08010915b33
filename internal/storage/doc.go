// Package storage is the persistence layer: an embedded SQLite database
// holding JSON document collections for the scheduling state machines,
// monotonic counters, the subscriber roster with delivery bookkeeping, the
// per-broadcast message placements used for cleanup, and pending channel
// join requests.
//
// The database is opened with WAL journaling and a single writer connection;
// every store method takes a context and returns an explicit error.
package storage
