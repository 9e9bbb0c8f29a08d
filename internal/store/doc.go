// Package store provides SQLite-backed durable state for a secondary site.
//
// The store holds:
//   - Event log: append-only, ordered by an auto-incrementing id
//   - Cursors: the last event id each consumer has fully applied
//   - Registries: per-replicable sync bookkeeping, one table per family
//   - Schedules: per-replicable backoff state for the scheduler
//   - Leases: time-bounded exclusive locks keyed by string
//
// # Invariants
//
// Event log rows are immutable; triggers reject UPDATE and DELETE. A cursor
// only moves forward: AdvanceCursor is a compare-and-set that refuses to
// lower or repeat a position.
//
// Read-modify-write of a registry or schedule happens in one transaction
// through UpdateRegistry, EnsureRegistry and UpdateSchedule, so concurrent
// writers never lose each other's flags.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - _txlock=immediate: Transactions take the write lock up front
//
// Timestamps are stored as unix nanoseconds in UTC.
package store
