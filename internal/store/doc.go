// Package store exports the ledger into a SQLite database for querying.
//
// The export is derived data: it can be dropped and rebuilt at any time from
// the checkpoint and the append-only logs. Tables:
//   - entities: one row per registry record
//   - aliases: surface forms recorded for an entity
//   - verification_outcomes: one row per resolved deferred item
//   - external_matches: best external candidate per entity
//
// Every write is an idempotent upsert keyed by the natural key, so
// exporting the same data twice leaves the database unchanged.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
