// Package store provides SQLite-backed offline persistence for shared
// workflow documents.
//
// Each room has an append-only log of encoded document updates plus at most
// one snapshot. Loading a room applies the snapshot and then every update
// logged after it; applying an update twice is harmless, so a crash between
// writing a snapshot and trimming the log loses nothing.
//
// # Ordering
//
//   - Updates are ordered by seq, a per-room counter, never by timestamps
//   - All queries use ORDER BY seq ASC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Payloads are compressed with zstd before they are written.
package store
