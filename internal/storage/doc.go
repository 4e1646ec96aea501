// Package storage is the durable state shared by the scheduler and the
// dispatcher: job definitions with their schedule cursor, delivery intents
// with claim leases, and the append-only attempt log.
//
// Backends:
//   - memory: process-local maps (tests, throwaway runs)
//   - sqlite: single-file database through modernc.org/sqlite
//   - postgres: pgx connection pool, safe for several dispatcher processes
//
// Every multi-row state change (fire a job, claim intents, finish an attempt,
// reclaim expired leases) is one transaction.
package storage
