// Package subscriptions owns subscription records, the append-only ledger entry
// history, per-day usage counters and the processed webhook event log.
//
// Two Store implementations are provided. PostgresStore serializes
// read-modify-write operations with a row lock (SELECT ... FOR UPDATE) and
// relies on the unique external_charge_ref column for idempotency. MemoryStore
// keeps everything in process and serializes per subscription with a mutex;
// it backs tests and the single-process development mode.
//
// Ledger entries are never rewritten except for the status transitions
//
//	PENDING   -> COMPLETED | FAILED
//	COMPLETED -> CANCELLED | REFUNDED
//
// TransitionEntry applies these conditionally, so two writers racing on the
// same charge reference resolve to exactly one change.
package subscriptions
