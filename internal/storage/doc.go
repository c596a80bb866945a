// Package storage is the adherence store: medications, the medication action
// ledger, health metrics, appointments and daily health-score snapshots,
// persisted in SQLite.
//
// Every query is scoped by owning user id. Unique-key violations surface as
// ErrConflict and missing rows as ErrNotFound so callers never inspect driver
// error codes.
package storage
