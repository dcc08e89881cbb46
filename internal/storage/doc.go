// Package storage holds the reminder data model and its persistence drivers.
//
// The canonical driver is sqlite (modernc.org/sqlite, WAL, embedded schema).
// A mutex-guarded in-memory driver exists for development and tests.
//
// All timestamps are stored as UTC Unix milliseconds.
package storage
