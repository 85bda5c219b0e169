// Package storage is the SQL persistence layer. It backs the delivery log,
// the maintenance read model, the user directory and password reset tokens
// with either an embedded SQLite file or a Postgres database.
//
// Timestamps are stored as unix milliseconds; 0 means unset.
package storage
