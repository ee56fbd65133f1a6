// Package database provides the PostgreSQL connection pool used by the event recorder.
//
// Recorded stream messages land in a single stream_events table created by
// EnsureSchema. Payloads are stored as JSONB so downstream jobs can query them
// without a schema per stream type.
package database
