// Package storage holds the persistence port of the ingestion pipeline and
// the in-process and composite implementations of it.
//
// Backends:
//   - sqlstore.Store: PostgreSQL/TimescaleDB or SQLite tables
//   - objectstore.Store: raw blocks in a NATS JetStream object store bucket
//   - MemoryStore: process memory, for tests and local runs
//
// Composite combines them, typically raw blocks in the object store and
// metric records plus the device registry in SQL.
package storage
