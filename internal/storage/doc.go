// Package storage provides the trigger context backends.
//
// Drivers:
//   - memory:   process-local, for tests and single-node setups
//   - file:     memory plus an append-only journal and snapshot on disk
//   - sqlite:   a shared database file (modernc, no cgo)
//   - postgres: a shared PostgreSQL database (pgx)
//   - redis:    a shared Redis server, writes are Lua scripts
//
// Only the shared backends coordinate several scheduler nodes.
package storage
