// Package trigger holds the persisted scheduling state of tasks.
//
// A Context is read and written through an Accessor. Every write is
// conditioned on the version that was read, so the store itself arbitrates
// between scheduler nodes: exactly one compare-and-swap wins per firing window.
// Backends implementing Store live in internal/storage.
package trigger
