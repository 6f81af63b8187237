// Package lazyload resolves lazily loaded references in object graphs.
//
// A Manager walks a root object with per-type, per-scenario scanners. Scanners
// hand unresolved references to a Registry, which batches them per Loader and
// loads every batch concurrently. Passes repeat until a pass loads nothing or
// the iteration cap is reached, because freshly loaded objects may reference
// further unloaded ones.
package lazyload
