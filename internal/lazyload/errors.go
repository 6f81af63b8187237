package lazyload

import "errors"

var (
	// ErrScannerNotFound is returned when no scanner is registered for a
	// (type, scenario) pair.
	ErrScannerNotFound = errors.New("lazyload: scanner not found")

	errNoFuture = errors.New("loader returned no future")
)
