package lazyload

import (
	"fmt"
	"reflect"
	"sync"
)

// WalkFunc continues the walk into child. Scanners call it for references
// that are already resolved.
type WalkFunc func(parent, child any)

// Scanner knows the lazily loadable fields of one type in one scenario. For
// each such field it either registers obj with reg when the reference is
// missing, or calls walk on the resolved value.
type Scanner interface {
	Scan(parent, obj any, walk WalkFunc, reg *Registry)
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(parent, obj any, walk WalkFunc, reg *Registry)

func (f ScannerFunc) Scan(parent, obj any, walk WalkFunc, reg *Registry) {
	f(parent, obj, walk, reg)
}

type scannerKey struct {
	typ      reflect.Type
	scenario string
}

func (k scannerKey) String() string { return fmt.Sprintf("%v/%s", k.typ, k.scenario) }

// Scanners maps (type, scenario) to a scanner. Build it at startup and pass
// it to the Manager.
type Scanners struct {
	mu sync.RWMutex
	m  map[scannerKey]Scanner
}

func NewScanners() *Scanners {
	return &Scanners{m: map[scannerKey]Scanner{}}
}

// Register installs sc for values whose dynamic type is typ. A later
// registration for the same pair replaces the earlier one.
func (s *Scanners) Register(typ reflect.Type, scenario string, sc Scanner) {
	if typ == nil || sc == nil {
		return
	}
	s.mu.Lock()
	s.m[scannerKey{typ: typ, scenario: scenario}] = sc
	s.mu.Unlock()
}

// RegisterFunc registers a typed scanner function for T.
func RegisterFunc[T any](s *Scanners, scenario string, fn func(parent any, obj T, walk WalkFunc, reg *Registry)) {
	s.Register(reflect.TypeFor[T](), scenario, ScannerFunc(func(parent, obj any, walk WalkFunc, reg *Registry) {
		if v, ok := obj.(T); ok {
			fn(parent, v, walk, reg)
		}
	}))
}

// ScannerFor looks up the scanner of typ in scenario. There is no fallback to
// another scenario.
func (s *Scanners) ScannerFor(typ reflect.Type, scenario string) (Scanner, error) {
	s.mu.RLock()
	sc := s.m[scannerKey{typ: typ, scenario: scenario}]
	s.mu.RUnlock()
	if sc == nil {
		return nil, fmt.Errorf("%w: %v in scenario %q", ErrScannerNotFound, typ, scenario)
	}
	return sc, nil
}

func (s *Scanners) has(typ reflect.Type, scenario string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[scannerKey{typ: typ, scenario: scenario}] != nil
}

// Len returns the number of registered scanners.
func (s *Scanners) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
