package lazyload

import (
	"reflect"
	"sort"
	"time"

	logx "clusterkit/pkg/logx"
)

// Iterable is implemented by custom collections the walker should descend
// into element by element.
type Iterable interface {
	Each(fn func(v any) bool)
}

var timeType = reflect.TypeFor[time.Time]()

// Walker traverses an object graph depth-first for one scenario, handing
// every non-container object to its scanner.
type Walker struct {
	scanners *Scanners
	reg      *Registry
	scenario string
	log      logx.Logger

	trackVisited bool
	visited      map[identity]struct{}
	missing      map[scannerKey]struct{}
}

type WalkerOption func(*Walker)

// WithoutVisitedSet disables the per-pass visited set. Shared references are
// then walked once per path, and a cyclic graph without lazy placeholders
// does not terminate.
func WithoutVisitedSet() WalkerOption {
	return func(w *Walker) { w.trackVisited = false }
}

func NewWalker(scanners *Scanners, reg *Registry, scenario string, log logx.Logger, opts ...WalkerOption) *Walker {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Walker{
		scanners:     scanners,
		reg:          reg,
		scenario:     scenario,
		log:          log,
		trackVisited: true,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Apply clears the registry and walks root.
func (w *Walker) Apply(root any) {
	w.reg.Clear()
	w.visited = map[identity]struct{}{}
	w.missing = map[scannerKey]struct{}{}
	w.walk(nil, root)
}

func (w *Walker) walk(parent, obj any) {
	if obj == nil {
		return
	}
	v := reflect.ValueOf(obj)

	if it, ok := obj.(Iterable); ok {
		if isNilRef(v) || !w.visit(obj, v) {
			return
		}
		it.Each(func(child any) bool {
			w.walk(obj, child)
			return true
		})
		return
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() || !w.visit(obj, v) {
			return
		}
		w.scan(parent, obj)
	case reflect.Struct:
		if v.Type() == timeType {
			return
		}
		w.scan(parent, obj)
	case reflect.Slice:
		if v.IsNil() || !w.visit(obj, v) {
			return
		}
		fallthrough
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.walk(obj, w.element(v.Index(i)))
		}
	case reflect.Map:
		if v.IsNil() || !w.visit(obj, v) {
			return
		}
		// Values only; keys are never walked.
		for _, k := range mapKeys(v) {
			w.walk(obj, v.MapIndex(k).Interface())
		}
	default:
		// Leaves: bool, numbers, strings, channels, funcs.
	}
}

// element returns what to walk for a slice or array element. A struct held
// by value in a slice is handed out by address when a *T scanner exists, so
// loaders fill the element itself rather than a copy.
func (w *Walker) element(ev reflect.Value) any {
	if ev.Kind() == reflect.Struct && ev.CanAddr() && ev.Type() != timeType {
		if pt := reflect.PointerTo(ev.Type()); w.scanners.has(pt, w.scenario) {
			return ev.Addr().Interface()
		}
	}
	return ev.Interface()
}

// visit reports whether obj is seen for the first time in this pass.
func (w *Walker) visit(obj any, v reflect.Value) bool {
	if !w.trackVisited {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
	default:
		return true
	}
	id := identityOf(obj)
	if _, ok := w.visited[id]; ok {
		return false
	}
	w.visited[id] = struct{}{}
	return true
}

func (w *Walker) scan(parent, obj any) {
	typ := reflect.TypeOf(obj)
	sc, err := w.scanners.ScannerFor(typ, w.scenario)
	if err != nil {
		key := scannerKey{typ: typ, scenario: w.scenario}
		if _, logged := w.missing[key]; !logged {
			w.missing[key] = struct{}{}
			w.log.Error("no scanner; skipping", logx.String("type", typ.String()), logx.String("scenario", w.scenario))
		}
		return
	}
	sc.Scan(parent, obj, w.walk, w.reg)
}

func isNilRef(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return v.IsNil()
	}
	return false
}

// mapKeys returns the keys of v, sorted when their kind has a natural order.
func mapKeys(v reflect.Value) []reflect.Value {
	keys := v.MapKeys()
	var less func(a, b reflect.Value) bool
	switch v.Type().Key().Kind() {
	case reflect.String:
		less = func(a, b reflect.Value) bool { return a.String() < b.String() }
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		less = func(a, b reflect.Value) bool { return a.Int() < b.Int() }
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		less = func(a, b reflect.Value) bool { return a.Uint() < b.Uint() }
	case reflect.Float32, reflect.Float64:
		less = func(a, b reflect.Value) bool { return a.Float() < b.Float() }
	default:
		return keys
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}
