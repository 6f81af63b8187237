package lazyload

import (
	"fmt"
	"reflect"
)

// UniqKey identifies a registration: the entity by reference identity plus an
// optional discriminator, so the same entity can be queued once per
// discriminator.
type UniqKey struct {
	Entity any
	Eq     any
}

type uniqID struct {
	entity identity
	eq     any
}

// identity is the comparable form of a value. Reference kinds compare by
// address; other values by content.
type identity struct {
	typ reflect.Type
	ptr uintptr
	n   int
	val any
}

func (k UniqKey) id() uniqID {
	return uniqID{entity: identityOf(k.Entity), eq: comparableOf(k.Eq)}
}

func identityOf(v any) identity {
	if v == nil {
		return identity{}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return identity{typ: rv.Type(), ptr: rv.Pointer()}
	case reflect.Slice:
		return identity{typ: rv.Type(), ptr: rv.Pointer(), n: rv.Len()}
	}
	return identity{typ: rv.Type(), val: comparableOf(v)}
}

// comparableOf returns v when it can be a map key and its %#v rendering
// otherwise.
func comparableOf(v any) any {
	if v == nil {
		return nil
	}
	if reflect.ValueOf(v).Comparable() {
		return v
	}
	return fmt.Sprintf("%#v", v)
}
