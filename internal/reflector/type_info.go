// Package reflector derives stable names for Go types. Names are used as
// event type tags and as repository keys, so they must not change between
// a pointer and its element type.
package reflector

import (
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

type TypeInfo struct {
	Name string       // pkg/path.TypeName
	Type reflect.Type // element type for pointers
}

func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeFor[T]())
}

func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}

	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	elem := t
	if elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}

	ti = TypeInfo{Type: elem, Name: nameOf(elem)}

	muCache.Lock()
	cache[t] = ti
	muCache.Unlock()
	return ti
}

// nameOf falls back to the type literal for unnamed types (e.g. map[string]int).
func nameOf(t reflect.Type) string {
	if t.Name() == "" {
		return t.String()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}
