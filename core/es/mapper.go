package es

import (
	"reflect"
	"sync"
)

// EventMapper resolves the type a handler is registered under for a runtime
// event type. It allows old event versions or aliases to reach a handler
// declared for a newer type or an interface.
type EventMapper interface {
	ResolveCanonicalType(t reflect.Type) reflect.Type
}

type identityMapper struct{}

func (identityMapper) ResolveCanonicalType(t reflect.Type) reflect.Type { return t }

// IdentityMapper resolves every type to itself.
func IdentityMapper() EventMapper { return identityMapper{} }

// TypeMapper is an explicit from → to table. Unknown types resolve to
// themselves.
type TypeMapper struct {
	mu sync.RWMutex
	m  map[reflect.Type]reflect.Type
}

func NewTypeMapper() *TypeMapper {
	return &TypeMapper{m: map[reflect.Type]reflect.Type{}}
}

func (m *TypeMapper) Map(from, to reflect.Type) *TypeMapper {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[elemType(from)] = elemType(to)
	return m
}

func (m *TypeMapper) ResolveCanonicalType(t reflect.Type) reflect.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if to, ok := m.m[elemType(t)]; ok {
		return to
	}
	return t
}

// MapEvent routes events of type From to handlers declared for To.
func MapEvent[From, To any](m *TypeMapper) *TypeMapper {
	return m.Map(reflect.TypeFor[From](), reflect.TypeFor[To]())
}

var _ EventMapper = (*TypeMapper)(nil)

func elemType(t reflect.Type) reflect.Type {
	if t != nil && t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}
