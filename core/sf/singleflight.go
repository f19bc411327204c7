package sf

import "golang.org/x/sync/singleflight"

// Group runs at most one call per key at a time. Callers arriving while a
// call is in flight wait for it and get its result.
type Group[T any] struct {
	group singleflight.Group
}

func New[T any]() *Group[T] { return &Group[T]{} }

// Do runs fn for key unless a call for key is already in flight. shared
// reports whether the result was handed to more than one caller; a shared
// result must not be mutated.
func (g *Group[T]) Do(key string, fn func() (T, error)) (v T, shared bool, err error) {
	res, err, shared := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return v, shared, err
	}
	return res.(T), shared, nil
}

// Forget lets the next Do for key start a new call even if one is in flight.
func (g *Group[T]) Forget(key string) { g.group.Forget(key) }
