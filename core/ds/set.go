// Package ds holds small generic containers shared by the adapters.
package ds

import (
	"fmt"

	"github.com/codewandler/aggregates-go/internal/codec"
)

// Set is a set that remembers insertion order, so iteration is
// deterministic. The zero value is not usable; use NewSet.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T
}

func NewSet[T comparable](items ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(items)), order: make([]T, 0, len(items))}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

// Add reports whether v was not yet present.
func (s *Set[T]) Add(v T) bool {
	if s.Contains(v) {
		return false
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
	return true
}

func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

func (s *Set[T]) Len() int      { return len(s.order) }
func (s *Set[T]) IsEmpty() bool { return len(s.order) == 0 }

// Remove is O(n) in the size of the set.
func (s *Set[T]) Remove(vs ...T) {
	n := 0
	for _, v := range vs {
		if s.Contains(v) {
			delete(s.items, v)
			n++
		}
	}
	if n == 0 {
		return
	}
	order := make([]T, 0, len(s.order)-n)
	for _, v := range s.order {
		if s.Contains(v) {
			order = append(order, v)
		}
	}
	s.order = order
}

// Filter returns a new set with the elements for which keep returns true.
func (s *Set[T]) Filter(keep func(T) bool) *Set[T] {
	out := NewSet[T]()
	for _, v := range s.order {
		if keep(v) {
			out.Add(v)
		}
	}
	return out
}

// Values returns a copy of the elements in insertion order.
func (s *Set[T]) Values() []T {
	out := make([]T, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Set[T]) String() string { return fmt.Sprintf("%v", s.order) }

func (s *Set[T]) MarshalJSON() ([]byte, error) { return codec.JSON.Marshal(s.order) }

func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var vs []T
	if err := codec.JSON.Unmarshal(data, &vs); err != nil {
		return err
	}
	*s = *NewSet(vs...)
	return nil
}
