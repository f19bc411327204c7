// Package domain is a small counter aggregate used by the black-box tests of
// package es.
package domain

import (
	"errors"
	"fmt"

	"github.com/codewandler/aggregates-go/core/es"
)

const MaxCounter = 24

type (
	Counter struct {
		es.BaseState

		Value          uint16 `json:"value"`
		Name           string `json:"name"`
		NumIncrements  int    `json:"num_increments"`
		NumResets      int    `json:"num_resets"`
		NumTotalEvents int    `json:"num_total_events"`
	}

	Incremented struct {
		Inc   uint8 `json:"inc,omitempty"`
		Reset bool  `json:"reset,omitempty"`
	}

	// IncrementedV1 is the legacy shape of Incremented. It is mapped onto
	// Incremented by CounterMapper.
	IncrementedV1 struct {
		Inc   uint8 `json:"inc,omitempty"`
		Reset bool  `json:"reset,omitempty"`
	}

	Renamed struct {
		Name string `json:"name"`
	}

	// Noted has no handler. It only counts towards the version.
	Noted struct {
		Text string `json:"text"`
	}
)

func (e Renamed) Validate() error {
	if e.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

var CounterMapper = es.MapEvent[IncrementedV1, Incremented](es.NewTypeMapper())

// CounterState applies increments and renames. Concurrent increments merge
// unless they would push the value past MaxCounter; concurrent renames are
// rejected.
var CounterState = es.MustDefineState(
	"counter",
	func() *Counter { return &Counter{} },
	func(r *es.Routes[*Counter]) {
		es.On(r, func(c *Counter, e Incremented) error {
			c.NumTotalEvents++
			if e.Inc > 0 {
				c.Value += uint16(e.Inc)
				c.NumIncrements++
			}
			if e.Reset {
				c.Value = 0
				c.NumResets++
			}
			return nil
		})
		es.OnConflict(r, func(c *Counter, e Incremented) error {
			if e.Reset {
				return nil
			}
			if c.Value+uint16(e.Inc) > MaxCounter {
				return es.ErrDiscard
			}
			return nil
		})
		es.On(r, func(c *Counter, e Renamed) error {
			c.NumTotalEvents++
			c.Name = e.Name
			return nil
		})
	},
	es.WithMapper(CounterMapper),
)

// === Commands ===

func Inc(e *es.Entity[*Counter]) error { return IncBy(e, 1) }

func IncBy(e *es.Entity[*Counter], v uint8) error {
	if e.State().Value+uint16(v) > MaxCounter {
		return fmt.Errorf("counter cannot exceed %d", MaxCounter)
	}
	return e.Raise(Incremented{Inc: v})
}

func Reset(e *es.Entity[*Counter]) error { return e.Raise(Incremented{Reset: true}) }

func Rename(e *es.Entity[*Counter], name string) error { return e.Raise(Renamed{Name: name}) }

// Profile is a plain document kept next to counters.
type Profile struct {
	Owner  string   `json:"owner"`
	Labels []string `json:"labels,omitempty"`
}

func (Profile) PocoName() string { return "profile" }
