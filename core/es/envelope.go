package es

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps an event with the metadata needed to persist, reload and
// route it.
type Envelope struct {
	// ID is the unique identifier of this envelope. Stores use it for
	// duplicate detection.
	ID string `json:"id"`
	// Position is assigned by the store and orders envelopes across the
	// whole store. It starts at 1; 0 means the envelope was not persisted.
	Position int64 `json:"position"`
	// Version is the per-stream version (1, 2, 3, ...).
	Version       Version `json:"version"`
	AggregateType string  `json:"aggregate"`
	AggregateID   string  `json:"aggregate_id"`
	// Type is the event type tag used to pick a decoder.
	Type string `json:"type"`
	// CommitID is shared by every envelope written by one unit of work.
	CommitID   string            `json:"commit_id,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Data       json.RawMessage   `json:"data"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("envelope aggregate id is empty")
	}
	if e.AggregateType == "" {
		return fmt.Errorf("envelope aggregate type is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.Version == 0 {
		return fmt.Errorf("envelope version is zero")
	}
	return nil
}

// PositionPtr returns the store position, or nil when the envelope was never
// persisted.
func (e Envelope) PositionPtr() *int64 {
	if e.Position <= 0 {
		return nil
	}
	p := e.Position
	return &p
}

type Decoder interface{ Decode(e Envelope) (any, error) }
