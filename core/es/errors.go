package es

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrPersistence         = errors.New("persistence failure")
	ErrConfiguration       = errors.New("configuration error")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrStoreNoEvents       = errors.New("no events to store")
	ErrUnitOfWorkState     = errors.New("invalid unit of work state")

	// ErrDiscard is returned by a conflict handler to drop the pending event
	// it was called with. It never escapes Prepare.
	ErrDiscard = errors.New("discard event")
)

// ConcurrencyError reports a stream whose tip moved past the version an
// entity was loaded at and that could not be reconciled.
type ConcurrencyError struct {
	AggregateType string
	AggregateID   string
	Expected      Version
	Actual        Version
	// EventType is set when a specific pending event could not be reconciled.
	EventType string
	Err       error
}

func (e *ConcurrencyError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s on %s/%s: expected version %d, stream at %d",
		ErrConcurrencyConflict, e.AggregateType, e.AggregateID, e.Expected, e.Actual)
	if e.EventType != "" {
		fmt.Fprintf(&sb, " (event %s)", e.EventType)
	}
	if e.Err != nil && !errors.Is(e.Err, ErrConcurrencyConflict) {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrencyConflict }
func (e *ConcurrencyError) Unwrap() error        { return e.Err }

// PersistenceError wraps a storage failure during load or commit.
type PersistenceError struct {
	Op            string
	AggregateType string
	AggregateID   string
	Err           error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s %s/%s: %v", ErrPersistence, e.Op, e.AggregateType, e.AggregateID, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
func (e *PersistenceError) Unwrap() error        { return e.Err }

// ConfigurationError is a registration or mapping mistake. It is not retryable.
type ConfigurationError struct {
	Subject string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Subject, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// CommitError is returned by UnitOfWork.End when a repository failed to
// commit after every repository prepared successfully. Committed lists the
// repositories whose changes are already durable.
type CommitError struct {
	CommitID  string
	Failed    string
	Committed []string
	Err       error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s failed at %s (committed: [%s]): %v",
		e.CommitID, e.Failed, strings.Join(e.Committed, ", "), e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Partial reports whether some changes of the operation were already durable.
func (e *CommitError) Partial() bool { return len(e.Committed) > 0 }
