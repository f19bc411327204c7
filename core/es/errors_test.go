package es

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrors_classification(t *testing.T) {
	cause := errors.New("disk full")

	var err error = &PersistenceError{Op: "append", AggregateType: "account", AggregateID: "a1", Err: cause}
	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrConcurrencyConflict)

	err = fmt.Errorf("wrapped: %w", &ConcurrencyError{AggregateType: "account", AggregateID: "a1", Expected: 3, Actual: 4})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	var ce *ConcurrencyError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, Version(4), ce.Actual)
	require.Contains(t, err.Error(), "expected version 3, stream at 4")

	err = &ConfigurationError{Subject: "account", Reason: "duplicate handler"}
	require.ErrorIs(t, err, ErrConfiguration)

	commitErr := &CommitError{CommitID: "c1", Failed: "b", Committed: []string{"a"}, Err: err}
	require.ErrorIs(t, commitErr, ErrConfiguration)
	require.True(t, commitErr.Partial())
}
