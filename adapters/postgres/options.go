package postgres

import (
	"errors"
	"log/slog"
	"time"
)

const (
	defaultEventsTable      = "es_events"
	defaultCheckpointsTable = "es_checkpoints"
	defaultPollInterval     = 250 * time.Millisecond
	defaultPollBatch        = 500
)

type options struct {
	eventsTable      string
	checkpointsTable string
	log              *slog.Logger
	pollInterval     time.Duration
	pollBatch        uint
}

func newOptions(opts []Option) (options, error) {
	o := options{
		eventsTable:      defaultEventsTable,
		checkpointsTable: defaultCheckpointsTable,
		log:              slog.Default(),
		pollInterval:     defaultPollInterval,
		pollBatch:        defaultPollBatch,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	return o, nil
}

// Option configures the stores and Migrate. Every component sharing a
// database must get the same table options.
type Option func(*options) error

func WithEventsTable(name string) Option {
	return func(o *options) error {
		if name == "" {
			return errors.New("events table name is empty")
		}
		o.eventsTable = name
		return nil
	}
}

func WithCheckpointsTable(name string) Option {
	return func(o *options) error {
		if name == "" {
			return errors.New("checkpoints table name is empty")
		}
		o.checkpointsTable = name
		return nil
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) error {
		if log != nil {
			o.log = log
		}
		return nil
	}
}

// WithPollInterval sets how often subscriptions look for new rows.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("poll interval must be positive")
		}
		o.pollInterval = d
		return nil
	}
}
