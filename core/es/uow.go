package es

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/aggregates-go/internal/reflector"
)

const (
	HeaderCommitID = "commit-id"
	HeaderConsumer = "consumer"
)

// UnitOfWorkState is the lifecycle state of a UnitOfWork.
type UnitOfWorkState int

const (
	UnitOfWorkCreated UnitOfWorkState = iota
	UnitOfWorkBegun
	UnitOfWorkEnding
	UnitOfWorkEnded
	UnitOfWorkFaulted
	UnitOfWorkDisposed
)

func (s UnitOfWorkState) String() string {
	switch s {
	case UnitOfWorkCreated:
		return "created"
	case UnitOfWorkBegun:
		return "begun"
	case UnitOfWorkEnding:
		return "ending"
	case UnitOfWorkEnded:
		return "ended"
	case UnitOfWorkFaulted:
		return "faulted"
	case UnitOfWorkDisposed:
		return "disposed"
	}
	return fmt.Sprintf("UnitOfWorkState(%d)", int(s))
}

// NewCommitID returns a time-ordered UUIDv7.
func NewCommitID() string { return uuid.Must(uuid.NewV7()).String() }

type (
	unitOfWorkOpts struct {
		log       *slog.Logger
		metrics   ESMetrics
		consumer  string
		headers   map[string]string
		commitIDs func() string
	}
	UnitOfWorkOption interface{ applyToUnitOfWork(*unitOfWorkOpts) }
)

type uowRepo struct {
	name string
	repo Repository
}

// UnitOfWork owns the repositories of one business operation. End drives
// Prepare on all of them and Commit on those holding changes. A unit of
// work serves one operation and is not safe for concurrent use.
type UnitOfWork struct {
	log      *slog.Logger
	factory  *RepositoryFactory
	metrics  ESMetrics
	consumer string
	headers  map[string]string
	newID    func() string

	state    UnitOfWorkState
	repos    map[string]Repository
	order    []uowRepo
	commitID string
}

func NewUnitOfWork(factory *RepositoryFactory, opts ...UnitOfWorkOption) *UnitOfWork {
	options := unitOfWorkOpts{
		log:       slog.Default(),
		headers:   map[string]string{},
		commitIDs: NewCommitID,
	}
	for _, opt := range opts {
		opt.applyToUnitOfWork(&options)
	}
	return &UnitOfWork{
		log:      options.log.With(slog.String("uow", options.consumer)),
		factory:  factory,
		metrics:  metricsOrNop(options.metrics),
		consumer: options.consumer,
		headers:  options.headers,
		newID:    options.commitIDs,
		repos:    map[string]Repository{},
	}
}

func (u *UnitOfWork) State() UnitOfWorkState { return u.state }

// CommitID is assigned by End. It is empty before.
func (u *UnitOfWork) CommitID() string { return u.commitID }

func (u *UnitOfWork) SetHeader(key, value string) { u.headers[key] = value }

func (u *UnitOfWork) Begin(context.Context) error {
	if u.state != UnitOfWorkCreated {
		return fmt.Errorf("%w: begin in state %s", ErrUnitOfWorkState, u.state)
	}
	u.state = UnitOfWorkBegun
	return nil
}

// Repository returns the repository registered under name, creating it with
// create on first use.
func (u *UnitOfWork) Repository(name string, create func() (Repository, error)) (Repository, error) {
	if u.state != UnitOfWorkCreated && u.state != UnitOfWorkBegun {
		return nil, fmt.Errorf("%w: repository %s requested in state %s", ErrUnitOfWorkState, name, u.state)
	}
	if r, ok := u.repos[name]; ok {
		return r, nil
	}
	r, err := create()
	if err != nil {
		return nil, err
	}
	u.repos[name] = r
	u.order = append(u.order, uowRepo{name: name, repo: r})
	u.log.Debug("repository created", slog.String("repo", name))
	return r, nil
}

// For returns the entity repository for state type S.
func For[S Stateful](u *UnitOfWork) (*EntityRepository[S], error) {
	r, err := u.Repository("entity:"+reflector.TypeInfoFor[S]().Name, func() (Repository, error) {
		if u.factory == nil {
			return nil, &ConfigurationError{Subject: "unit of work", Reason: "no repository factory"}
		}
		return newEntityRepositoryFor[S](u.factory)
	})
	if err != nil {
		return nil, err
	}
	return r.(*EntityRepository[S]), nil
}

// Poco returns the document repository for T.
func Poco[T any](u *UnitOfWork) (*PocoRepository[T], error) {
	r, err := u.Repository("poco:"+reflector.TypeInfoFor[T]().Name, func() (Repository, error) {
		if u.factory == nil {
			return nil, &ConfigurationError{Subject: "unit of work", Reason: "no repository factory"}
		}
		return newPocoRepositoryFor[T](u.factory)
	})
	if err != nil {
		return nil, err
	}
	return r.(*PocoRepository[T]), nil
}

// End finishes the operation. A non-nil cause faults the unit of work
// without touching any repository, and End returns cause.
//
// Otherwise every repository is prepared, concurrently. If any Prepare fails
// nothing is committed. Then repositories with changes commit in creation
// order under one commit id; the first failure stops the rest and is
// returned as a *CommitError naming what was already committed.
func (u *UnitOfWork) End(ctx context.Context, cause error) error {
	if u.state != UnitOfWorkBegun {
		return fmt.Errorf("%w: end in state %s", ErrUnitOfWorkState, u.state)
	}

	if cause != nil {
		u.fault("operation failed", cause)
		return cause
	}

	defer u.metrics.UnitOfWorkDuration().ObserveDuration()
	u.state = UnitOfWorkEnding
	u.commitID = u.newID()

	if err := u.prepare(ctx); err != nil {
		u.fault("prepare failed", err)
		return err
	}

	if err := ctx.Err(); err != nil {
		u.fault("cancelled before commit", err)
		return err
	}

	headers := maps.Clone(u.headers)
	headers[HeaderCommitID] = u.commitID
	headers[HeaderConsumer] = u.consumer

	committed := make([]string, 0, len(u.order))
	for _, r := range u.order {
		if r.repo.ChangedStreams() == 0 {
			continue
		}
		if err := r.repo.Commit(ctx, u.commitID, headers); err != nil {
			cerr := &CommitError{CommitID: u.commitID, Failed: r.name, Committed: committed, Err: err}
			u.fault("commit failed", cerr)
			return cerr
		}
		committed = append(committed, r.name)
	}

	u.state = UnitOfWorkEnded
	u.metrics.UnitOfWorkEnded(u.state)
	u.log.Debug("ended", slog.String("commit_id", u.commitID), slog.Int("committed", len(committed)))
	return nil
}

func (u *UnitOfWork) prepare(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range u.order {
		g.Go(func() error {
			if err := r.repo.Prepare(gctx, u.commitID); err != nil {
				return fmt.Errorf("prepare %s: %w", r.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (u *UnitOfWork) fault(msg string, err error) {
	u.state = UnitOfWorkFaulted
	u.metrics.UnitOfWorkEnded(u.state)
	u.log.Debug(msg, slog.Any("error", err))
}

// Dispose disposes every repository created by this unit of work. It is
// safe to call in any state and more than once.
func (u *UnitOfWork) Dispose() {
	if u.state == UnitOfWorkDisposed {
		return
	}
	for _, r := range u.order {
		r.repo.Dispose()
	}
	u.state = UnitOfWorkDisposed
}

// === options ===

type (
	ConsumerIdentityOption  valueOption[string]
	HeadersOption           valueOption[map[string]string]
	CommitIDGeneratorOption valueOption[func() string]
)

// WithConsumerIdentity names the consumer in headers and checkpoints.
func WithConsumerIdentity(name string) ConsumerIdentityOption { return ConsumerIdentityOption{v: name} }

// WithHeaders adds headers to every committed event.
func WithHeaders(h map[string]string) HeadersOption { return HeadersOption{v: h} }

func WithCommitIDGenerator(fn func() string) CommitIDGeneratorOption {
	return CommitIDGeneratorOption{v: fn}
}

func (o ConsumerIdentityOption) applyToUnitOfWork(u *unitOfWorkOpts) { u.consumer = o.v }
func (o HeadersOption) applyToUnitOfWork(u *unitOfWorkOpts) {
	for k, v := range o.v {
		u.headers[k] = v
	}
}
func (o CommitIDGeneratorOption) applyToUnitOfWork(u *unitOfWorkOpts) { u.commitIDs = o.v }
func (o LogOption) applyToUnitOfWork(u *unitOfWorkOpts)               { u.log = o.l }
