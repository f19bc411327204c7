package es

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/codewandler/aggregates-go/ports/kv"
)

// StateRegistration is implemented by *StateDefinition[S].
type StateRegistration interface {
	Name() string
	StateType() reflect.Type
	RegisterEvents(r Registrar)
}

// RepositoryFactory creates the repositories a unit of work asks for. It
// holds the shared collaborators and the registered state definitions and is
// safe for concurrent use.
type RepositoryFactory struct {
	log      *slog.Logger
	store    StreamStore
	kv       kv.Store
	registry *EventRegistry
	metrics  ESMetrics
	policy   ConflictPolicy
	cache    *StateCache

	mu     sync.RWMutex
	states map[reflect.Type]StateRegistration
}

type (
	factoryOptions struct {
		log     *slog.Logger
		kv      kv.Store
		metrics ESMetrics
		policy  ConflictPolicy

		stateCache *StateCache
	}
	FactoryOption interface{ applyToFactory(*factoryOptions) }
)

func NewRepositoryFactory(store StreamStore, registry *EventRegistry, opts ...FactoryOption) *RepositoryFactory {
	options := factoryOptions{log: slog.Default()}
	for _, opt := range opts {
		opt.applyToFactory(&options)
	}
	return &RepositoryFactory{
		log:      options.log,
		store:    store,
		kv:       options.kv,
		registry: registry,
		metrics:  metricsOrNop(options.metrics),
		policy:   options.policy,
		cache:    options.stateCache,
		states:   map[reflect.Type]StateRegistration{},
	}
}

// Register adds state definitions and registers their events for decoding.
// Registering a second definition for the same state type is a
// ConfigurationError.
func (f *RepositoryFactory) Register(defs ...StateRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range defs {
		if prev, dup := f.states[d.StateType()]; dup {
			return &ConfigurationError{
				Subject: d.Name(),
				Reason:  fmt.Sprintf("state type %s already registered as %s", d.StateType(), prev.Name()),
			}
		}
		f.states[d.StateType()] = d
		d.RegisterEvents(f.registry)
		f.log.Debug("registered state", slog.String("name", d.Name()), slog.String("type", d.StateType().String()))
	}
	return nil
}

func (f *RepositoryFactory) Registry() *EventRegistry { return f.registry }

func (f *RepositoryFactory) repoOpts() []RepositoryOption {
	return []RepositoryOption{
		WithLog(f.log),
		WithMetrics(f.metrics),
		WithConflictPolicy(f.policy),
		WithStateCache(f.cache),
	}
}

func newEntityRepositoryFor[S Stateful](f *RepositoryFactory) (*EntityRepository[S], error) {
	f.mu.RLock()
	reg, ok := f.states[reflect.TypeFor[S]()]
	f.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{
			Subject: reflect.TypeFor[S]().String(),
			Reason:  "no state definition registered",
		}
	}
	def, ok := reg.(*StateDefinition[S])
	if !ok {
		return nil, &ConfigurationError{Subject: reg.Name(), Reason: fmt.Sprintf("unexpected definition %T", reg)}
	}
	return NewEntityRepository(def, f.store, f.registry, f.repoOpts()...), nil
}

func newPocoRepositoryFor[T any](f *RepositoryFactory) (*PocoRepository[T], error) {
	if f.kv == nil {
		return nil, &ConfigurationError{Subject: PocoName[T](), Reason: "no kv store configured"}
	}
	return NewPocoRepository[T](f.kv, WithLog(f.log)), nil
}

// === options ===

type KVOption valueOption[kv.Store]

// WithKV sets the store backing poco repositories.
func WithKV(s kv.Store) KVOption { return KVOption{v: s} }

func (o KVOption) applyToFactory(f *factoryOptions)             { f.kv = o.v }
func (o KVOption) applyToEnv(e *envOptions)                     { e.kv = o.v }
func (o LogOption) applyToFactory(f *factoryOptions)            { f.log = o.l }
func (o ESMetricsOption) applyToFactory(f *factoryOptions)      { f.metrics = o.m }
func (o ConflictPolicyOption) applyToFactory(f *factoryOptions) { f.policy = o.v }
