package es

import (
	"errors"
	"fmt"
	"reflect"
)

// Stateful is implemented by embedding BaseState. S in StateDefinition[S] is
// normally a pointer to a struct embedding BaseState.
type Stateful interface {
	Version() Version
	setVersion(Version)
}

// BaseState holds the version of an aggregate state. It starts at 0.
type BaseState struct {
	version Version
}

func (b *BaseState) Version() Version     { return b.version }
func (b *BaseState) setVersion(v Version) { b.version = v }

// ConflictOutcome is the result of presenting a pending event to a conflict
// handler while reconciling with newer history.
type ConflictOutcome int

const (
	// ConflictApplied means the handler accepted the event on top of the
	// newer history.
	ConflictApplied ConflictOutcome = iota + 1
	// ConflictDiscarded means the handler returned ErrDiscard. The event is
	// dropped.
	ConflictDiscarded
	// ConflictUnhandled means no conflict handler is registered. The
	// repository's ConflictPolicy decides.
	ConflictUnhandled
	// ConflictFailed means the handler returned another error.
	ConflictFailed
)

func (o ConflictOutcome) String() string {
	switch o {
	case ConflictApplied:
		return "applied"
	case ConflictDiscarded:
		return "discarded"
	case ConflictUnhandled:
		return "unhandled"
	case ConflictFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConflictOutcome(%d)", int(o))
	}
}

type route[S Stateful] func(s S, ev any) error

// Routes collects the handlers of one state type while it is being defined.
type Routes[S Stateful] struct {
	state    string
	apply    map[reflect.Type]route[S]
	conflict map[reflect.Type]route[S]
	events   map[string]func() any
	errs     []error
}

// On registers the apply handler for events of type E. E is matched against
// the canonical type of an event; pointer and value forms are the same type.
func On[S Stateful, E any](r *Routes[S], fn func(s S, ev E) error) {
	r.add(r.apply, "apply", reflect.TypeFor[E](), adaptRoute[S](r.state, fn))
	r.collectEvent(reflect.TypeFor[E]())
}

// OnConflict registers the conflict handler for events of type E. Returning
// ErrDiscard drops the pending event. The handler only decides: it sees a
// shallow copy of the state, so field writes are dropped, and it must not
// mutate maps or slices it reaches through that copy.
func OnConflict[S Stateful, E any](r *Routes[S], fn func(s S, ev E) error) {
	r.add(r.conflict, "conflict", reflect.TypeFor[E](), adaptRoute[S](r.state, fn))
}

func (r *Routes[S]) add(table map[reflect.Type]route[S], kind string, t reflect.Type, h route[S]) {
	key := elemType(t)
	if _, dup := table[key]; dup {
		r.errs = append(r.errs, &ConfigurationError{
			Subject: r.state,
			Reason:  fmt.Sprintf("duplicate %s handler for %s", kind, key),
		})
		return
	}
	table[key] = h
}

func (r *Routes[S]) collectEvent(t reflect.Type) {
	t = elemType(t)
	if t.Kind() == reflect.Interface {
		return
	}
	ctor := func() any { return reflect.New(t).Interface() }
	r.events[EventTypeOf(ctor())] = ctor
}

func adaptRoute[S Stateful, E any](state string, fn func(S, E) error) route[S] {
	return func(s S, ev any) error {
		e, ok := convertEvent[E](ev)
		if !ok {
			return &ConfigurationError{
				Subject: state,
				Reason:  fmt.Sprintf("event %T is mapped to %s but cannot be converted to it", ev, reflect.TypeFor[E]()),
			}
		}
		return fn(s, e)
	}
}

// convertEvent bridges pointer and value forms and struct types with
// identical layout.
func convertEvent[E any](ev any) (E, bool) {
	if e, ok := ev.(E); ok {
		return e, true
	}
	var zero E
	want := reflect.TypeFor[E]()
	rv := reflect.ValueOf(ev)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return zero, false
		}
		if want.Kind() != reflect.Pointer {
			rv = rv.Elem()
		}
	} else if want.Kind() == reflect.Pointer {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		rv = p
	}
	if rv.Type().AssignableTo(want) {
		return rv.Interface().(E), true
	}
	if rv.Type().ConvertibleTo(want) && rv.Kind() == want.Kind() {
		return rv.Convert(want).Interface().(E), true
	}
	return zero, false
}

type (
	stateOptions struct{ mapper EventMapper }
	StateOption  interface{ applyToState(*stateOptions) }
	MapperOption valueOption[EventMapper]
)

// WithMapper sets the EventMapper used to resolve handler types.
func WithMapper(m EventMapper) MapperOption            { return MapperOption{v: m} }
func (o MapperOption) applyToState(opts *stateOptions) { opts.mapper = o.v }

// StateDefinition is the handler table of one aggregate state type, built
// once by DefineState.
type StateDefinition[S Stateful] struct {
	name     string
	newState func() S
	mapper   EventMapper
	apply    map[reflect.Type]route[S]
	conflict map[reflect.Type]route[S]
	events   map[string]func() any
}

// DefineState builds the definition for state type S. name is the aggregate
// type and names its streams. Duplicate handler registrations are reported
// here.
func DefineState[S Stateful](
	name string,
	newState func() S,
	register func(r *Routes[S]),
	opts ...StateOption,
) (*StateDefinition[S], error) {
	if name == "" {
		return nil, &ConfigurationError{Subject: reflect.TypeFor[S]().String(), Reason: "state name is empty"}
	}
	if newState == nil {
		return nil, &ConfigurationError{Subject: name, Reason: "state constructor is nil"}
	}
	if s := reflect.ValueOf(newState()); !s.IsValid() || (s.Kind() == reflect.Pointer && s.IsNil()) {
		return nil, &ConfigurationError{Subject: name, Reason: "state constructor returned nil"}
	}

	options := stateOptions{mapper: IdentityMapper()}
	for _, opt := range opts {
		opt.applyToState(&options)
	}

	r := &Routes[S]{
		state:    name,
		apply:    map[reflect.Type]route[S]{},
		conflict: map[reflect.Type]route[S]{},
		events:   map[string]func() any{},
	}
	if register != nil {
		register(r)
	}
	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}

	return &StateDefinition[S]{
		name:     name,
		newState: newState,
		mapper:   options.mapper,
		apply:    r.apply,
		conflict: r.conflict,
		events:   r.events,
	}, nil
}

// MustDefineState is DefineState for package-level definitions.
func MustDefineState[S Stateful](
	name string,
	newState func() S,
	register func(r *Routes[S]),
	opts ...StateOption,
) *StateDefinition[S] {
	d, err := DefineState(name, newState, register, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *StateDefinition[S]) Name() string            { return d.name }
func (d *StateDefinition[S]) New() S                  { return d.newState() }
func (d *StateDefinition[S]) StateType() reflect.Type { return reflect.TypeFor[S]() }

// RegisterEvents registers a decoder for every concrete event type with an
// apply handler.
func (d *StateDefinition[S]) RegisterEvents(r Registrar) {
	for t, ctor := range d.events {
		r.Register(t, ctor)
	}
}

func (d *StateDefinition[S]) resolve(ev any) reflect.Type {
	return elemType(d.mapper.ResolveCanonicalType(elemType(reflect.TypeOf(ev))))
}

// Handles reports whether an apply handler exists for ev.
func (d *StateDefinition[S]) Handles(ev any) bool {
	_, ok := d.apply[d.resolve(ev)]
	return ok
}

// Apply folds ev into s. The version grows by one whether or not a handler
// is registered. A handler error aborts the fold and leaves the version as
// it was.
func (d *StateDefinition[S]) Apply(s S, ev any) error {
	if ev == nil {
		return fmt.Errorf("%s: apply nil event", d.name)
	}
	if h, ok := d.apply[d.resolve(ev)]; ok {
		if err := h(s, ev); err != nil {
			return err
		}
	}
	s.setVersion(s.Version() + 1)
	return nil
}

// Conflict presents a pending event to its conflict handler, evaluated
// against a shallow copy of s. Neither s nor its version change.
func (d *StateDefinition[S]) Conflict(s S, ev any) (ConflictOutcome, error) {
	if ev == nil {
		return ConflictFailed, fmt.Errorf("%s: conflict on nil event", d.name)
	}
	h, ok := d.conflict[d.resolve(ev)]
	if !ok {
		return ConflictUnhandled, nil
	}

	v := s.Version()
	defer s.setVersion(v)

	err := h(scratch(s), ev)
	switch {
	case err == nil:
		return ConflictApplied, nil
	case errors.Is(err, ErrDiscard):
		return ConflictDiscarded, nil
	default:
		return ConflictFailed, err
	}
}

// scratch returns a shallow copy of a pointer-to-struct state, s otherwise.
func scratch[S Stateful](s S) S {
	v := reflect.ValueOf(s)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return s
	}
	c := reflect.New(v.Elem().Type())
	c.Elem().Set(v.Elem())
	return c.Interface().(S)
}

// Replay folds events into a fresh state.
func (d *StateDefinition[S]) Replay(events ...any) (S, error) {
	s := d.New()
	for _, ev := range events {
		if err := d.Apply(s, ev); err != nil {
			return s, err
		}
	}
	return s, nil
}
