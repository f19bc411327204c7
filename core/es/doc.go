// Package es is the transactional core of an event-sourcing runtime.
//
// # State engine
//
// Aggregate state is a struct embedding [BaseState]. Its handlers are
// collected once by [DefineState] into a [StateDefinition]:
//
//	type Account struct {
//	    es.BaseState
//	    Balance int
//	}
//
//	var AccountState = es.MustDefineState("account", func() *Account { return &Account{} },
//	    func(r *es.Routes[*Account]) {
//	        es.On(r, func(a *Account, e Deposited) error { a.Balance += e.Amount; return nil })
//	        es.OnConflict(r, func(a *Account, e Deposited) error { return nil })
//	    })
//
// Apply grows the version by one for every event, handled or not. Conflict
// never touches the version; a conflict handler returns [ErrDiscard] to drop
// the pending event.
//
// # Repositories and units of work
//
// A [UnitOfWork] owns one repository per state type ([For]) or document type
// ([Poco]). End prepares every repository, which reconciles entities whose
// stream moved since they were loaded, and then commits in creation order
// under a shared commit id:
//
//	err := env.Do(ctx, func(ctx context.Context, uow *es.UnitOfWork) error {
//	    accounts, err := es.For[*Account](uow)
//	    if err != nil {
//	        return err
//	    }
//	    acc, err := accounts.GetOrNew(ctx, "a-1")
//	    if err != nil {
//	        return err
//	    }
//	    return acc.Raise(Deposited{Amount: 10})
//	})
//
// Commits are atomic per stream at most, and only when the store's Append
// is. The NATS store publishes event by event, so a multi-event append can
// land partially. When a later repository fails to commit, End returns a
// [*CommitError] listing what is already durable.
//
// # Checkpoints
//
// A [CheckpointTracker] observes the position of each consumed envelope and
// saves it only when the surrounding work ended without error.
// [NewUnitOfWorkMiddleware] combines both for a [Consumer].
package es
