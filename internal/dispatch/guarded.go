package dispatch

import (
	"context"
	"errors"

	"github.com/pitabwire/traveler/model"
)

// GuardedStore wraps a Store so that Create calls are short-circuited while
// the breaker is open. Reads pass straight through.
type GuardedStore struct {
	Store
	breaker *Breaker
}

// NewGuardedStore wraps store with breaker.
func NewGuardedStore(store Store, breaker *Breaker) *GuardedStore {
	return &GuardedStore{Store: store, breaker: breaker}
}

// Breaker returns the breaker guarding the store.
func (g *GuardedStore) Breaker() *Breaker {
	return g.breaker
}

// Create creates the record through the wrapped store unless the breaker is
// open. Caller cancellation is not counted as a store failure.
func (g *GuardedStore) Create(ctx context.Context, rec model.DispatchRecord) (model.DispatchRecord, error) {
	if err := g.breaker.Allow(); err != nil {
		ee := model.NewBackendUnavailableError()
		ee.Message = "dispatch store unavailable: " + err.Error()
		return model.DispatchRecord{}, ee
	}

	created, err := g.Store.Create(ctx, rec)
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled):
	case model.IsCode(err, model.ErrConflict):
		g.breaker.RecordSuccess()
	default:
		g.breaker.RecordFailure()
	}
	return created, err
}
