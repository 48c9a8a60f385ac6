// Package transfer moves work orders from one stage to the next: it plans the
// patch for a validated transition, persists it conditionally on the stage
// the caller observed, and creates the dispatch record the entered stage
// calls for.
package transfer

import (
	"context"
	"time"

	"github.com/pitabwire/traveler/internal/dispatch"
	"github.com/pitabwire/traveler/internal/readiness"
	"github.com/pitabwire/traveler/internal/stage"
	"github.com/pitabwire/traveler/internal/workorder"
	"github.com/pitabwire/traveler/model"
)

// Outcome labels reported to observers.
const (
	OutcomeTransferred    = "transferred"
	OutcomeReleased       = "released"
	OutcomeNotReady       = "not_ready"
	OutcomeStale          = "stale"
	OutcomeNotFound       = "not_found"
	OutcomeStageNotFound  = "stage_not_found"
	OutcomeError          = "error"
	OutcomeDispatchFailed = "dispatch_failed"
)

// Observer receives the outcome of every transfer attempt. Implementations
// record metrics; they must not block.
type Observer interface {
	OnTransfer(ctx context.Context, event Event)
}

// Event describes one transfer attempt.
type Event struct {
	WorkOrderID string
	FromStage   string
	ToStage     string
	Outcome     string
	Failing     []string
	Dispatched  bool
	Duration    time.Duration
}

// Transition is the planned effect of moving a work order out of a stage.
type Transition struct {
	From     string                `json:"from"`
	To       string                `json:"to,omitempty"`
	Terminal bool                  `json:"terminal"`
	Flags    readiness.Flags       `json:"flags"`
	Patch    workorder.Patch       `json:"-"`
	Dispatch *model.DispatchRecord `json:"dispatch,omitempty"`
}

// Result is the outcome of a committed transfer. DispatchError is set when
// the stage change was stored but the dispatch record could not be created;
// the stage change stands either way.
type Result struct {
	WorkOrder     model.WorkOrder
	Transition    Transition
	Dispatch      *model.DispatchRecord
	DispatchError error
}

// Executor runs stage transitions against the work-order and dispatch stores.
// It keeps no state between calls; every Transfer re-reads the order.
type Executor struct {
	table      *stage.Table
	evaluator  *readiness.Evaluator
	orders     workorder.Store
	dispatches dispatch.Creator
	now        func() time.Time
	observers  []Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the time source used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithObserver adds a transfer observer.
func WithObserver(obs Observer) Option {
	return func(e *Executor) { e.observers = append(e.observers, obs) }
}

// NewExecutor creates an Executor.
func NewExecutor(
	table *stage.Table,
	orders workorder.Store,
	dispatches dispatch.Creator,
	opts ...Option,
) *Executor {
	e := &Executor{
		table:      table,
		evaluator:  readiness.NewEvaluator(table),
		orders:     orders,
		dispatches: dispatches,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluator returns the readiness evaluator bound to the executor's table.
func (e *Executor) Evaluator() *readiness.Evaluator {
	return e.evaluator
}

// Plan builds the transition of wo out of from at now without touching any
// store. It fails with STAGE_NOT_FOUND for an unknown stage, STALE_STAGE when
// wo is no longer at from, and READINESS_NOT_MET when a flag is false.
func (e *Executor) Plan(wo model.WorkOrder, from, actor string, now time.Time) (Transition, error) {
	cur, err := e.table.Lookup(from)
	if err != nil {
		return Transition{}, err
	}
	if wo.Stage != from {
		return Transition{}, model.NewStaleStageError(wo.ID, from, wo.Stage)
	}

	flags := e.evaluator.Evaluate(wo, from)
	tr := Transition{From: from, To: cur.Next, Terminal: cur.Terminal(), Flags: flags}
	if !readiness.AllReady(flags) {
		return tr, model.NewReadinessNotMetError(from, flags.Failing())
	}

	ready := true
	at := now
	curField := cur.FieldBase + model.StatusSuffix

	released := workorder.StatusPatch{State: model.StageStateApproved, UpdatedAt: &at}
	if wo.Status(curField).ReleasedAt == nil {
		released.ReleasedAt = &at
	}

	patch := workorder.Patch{
		ExpectedStage: from,
		TravelerReady: &ready,
		Statuses:      map[string]workorder.StatusPatch{curField: released},
		At:            now,
		Events: []model.WorkOrderEvent{{
			Event:     model.EventStageReleased,
			FromStage: from,
			ToStage:   cur.Next,
			ActorID:   actor,
			Timestamp: now,
		}},
	}

	if cur.Terminal() {
		tr.Patch = patch
		return tr, nil
	}

	next, err := e.table.Lookup(cur.Next)
	if err != nil {
		return Transition{}, err
	}
	patch.Stage = next.ID

	nextField := next.FieldBase + model.StatusSuffix
	if wo.Status(nextField).State == "" {
		patch.Statuses[nextField] = workorder.StatusPatch{
			State:     model.StageStatePending,
			StartedAt: &at,
			UpdatedAt: &at,
		}
	}
	patch.Events = append(patch.Events, model.WorkOrderEvent{
		Event:     model.EventStageEntered,
		FromStage: from,
		ToStage:   next.ID,
		ActorID:   actor,
		Timestamp: now,
	})
	tr.Patch = patch

	if e.table.RequiresDispatchOnEntry(next.ID) {
		rec, err := e.table.BuildDispatchPayload(next.ID, wo, now)
		if err != nil {
			return Transition{}, err
		}
		tr.Dispatch = &rec
	}
	return tr, nil
}

// Transfer moves the work order id out of from. The stored order is re-read,
// validated and patched conditionally on from, so of two concurrent transfers
// of one order exactly one succeeds and the other gets STALE_STAGE.
//
// A dispatch creation failure is reported in Result.DispatchError as
// DISPATCH_FAILED and does not undo the stored stage change.
func (e *Executor) Transfer(ctx context.Context, id, from, actor string) (Result, error) {
	start := e.now()
	evt := Event{WorkOrderID: id, FromStage: from}

	res, err := e.transfer(ctx, id, from, actor, &evt)

	evt.Duration = e.now().Sub(start)
	evt.Outcome = outcome(res, err)
	for _, obs := range e.observers {
		obs.OnTransfer(ctx, evt)
	}
	return res, err
}

func (e *Executor) transfer(ctx context.Context, id, from, actor string, evt *Event) (Result, error) {
	if !e.table.Has(from) {
		return Result{}, model.NewStageNotFoundError(from)
	}

	wo, err := e.orders.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	now := e.now()
	tr, err := e.Plan(wo, from, actor, now)
	if err != nil {
		evt.Failing = tr.Flags.Failing()
		return Result{Transition: tr}, err
	}
	evt.ToStage = tr.To

	updated, err := e.orders.Update(ctx, id, tr.Patch)
	if err != nil {
		return Result{Transition: tr}, err
	}

	res := Result{WorkOrder: updated, Transition: tr}
	if tr.Dispatch == nil || e.dispatches == nil {
		return res, nil
	}

	rec, err := e.dispatches.Create(ctx, *tr.Dispatch)
	if err != nil {
		res.DispatchError = model.NewDispatchFailedError(tr.Dispatch.Stage, err)
		return res, nil
	}
	res.Dispatch = &rec
	evt.Dispatched = true
	return res, nil
}

func outcome(res Result, err error) string {
	if err != nil {
		switch model.CodeOf(err) {
		case model.ErrReadinessNotMet:
			return OutcomeNotReady
		case model.ErrStaleStage:
			return OutcomeStale
		case model.ErrNotFound:
			return OutcomeNotFound
		case model.ErrStageNotFound:
			return OutcomeStageNotFound
		default:
			return OutcomeError
		}
	}
	switch {
	case res.DispatchError != nil:
		return OutcomeDispatchFailed
	case res.Transition.Terminal:
		return OutcomeReleased
	default:
		return OutcomeTransferred
	}
}
