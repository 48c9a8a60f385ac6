package workorder

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/traveler/model"
)

// Store persists work orders and their stage history.
type Store interface {
	// Create persists a new work order and records an intake event. Missing
	// ids and timestamps are filled in. Returns CONFLICT if the id or
	// woNumber is already taken.
	Create(ctx context.Context, wo model.WorkOrder) (model.WorkOrder, error)

	// Get retrieves a work order by ID. Returns NOT_FOUND if it doesn't
	// exist.
	Get(ctx context.Context, id string) (model.WorkOrder, error)

	// Update applies the patch atomically and returns the updated work
	// order. Returns NOT_FOUND if the order doesn't exist and STALE_STAGE if
	// patch.ExpectedStage is set and no longer matches.
	Update(ctx context.Context, id string, patch Patch) (model.WorkOrder, error)

	// List returns a page of work orders, newest first, and the total
	// number matching the filters.
	List(ctx context.Context, filters Filters) ([]model.WorkOrder, int, error)

	// History returns the events recorded for a work order, oldest first.
	History(ctx context.Context, id string) ([]model.WorkOrderEvent, error)

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// Filters are optional filters for listing work orders.
type Filters struct {
	Stage    string
	Stages   []string
	Customer string
	Limit    int
	Offset   int
}

func (f Filters) matches(wo model.WorkOrder) bool {
	if f.Stage != "" && wo.Stage != f.Stage {
		return false
	}
	if len(f.Stages) > 0 {
		found := false
		for _, s := range f.Stages {
			if s == wo.Stage {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Customer != "" && !strings.EqualFold(wo.Customer, f.Customer) {
		return false
	}
	return true
}

// prepareCreate fills defaults on a new work order and builds its intake
// event.
func prepareCreate(wo model.WorkOrder, now time.Time) (model.WorkOrder, model.WorkOrderEvent) {
	wo = wo.Clone()
	wo.Normalize()
	if wo.ID == "" {
		wo.ID = uuid.NewString()
	}
	if wo.CreatedAt.IsZero() {
		wo.CreatedAt = now
	}
	wo.UpdatedAt = wo.CreatedAt
	wo.Version = 1

	evt := model.WorkOrderEvent{
		ID:          uuid.NewString(),
		WorkOrderID: wo.ID,
		Event:       model.EventIntake,
		ToStage:     wo.Stage,
		Timestamp:   wo.CreatedAt,
	}
	return wo, evt
}

// stampEvents assigns ids, the work order id and a timestamp to patch
// events that lack them.
func stampEvents(id string, events []model.WorkOrderEvent, at time.Time) []model.WorkOrderEvent {
	out := make([]model.WorkOrderEvent, len(events))
	for i, evt := range events {
		if evt.ID == "" {
			evt.ID = uuid.NewString()
		}
		evt.WorkOrderID = id
		if evt.Timestamp.IsZero() {
			evt.Timestamp = at
		}
		out[i] = evt
	}
	return out
}

func patchTime(p Patch) time.Time {
	if p.At.IsZero() {
		return nowUTC()
	}
	return p.At
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
