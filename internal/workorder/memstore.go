package workorder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/traveler/model"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.RWMutex
	orders  map[string]model.WorkOrder        // key: work order ID
	numbers map[string]string                 // key: woNumber, value: ID
	history map[string][]model.WorkOrderEvent // key: work order ID
	nowFunc func() time.Time
}

// NewMemoryStore creates a new in-memory work order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]model.WorkOrder),
		numbers: make(map[string]string),
		history: make(map[string][]model.WorkOrderEvent),
		nowFunc: nowUTC,
	}
}

// Create persists a new work order.
func (s *MemoryStore) Create(_ context.Context, wo model.WorkOrder) (model.WorkOrder, error) {
	wo, evt := prepareCreate(wo, s.nowFunc())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[wo.ID]; exists {
		return model.WorkOrder{}, model.NewConflictError(
			fmt.Sprintf("work order %q already exists", wo.ID),
		)
	}
	if wo.WONumber != "" {
		if _, exists := s.numbers[wo.WONumber]; exists {
			return model.WorkOrder{}, model.NewConflictError(
				fmt.Sprintf("work order number %q already exists", wo.WONumber),
			)
		}
		s.numbers[wo.WONumber] = wo.ID
	}

	s.orders[wo.ID] = wo
	s.history[wo.ID] = []model.WorkOrderEvent{evt}
	return wo.Clone(), nil
}

// Get retrieves a work order by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wo, exists := s.orders[id]
	if !exists {
		return model.WorkOrder{}, model.NewNotFoundError(
			fmt.Sprintf("work order %q not found", id),
		)
	}
	return wo.Clone(), nil
}

// Update applies a patch under the store lock, checking the expected stage.
func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) (model.WorkOrder, error) {
	at := patchTime(patch)
	patch.At = at

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.orders[id]
	if !exists {
		return model.WorkOrder{}, model.NewNotFoundError(
			fmt.Sprintf("work order %q not found", id),
		)
	}

	if patch.ExpectedStage != "" && existing.Stage != patch.ExpectedStage {
		return model.WorkOrder{}, model.NewStaleStageError(id, patch.ExpectedStage, existing.Stage)
	}

	updated := existing.Clone()
	patch.Apply(&updated)
	updated.Version++
	s.orders[id] = updated
	s.history[id] = append(s.history[id], stampEvents(id, patch.Events, at)...)

	return updated.Clone(), nil
}

// List returns matching work orders sorted by creation time, newest first.
func (s *MemoryStore) List(_ context.Context, filters Filters) ([]model.WorkOrder, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkOrder
	for _, wo := range s.orders {
		if filters.matches(wo) {
			result = append(result, wo.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	total := len(result)

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkOrder{}, total, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, total, nil
}

// History returns the work order's events ordered by timestamp.
func (s *MemoryStore) History(_ context.Context, id string) ([]model.WorkOrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.orders[id]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("work order %q not found", id),
		)
	}

	events := s.history[id]
	result := make([]model.WorkOrderEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored work orders. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}
