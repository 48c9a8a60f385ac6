// Package dispatch stores the hand-off records created when work orders
// enter dispatch stages, guards their creation with a circuit breaker and
// optionally announces them on Kafka.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/pitabwire/traveler/model"
)

// Creator creates dispatch records.
type Creator interface {
	Create(ctx context.Context, rec model.DispatchRecord) (model.DispatchRecord, error)
}

// Store persists dispatch records.
type Store interface {
	Creator

	// ListByWorkOrder returns the records created for a work order, oldest
	// first.
	ListByWorkOrder(ctx context.Context, workOrderID string) ([]model.DispatchRecord, error)

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

func prepareRecord(rec model.DispatchRecord) model.DispatchRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.ReleasedAt
	}
	if rec.Items == nil {
		rec.Items = []model.DispatchItem{}
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	return rec
}

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.DispatchRecord // key: record ID
}

// NewMemoryStore creates a new in-memory dispatch store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.DispatchRecord)}
}

// Create stores a dispatch record.
func (s *MemoryStore) Create(_ context.Context, rec model.DispatchRecord) (model.DispatchRecord, error) {
	rec = prepareRecord(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return model.DispatchRecord{}, model.NewConflictError(
			fmt.Sprintf("dispatch record %q already exists", rec.ID),
		)
	}
	s.records[rec.ID] = rec
	return rec, nil
}

// ListByWorkOrder returns a work order's dispatch records by creation time.
func (s *MemoryStore) ListByWorkOrder(_ context.Context, workOrderID string) ([]model.DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.DispatchRecord{}
	for _, rec := range s.records {
		if rec.WorkOrderID == workOrderID {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored records. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
