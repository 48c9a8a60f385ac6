package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/traveler/internal/storage/postgres"
	"github.com/pitabwire/traveler/model"
)

// PgStore is a PostgreSQL-backed dispatch Store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL dispatch store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a dispatch record.
func (s *PgStore) Create(ctx context.Context, rec model.DispatchRecord) (model.DispatchRecord, error) {
	rec = prepareRecord(rec)

	items, err := json.Marshal(rec.Items)
	if err != nil {
		return model.DispatchRecord{}, fmt.Errorf("marshal dispatch items: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO dispatch_records (
			id, work_order_id, wo_number, stage, released_at,
			items, tags, priority, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.WorkOrderID, rec.WONumber, rec.Stage, rec.ReleasedAt,
		items, rec.Tags, rec.Priority, rec.CreatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return model.DispatchRecord{}, model.NewConflictError(
				fmt.Sprintf("dispatch record %q already exists", rec.ID),
			)
		}
		return model.DispatchRecord{}, fmt.Errorf("insert dispatch record: %w", err)
	}
	return rec, nil
}

// ListByWorkOrder returns a work order's dispatch records.
func (s *PgStore) ListByWorkOrder(ctx context.Context, workOrderID string) ([]model.DispatchRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, work_order_id, wo_number, stage, released_at,
		       items, tags, priority, created_at
		FROM dispatch_records
		WHERE work_order_id = $1
		ORDER BY created_at ASC, id ASC`,
		workOrderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dispatch records: %w", err)
	}
	defer rows.Close()

	result := []model.DispatchRecord{}
	for rows.Next() {
		var rec model.DispatchRecord
		var items []byte
		if err := rows.Scan(
			&rec.ID, &rec.WorkOrderID, &rec.WONumber, &rec.Stage, &rec.ReleasedAt,
			&items, &rec.Tags, &rec.Priority, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dispatch record: %w", err)
		}
		if err := json.Unmarshal(items, &rec.Items); err != nil {
			return nil, fmt.Errorf("unmarshal dispatch items: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
