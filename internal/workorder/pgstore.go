package workorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/traveler/internal/storage/postgres"
	"github.com/pitabwire/traveler/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. The full work order is
// kept in a JSONB document; the columns beside it exist for filtering and
// locking.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL work order store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new work order and its intake event.
func (s *PgStore) Create(ctx context.Context, wo model.WorkOrder) (model.WorkOrder, error) {
	wo, evt := prepareCreate(wo, nowUTC())

	doc, err := json.Marshal(wo)
	if err != nil {
		return model.WorkOrder{}, fmt.Errorf("marshal work order: %w", err)
	}

	err = postgres.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO work_orders (
				id, wo_number, stage, customer, priority,
				version, document, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			wo.ID, wo.WONumber, wo.Stage, wo.Customer, wo.Priority,
			wo.Version, doc, wo.CreatedAt, wo.UpdatedAt,
		)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return model.NewConflictError(
					fmt.Sprintf("work order %q or number %q already exists", wo.ID, wo.WONumber),
				)
			}
			return fmt.Errorf("insert work order: %w", err)
		}
		return insertEvents(ctx, tx, []model.WorkOrderEvent{evt})
	})
	if err != nil {
		return model.WorkOrder{}, err
	}
	return wo, nil
}

// Get retrieves a work order by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.WorkOrder, error) {
	return scanWorkOrder(s.pool.QueryRow(ctx,
		`SELECT document, version FROM work_orders WHERE id = $1`, id,
	), id)
}

// Update locks the row, checks the expected stage, merges the patch into the
// stored document and appends the patch events, all in one transaction.
func (s *PgStore) Update(ctx context.Context, id string, patch Patch) (model.WorkOrder, error) {
	at := patchTime(patch)
	patch.At = at

	var updated model.WorkOrder
	err := postgres.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanWorkOrder(tx.QueryRow(ctx,
			`SELECT document, version FROM work_orders WHERE id = $1 FOR UPDATE`, id,
		), id)
		if err != nil {
			return err
		}

		if patch.ExpectedStage != "" && current.Stage != patch.ExpectedStage {
			return model.NewStaleStageError(id, patch.ExpectedStage, current.Stage)
		}

		updated = current
		patch.Apply(&updated)
		updated.Version = current.Version + 1

		doc, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("marshal work order: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE work_orders SET
				stage = $1,
				version = $2,
				document = $3,
				updated_at = $4
			WHERE id = $5 AND version = $6`,
			updated.Stage, updated.Version, doc, updated.UpdatedAt,
			id, current.Version,
		)
		if err != nil {
			return fmt.Errorf("update work order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewStaleStageError(id, patch.ExpectedStage, current.Stage)
		}

		return insertEvents(ctx, tx, stampEvents(id, patch.Events, at))
	})
	if err != nil {
		return model.WorkOrder{}, err
	}
	return updated, nil
}

// List returns matching work orders, newest first.
func (s *PgStore) List(ctx context.Context, filters Filters) ([]model.WorkOrder, int, error) {
	where := " WHERE 1=1"
	var args []any
	argIdx := 1

	if filters.Stage != "" {
		where += fmt.Sprintf(" AND stage = $%d", argIdx)
		args = append(args, filters.Stage)
		argIdx++
	}
	if len(filters.Stages) > 0 {
		where += fmt.Sprintf(" AND stage = ANY($%d)", argIdx)
		args = append(args, filters.Stages)
		argIdx++
	}
	if filters.Customer != "" {
		where += fmt.Sprintf(" AND lower(customer) = lower($%d)", argIdx)
		args = append(args, filters.Customer)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM work_orders"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count work orders: %w", err)
	}

	query := "SELECT document, version FROM work_orders" + where + " ORDER BY created_at DESC, id ASC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query work orders: %w", err)
	}
	defer rows.Close()

	result := []model.WorkOrder{}
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, 0, fmt.Errorf("scan work order: %w", err)
		}
		wo, err := decodeDocument(doc, version)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, wo)
	}
	return result, total, rows.Err()
}

// History returns the events recorded for a work order.
func (s *PgStore) History(ctx context.Context, id string) ([]model.WorkOrderEvent, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM work_orders WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("query work order: %w", err)
	}
	if !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("work order %q not found", id))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, work_order_id, event, from_stage, to_stage, actor_id, comment, created_at
		FROM work_order_events
		WHERE work_order_id = $1
		ORDER BY created_at ASC, seq ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query work order events: %w", err)
	}
	defer rows.Close()

	events := []model.WorkOrderEvent{}
	for rows.Next() {
		var evt model.WorkOrderEvent
		if err := rows.Scan(
			&evt.ID, &evt.WorkOrderID, &evt.Event, &evt.FromStage,
			&evt.ToStage, &evt.ActorID, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan work order event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []model.WorkOrderEvent) error {
	for _, evt := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO work_order_events (
				id, work_order_id, event, from_stage, to_stage, actor_id, comment, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			evt.ID, evt.WorkOrderID, evt.Event, evt.FromStage,
			evt.ToStage, evt.ActorID, evt.Comment, evt.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert work order event: %w", err)
		}
	}
	return nil
}

func scanWorkOrder(row pgx.Row, id string) (model.WorkOrder, error) {
	var doc []byte
	var version int64
	err := row.Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkOrder{}, model.NewNotFoundError(
			fmt.Sprintf("work order %q not found", id),
		)
	}
	if err != nil {
		return model.WorkOrder{}, fmt.Errorf("query work order: %w", err)
	}
	return decodeDocument(doc, version)
}

func decodeDocument(doc []byte, version int64) (model.WorkOrder, error) {
	var wo model.WorkOrder
	if err := json.Unmarshal(doc, &wo); err != nil {
		return model.WorkOrder{}, fmt.Errorf("unmarshal work order: %w", err)
	}
	wo.Version = version
	wo.Normalize()
	return wo, nil
}
