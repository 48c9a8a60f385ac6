package workorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/traveler/model"
)

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.Create(ctx, sampleOrder("WO-100", "drilling"))
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, int64(1), created.Version)
		assert.False(t, created.CreatedAt.IsZero())

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "WO-100", got.WONumber)
		assert.Equal(t, "drilling", got.Stage)
		assert.Equal(t, 10, got.Quantity)
		assert.Equal(t, "in_review", got.Status("drillingStatus").State)
		assert.Equal(t, "sam", got.Status("drillingStatus").Owner)
		assert.True(t, got.Checklist("drillingChecklist")["setup"].Items[0].Done)
	})

	t.Run("create duplicate number conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Create(ctx, sampleOrder("WO-200", "drilling"))
		require.NoError(t, err)
		_, err = s.Create(ctx, sampleOrder("WO-200", "etching"))
		assert.True(t, model.IsCode(err, model.ErrConflict), "error = %v", err)
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		assert.True(t, model.IsCode(err, model.ErrNotFound), "error = %v", err)
	})

	t.Run("update merges nested fields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, sampleOrder("WO-300", "drilling"))
		require.NoError(t, err)

		at := time.Now().UTC().Truncate(time.Millisecond)
		ready := true
		updated, err := s.Update(ctx, created.ID, Patch{
			ExpectedStage: "drilling",
			Stage:         "copper_plating",
			TravelerReady: &ready,
			Statuses: map[string]StatusPatch{
				"drillingStatus":      {State: model.StageStateApproved, ReleasedAt: &at},
				"copperPlatingStatus": {State: model.StageStatePending, StartedAt: &at},
			},
			Events: []model.WorkOrderEvent{
				{Event: model.EventStageReleased, FromStage: "drilling", ToStage: "copper_plating", ActorID: "sam"},
				{Event: model.EventStageEntered, FromStage: "drilling", ToStage: "copper_plating", ActorID: "sam"},
			},
			At: at,
		})
		require.NoError(t, err)
		assert.Equal(t, "copper_plating", updated.Stage)
		assert.True(t, updated.TravelerReady)
		assert.Equal(t, int64(2), updated.Version)

		drilling := updated.Status("drillingStatus")
		assert.Equal(t, model.StageStateApproved, drilling.State)
		assert.Equal(t, "sam", drilling.Owner, "sibling field must survive the merge")
		require.NotNil(t, drilling.ReleasedAt)
		assert.True(t, drilling.ReleasedAt.Equal(at))
		assert.Equal(t, model.StageStatePending, updated.Status("copperPlatingStatus").State)

		reread, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "copper_plating", reread.Stage)
		assert.Equal(t, "sam", reread.Status("drillingStatus").Owner)

		history, err := s.History(ctx, created.ID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, model.EventIntake, history[0].Event)
		assert.Equal(t, model.EventStageReleased, history[1].Event)
		assert.Equal(t, model.EventStageEntered, history[2].Event, "events of one patch keep their order")
		assert.Equal(t, created.ID, history[1].WorkOrderID)
		assert.NotEmpty(t, history[1].ID)
	})

	t.Run("update with stale stage", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, sampleOrder("WO-400", "etching"))
		require.NoError(t, err)

		_, err = s.Update(ctx, created.ID, Patch{ExpectedStage: "developer", Stage: "resist_strip"})
		assert.True(t, model.IsCode(err, model.ErrStaleStage), "error = %v", err)

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "etching", got.Stage)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("update missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Update(context.Background(), "missing", Patch{ExpectedStage: "etching", Stage: "resist_strip"})
		assert.True(t, model.IsCode(err, model.ErrNotFound), "error = %v", err)
	})

	t.Run("concurrent conditional updates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, sampleOrder("WO-500", "routing"))
		require.NoError(t, err)

		const attempts = 8
		var wg sync.WaitGroup
		errs := make(chan error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, created.ID, Patch{ExpectedStage: "routing", Stage: "v_score"})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		var ok, stale int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case model.IsCode(err, model.ErrStaleStage):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, attempts-1, stale)
	})

	t.Run("list filters and pages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)

		for i, st := range []string{"drilling", "drilling", "etching", "testing"} {
			wo := sampleOrder("WO-6"+string(rune('0'+i)), st)
			wo.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			if st == "testing" {
				wo.Customer = "Globex"
			}
			_, err := s.Create(ctx, wo)
			require.NoError(t, err)
		}

		all, total, err := s.List(ctx, Filters{})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		require.Len(t, all, 4)
		assert.Equal(t, "WO-63", all[0].WONumber, "newest first")

		drilling, total, err := s.List(ctx, Filters{Stage: "drilling"})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, drilling, 2)

		track, total, err := s.List(ctx, Filters{Stages: []string{"etching", "testing"}})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, track, 2)

		globex, _, err := s.List(ctx, Filters{Customer: "globex"})
		require.NoError(t, err)
		require.Len(t, globex, 1)
		assert.Equal(t, "testing", globex[0].Stage)

		page, total, err := s.List(ctx, Filters{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		require.Len(t, page, 2)
		assert.Equal(t, "WO-62", page[0].WONumber)
	})

	t.Run("history of missing order", func(t *testing.T) {
		s := newStore(t)
		_, err := s.History(context.Background(), "missing")
		assert.True(t, model.IsCode(err, model.ErrNotFound), "error = %v", err)
	})

	t.Run("health check", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.HealthCheck(context.Background()))
	})
}

func sampleOrder(number, stage string) model.WorkOrder {
	return model.WorkOrder{
		WONumber: number,
		Stage:    stage,
		Product:  "Controller board",
		Customer: "Initech",
		Priority: "normal",
		Quantity: 10,
		Statuses: map[string]model.StageStatus{
			"drillingStatus": {State: "in_review", Owner: "sam"},
		},
		Checklists: map[string]model.Checklist{
			"drillingChecklist": {"setup": {Items: []model.ChecklistItem{{Label: "Bits loaded", Done: true}}}},
		},
		Params: map[string]map[string]any{
			"drillingParams": {"spindle": "40k"},
		},
	}
}
