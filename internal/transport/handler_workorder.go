package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/traveler/internal/dispatch"
	"github.com/pitabwire/traveler/internal/observability"
	"github.com/pitabwire/traveler/internal/openapi"
	"github.com/pitabwire/traveler/internal/readiness"
	"github.com/pitabwire/traveler/internal/stage"
	"github.com/pitabwire/traveler/internal/transfer"
	"github.com/pitabwire/traveler/internal/workorder"
	"github.com/pitabwire/traveler/model"
)

const maxBodyBytes = 1 << 20

const (
	defaultPageSize = 20
	maxPageSize     = 200
	maxOffset       = math.MaxInt32
)

// readBody reads the request body and checks it against the operation's
// schema when an index is available. It returns the raw bytes for typed
// decoding and hashing.
func readBody(w http.ResponseWriter, r *http.Request, index *openapi.Index, operationID string) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, model.NewBadRequestError(fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
		}
		return nil, model.NewBadRequestError("unable to read request body")
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, model.NewBadRequestError("invalid JSON body")
	}
	if index != nil {
		if details := index.ValidateBody(operationID, generic); len(details) > 0 {
			return nil, model.NewValidationError(details)
		}
	}
	return data, nil
}

func handleCreateWorkOrder(store workorder.Store, table *stage.Table, index *openapi.Index, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := readBody(w, r, index, "createWorkOrder")
		if err != nil {
			WriteError(w, r, err)
			return
		}

		var wo model.WorkOrder
		if err := json.Unmarshal(data, &wo); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid work order: "+err.Error()))
			return
		}
		var missing []model.FieldError
		for _, f := range []struct{ name, val string }{{"woNumber", wo.WONumber}, {"stage", wo.Stage}} {
			if f.val == "" {
				missing = append(missing, model.FieldError{Field: f.name, Code: "REQUIRED", Message: f.name + " is required"})
			}
		}
		if len(missing) > 0 {
			WriteValidationError(w, r, missing)
			return
		}
		if !table.Has(wo.Stage) {
			WriteValidationError(w, r, []model.FieldError{{
				Field:   "stage",
				Code:    model.ErrStageNotFound,
				Message: fmt.Sprintf("stage %q is not defined in the stage table", wo.Stage),
			}})
			return
		}

		created, err := store.Create(r.Context(), wo)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		if metrics != nil {
			metrics.RecordWorkOrderCreated(created.Stage)
		}
		requestLogger(r).Sugar().Infow("work order created",
			"work_order_id", created.ID,
			"wo_number", created.WONumber,
			"stage", created.Stage,
		)
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleListWorkOrders(store workorder.Store, table *stage.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := queryInt(r, "page", 1)
		pageSize := queryInt(r, "page_size", defaultPageSize)
		if page < 1 || pageSize < 1 || pageSize > maxPageSize {
			WriteError(w, r, model.NewBadRequestError(
				fmt.Sprintf("page must be >= 1 and page_size between 1 and %d", maxPageSize)))
			return
		}
		if page-1 > maxOffset/pageSize {
			WriteError(w, r, model.NewBadRequestError(fmt.Sprintf("page %d is out of range", page)))
			return
		}

		filters := workorder.Filters{
			Stage:    q.Get("stage"),
			Customer: q.Get("customer"),
			Limit:    pageSize,
			Offset:   (page - 1) * pageSize,
		}
		if track := q.Get("track"); track != "" {
			stages, ok := table.TrackStages(track)
			if !ok {
				WriteError(w, r, model.NewBadRequestError(fmt.Sprintf("unknown track %q", track)))
				return
			}
			filters.Stages = stages
		}

		orders, total, err := store.List(r.Context(), filters)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		if orders == nil {
			orders = []model.WorkOrder{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": orders,
			"meta": map[string]int{
				"total_count": total,
				"page":        page,
				"page_size":   pageSize,
			},
		})
	}
}

func handleGetWorkOrder(store workorder.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wo, err := store.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, wo)
	}
}

// readinessView is what a station screen needs to show the transfer action.
type readinessView struct {
	Stage              string          `json:"stage"`
	StageLabel         string          `json:"stageLabel,omitempty"`
	Flags              readiness.Flags `json:"flags"`
	AllReady           bool            `json:"allReady"`
	Failing            []string        `json:"failing,omitempty"`
	NextStage          string          `json:"nextStage,omitempty"`
	NextStageLabel     string          `json:"nextStageLabel,omitempty"`
	Terminal           bool            `json:"terminal"`
	DispatchOnTransfer bool            `json:"dispatchOnTransfer"`
}

func buildReadinessView(table *stage.Table, evaluator *readiness.Evaluator, wo model.WorkOrder) readinessView {
	flags := evaluator.Evaluate(wo, wo.Stage)
	view := readinessView{
		Stage:    wo.Stage,
		Flags:    flags,
		AllReady: readiness.AllReady(flags),
		Failing:  flags.Failing(),
	}

	cur, err := table.Lookup(wo.Stage)
	if err != nil {
		return view
	}
	view.StageLabel = cur.Label
	view.Terminal = cur.Terminal()
	if !view.Terminal {
		view.NextStage = cur.Next
		view.NextStageLabel, _ = table.DisplayName(cur.Next)
		view.DispatchOnTransfer = table.RequiresDispatchOnEntry(cur.Next)
	}
	return view
}

func handleGetReadiness(store workorder.Store, table *stage.Table, executor *transfer.Executor) http.HandlerFunc {
	evaluator := executor.Evaluator()
	return func(w http.ResponseWriter, r *http.Request) {
		wo, err := store.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, buildReadinessView(table, evaluator, wo))
	}
}

func handleGetHistory(store workorder.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := store.History(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		if events == nil {
			events = []model.WorkOrderEvent{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

func handleListDispatches(orders workorder.Store, dispatches dispatch.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := orders.Get(r.Context(), id); err != nil {
			writeStoreError(w, r, err)
			return
		}

		records := []model.DispatchRecord{}
		if dispatches != nil {
			found, err := dispatches.ListByWorkOrder(r.Context(), id)
			if err != nil {
				writeStoreError(w, r, err)
				return
			}
			if found != nil {
				records = found
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": records})
	}
}

// writeStoreError writes err, logging infrastructure failures that carry no
// envelope before they are masked as INTERNAL_ERROR.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if model.CodeOf(err) == "" {
		requestLogger(r).Sugar().Errorw("store operation failed",
			"path", r.URL.Path,
			"error", err,
		)
	}
	WriteError(w, r, err)
}

func requestLogger(r *http.Request) *zap.Logger {
	return observability.LoggerFrom(r.Context(), zap.NewNop())
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
