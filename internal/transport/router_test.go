package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/traveler/internal/config"
	"github.com/pitabwire/traveler/internal/dispatch"
	"github.com/pitabwire/traveler/internal/idempotency"
	"github.com/pitabwire/traveler/internal/observability"
	"github.com/pitabwire/traveler/internal/openapi"
	"github.com/pitabwire/traveler/internal/stage"
	"github.com/pitabwire/traveler/internal/transfer"
	"github.com/pitabwire/traveler/internal/workorder"
	"github.com/pitabwire/traveler/model"
)

var fixedNow = time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

type apiHarness struct {
	router     http.Handler
	table      *stage.Table
	orders     *workorder.MemoryStore
	dispatches *dispatch.MemoryStore
	idem       *idempotency.MemoryStore
	metrics    *observability.Metrics
}

// unavailableDispatches stores nothing and fails every Create.
type unavailableDispatches struct {
	*dispatch.MemoryStore
}

func (unavailableDispatches) Create(context.Context, model.DispatchRecord) (model.DispatchRecord, error) {
	return model.DispatchRecord{}, errors.New("connection refused")
}

func newAPI(t *testing.T, failDispatch bool) *apiHarness {
	t.Helper()
	table, err := stage.Load("")
	if err != nil {
		t.Fatalf("stage.Load() error = %v", err)
	}
	index, err := openapi.Load()
	if err != nil {
		t.Fatalf("openapi.Load() error = %v", err)
	}
	reg := prometheus.NewRegistry()
	h := &apiHarness{
		table:      table,
		orders:     workorder.NewMemoryStore(),
		dispatches: dispatch.NewMemoryStore(),
		idem:       idempotency.NewMemoryStore(),
		metrics:    observability.InitMetrics(reg),
	}

	var dispatches dispatch.Store = h.dispatches
	if failDispatch {
		dispatches = unavailableDispatches{h.dispatches}
	}
	exec := transfer.NewExecutor(table, h.orders, dispatches,
		transfer.WithClock(func() time.Time { return fixedNow }),
		transfer.WithObserver(h.metrics),
	)

	h.router = NewRouter(Dependencies{
		Config:      config.Defaults(),
		Table:       table,
		Executor:    exec,
		WorkOrders:  h.orders,
		Dispatches:  dispatches,
		OpenAPI:     index,
		Idempotency: h.idem,
		Metrics:     h.metrics,
		Gatherer:    reg,
		Readiness: observability.ReadinessChecks{
			StageTableLoaded: func() bool { return true },
			OpenAPILoaded:    func() bool { return true },
			WorkOrderStore:   h.orders,
			DispatchStore:    dispatches,
			IdempotencyStore: h.idem,
		},
	})
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) create(t *testing.T, doc string) model.WorkOrder {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/work-orders", doc, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var wo model.WorkOrder
	decode(t, rec, &wo)
	return wo
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

type errorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decode(t, rec, &body)
	return body.Error.Code
}

const photoImagingReady = `{
	"woNumber": "WO-2001",
	"stage": "photo_imaging",
	"customer": "Acme",
	"photoImagingChecklist": {"setup": {"items": [{"checked": true}]}},
	"photoImagingParams": {"exposure": 5},
	"photoImagingStatus": {"state": "approved"}
}`

const testingReady = `{
	"woNumber": "WO-3001",
	"stage": "testing",
	"product": "Motor controller",
	"quantity": 12,
	"testingChecklist": {"functional": {"items": [{"completed": true}]}},
	"testingStatus": {"state": "Completed"}
}`

const etchingNotReady = `{
	"woNumber": "WO-4001",
	"stage": "etching",
	"etchingChecklist": {"rinse": {"items": [{"completed": false}]}},
	"etchingStatus": {"state": "approved"}
}`

func TestStages(t *testing.T) {
	h := newAPI(t, false)

	rec := h.do(t, http.MethodGet, "/api/stages", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list struct {
		Version string        `json:"version"`
		Data    []stage.Stage `json:"data"`
	}
	decode(t, rec, &list)
	if list.Version != h.table.Version() {
		t.Errorf("version = %q, want %q", list.Version, h.table.Version())
	}
	if len(list.Data) != len(h.table.Stages()) {
		t.Errorf("stages = %d, want %d", len(list.Data), len(h.table.Stages()))
	}

	rec = h.do(t, http.MethodGet, "/api/stages?track=wire_harness", "", nil)
	decode(t, rec, &list)
	for _, s := range list.Data {
		if s.Track != "wire_harness" {
			t.Errorf("track filter returned %s in %s", s.ID, s.Track)
		}
	}

	rec = h.do(t, http.MethodGet, "/api/stages/testing_dispatch", "", nil)
	var s stage.Stage
	decode(t, rec, &s)
	if s.Next != "box_build" || s.Dispatch == nil {
		t.Errorf("testing_dispatch = %+v", s)
	}

	rec = h.do(t, http.MethodGet, "/api/stages/nope", "", nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != model.ErrStageNotFound {
		t.Errorf("unknown stage: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestTracks(t *testing.T) {
	h := newAPI(t, false)
	rec := h.do(t, http.MethodGet, "/api/tracks", "", nil)

	var body struct {
		Data []stage.Track `json:"data"`
	}
	decode(t, rec, &body)
	if len(body.Data) != len(h.table.Tracks()) {
		t.Errorf("tracks = %d, want %d", len(body.Data), len(h.table.Tracks()))
	}
}

func TestCreateWorkOrder(t *testing.T) {
	h := newAPI(t, false)

	wo := h.create(t, photoImagingReady)
	if wo.ID == "" || wo.Stage != "photo_imaging" || wo.Version != 1 {
		t.Errorf("created = %+v", wo)
	}
	if got := testutil.ToFloat64(h.metrics.WorkOrdersCreatedTotal.WithLabelValues("photo_imaging")); got != 1 {
		t.Errorf("work_orders_created_total = %v, want 1", got)
	}

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"duplicate number", photoImagingReady, http.StatusConflict, model.ErrConflict},
		{"unknown stage", `{"woNumber":"WO-9","stage":"lamination"}`, http.StatusBadRequest, model.ErrValidationError},
		{"missing number", `{"stage":"etching"}`, http.StatusBadRequest, model.ErrValidationError},
		{"wrong type", `{"woNumber":"WO-9","stage":"etching","quantity":"many"}`, http.StatusBadRequest, model.ErrValidationError},
		{"not json", `{`, http.StatusBadRequest, model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/work-orders", tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if got := errorCode(t, rec); got != tt.wantErr {
				t.Errorf("code = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestListAndGetWorkOrders(t *testing.T) {
	h := newAPI(t, false)
	pcb := h.create(t, photoImagingReady)
	h.create(t, testingReady)

	rec := h.do(t, http.MethodGet, "/api/work-orders?track=pcb", "", nil)
	var page struct {
		Data []model.WorkOrder `json:"data"`
		Meta struct {
			TotalCount int `json:"total_count"`
			PageSize   int `json:"page_size"`
		} `json:"meta"`
	}
	decode(t, rec, &page)
	if page.Meta.TotalCount != 1 || len(page.Data) != 1 || page.Data[0].ID != pcb.ID {
		t.Errorf("pcb page = %+v", page)
	}

	rec = h.do(t, http.MethodGet, "/api/work-orders?page_size=1", "", nil)
	decode(t, rec, &page)
	if page.Meta.TotalCount != 2 || len(page.Data) != 1 || page.Meta.PageSize != 1 {
		t.Errorf("paged = %+v", page)
	}

	for _, path := range []string{"/api/work-orders?track=nope", "/api/work-orders?page=0", "/api/work-orders?page_size=500",
		"/api/work-orders?page=9223372036854775807", "/api/work-orders?page=10737420&page_size=200"} {
		if rec := h.do(t, http.MethodGet, path, "", nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}

	rec = h.do(t, http.MethodGet, "/api/work-orders/"+pcb.ID, "", nil)
	var got model.WorkOrder
	decode(t, rec, &got)
	if got.Status("photoImagingStatus").State != "approved" {
		t.Errorf("nested status lost on read: %+v", got.Statuses)
	}

	if rec := h.do(t, http.MethodGet, "/api/work-orders/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rec.Code)
	}
}

func TestReadiness(t *testing.T) {
	h := newAPI(t, false)
	ready := h.create(t, photoImagingReady)
	blocked := h.create(t, etchingNotReady)
	dispatching := h.create(t, testingReady)

	var view readinessView
	decode(t, h.do(t, http.MethodGet, "/api/work-orders/"+ready.ID+"/readiness", "", nil), &view)
	if !view.AllReady || view.NextStage != "developer" || view.NextStageLabel != "Developer" {
		t.Errorf("ready view = %+v", view)
	}
	if !view.Flags[model.FlagFilesUploaded] {
		t.Error("filesUploaded should always be satisfied")
	}

	view = readinessView{}
	decode(t, h.do(t, http.MethodGet, "/api/work-orders/"+blocked.ID+"/readiness", "", nil), &view)
	if view.AllReady {
		t.Error("etching order should not be ready")
	}
	if strings.Join(view.Failing, ",") != "checklistComplete,parametersSet" {
		t.Errorf("failing = %v", view.Failing)
	}

	view = readinessView{}
	decode(t, h.do(t, http.MethodGet, "/api/work-orders/"+dispatching.ID+"/readiness", "", nil), &view)
	if !view.DispatchOnTransfer {
		t.Error("testing -> testing_dispatch should announce a dispatch")
	}
}

func TestTransfer(t *testing.T) {
	h := newAPI(t, false)
	wo := h.create(t, photoImagingReady)

	rec := h.do(t, http.MethodPost, "/api/work-orders/"+wo.ID+"/transfer",
		`{"fromStage":"photo_imaging"}`, map[string]string{HeaderActorID: "op-7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp transferResponse
	decode(t, rec, &resp)
	if resp.WorkOrder.Stage != "developer" || !resp.WorkOrder.TravelerReady {
		t.Errorf("work order = %+v", resp.WorkOrder)
	}
	if resp.Transition.From != "photo_imaging" || resp.Transition.To != "developer" {
		t.Errorf("transition = %+v", resp.Transition)
	}
	if len(resp.Warnings) != 0 {
		t.Errorf("warnings = %+v", resp.Warnings)
	}

	var history struct {
		Data []model.WorkOrderEvent `json:"data"`
	}
	decode(t, h.do(t, http.MethodGet, "/api/work-orders/"+wo.ID+"/history", "", nil), &history)
	if len(history.Data) != 3 {
		t.Fatalf("history = %+v, want intake + released + entered", history.Data)
	}
	if history.Data[1].ActorID != "op-7" {
		t.Errorf("release actor = %q, want op-7 from header", history.Data[1].ActorID)
	}

	got := testutil.ToFloat64(h.metrics.TransfersTotal.WithLabelValues("photo_imaging", transfer.OutcomeTransferred))
	if got != 1 {
		t.Errorf("transfers_total = %v, want 1", got)
	}
}

func TestTransfer_errors(t *testing.T) {
	h := newAPI(t, false)
	ready := h.create(t, photoImagingReady)
	blocked := h.create(t, etchingNotReady)

	tests := []struct {
		name     string
		id       string
		body     string
		wantCode int
		wantErr  string
	}{
		{"not ready", blocked.ID, `{"fromStage":"etching"}`, http.StatusUnprocessableEntity, model.ErrReadinessNotMet},
		{"stale", ready.ID, `{"fromStage":"developer"}`, http.StatusConflict, model.ErrStaleStage},
		{"unknown stage", ready.ID, `{"fromStage":"lamination"}`, http.StatusNotFound, model.ErrStageNotFound},
		{"missing order", "nope", `{"fromStage":"photo_imaging"}`, http.StatusNotFound, model.ErrNotFound},
		{"missing fromStage", ready.ID, `{"actor":"x"}`, http.StatusBadRequest, model.ErrValidationError},
		{"unexpected field", ready.ID, `{"fromStage":"photo_imaging","force":true}`, http.StatusBadRequest, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/work-orders/"+tt.id+"/transfer", tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if got := errorCode(t, rec); got != tt.wantErr {
				t.Errorf("code = %q, want %q", got, tt.wantErr)
			}
		})
	}

	var body errorBody
	decode(t, h.do(t, http.MethodPost, "/api/work-orders/"+blocked.ID+"/transfer", `{"fromStage":"etching"}`, nil), &body)
	if len(body.Error.Details) != 2 {
		t.Errorf("readiness details = %+v, want one per failing flag", body.Error.Details)
	}
}

func TestTransfer_createsDispatch(t *testing.T) {
	h := newAPI(t, false)
	wo := h.create(t, testingReady)

	rec := h.do(t, http.MethodPost, "/api/work-orders/"+wo.ID+"/transfer", `{"fromStage":"testing","actor":"qa"}`, nil)
	var resp transferResponse
	decode(t, rec, &resp)
	if resp.Dispatch == nil || resp.Dispatch.Stage != "testing_dispatch" {
		t.Fatalf("dispatch = %+v", resp.Dispatch)
	}
	if resp.Dispatch.Items[0].Quantity != 12 {
		t.Errorf("quantity = %d, want 12", resp.Dispatch.Items[0].Quantity)
	}

	var list struct {
		Data []model.DispatchRecord `json:"data"`
	}
	decode(t, h.do(t, http.MethodGet, "/api/work-orders/"+wo.ID+"/dispatches", "", nil), &list)
	if len(list.Data) != 1 || list.Data[0].ID != resp.Dispatch.ID {
		t.Errorf("dispatches = %+v", list.Data)
	}

	if rec := h.do(t, http.MethodGet, "/api/work-orders/nope/dispatches", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("dispatches of missing order: status = %d, want 404", rec.Code)
	}
}

func TestTransfer_dispatchFailureIsWarning(t *testing.T) {
	h := newAPI(t, true)
	wo := h.create(t, testingReady)

	rec := h.do(t, http.MethodPost, "/api/work-orders/"+wo.ID+"/transfer", `{"fromStage":"testing"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var resp transferResponse
	decode(t, rec, &resp)
	if resp.WorkOrder.Stage != "testing_dispatch" {
		t.Errorf("stage = %q, the stage change must stand", resp.WorkOrder.Stage)
	}
	if len(resp.Warnings) != 1 || resp.Warnings[0].Code != model.ErrDispatchFailed {
		t.Errorf("warnings = %+v", resp.Warnings)
	}
	if resp.Dispatch != nil {
		t.Errorf("dispatch = %+v, want none", resp.Dispatch)
	}

	stored, err := h.orders.Get(context.Background(), wo.ID)
	if err != nil || stored.Stage != "testing_dispatch" {
		t.Errorf("stored stage = %q (%v)", stored.Stage, err)
	}
}

func TestTransfer_idempotentReplay(t *testing.T) {
	h := newAPI(t, false)
	wo := h.create(t, testingReady)
	path := "/api/work-orders/" + wo.ID + "/transfer"
	key := map[string]string{HeaderIdempotencyKey: "scan-1"}

	first := h.do(t, http.MethodPost, path, `{"fromStage":"testing"}`, key)
	second := h.do(t, http.MethodPost, path, `{"fromStage":"testing"}`, key)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("status = %d / %d", first.Code, second.Code)
	}
	if second.Header().Get(HeaderIdempotentHit) != "true" {
		t.Error("second response should be marked as a replay")
	}
	if strings.TrimSpace(first.Body.String()) != strings.TrimSpace(second.Body.String()) {
		t.Error("replayed body differs from the original")
	}
	if h.dispatches.Len() != 1 {
		t.Errorf("dispatch records = %d, want 1", h.dispatches.Len())
	}
	if got := testutil.ToFloat64(h.metrics.IdempotencyReplaysTotal); got != 1 {
		t.Errorf("replays = %v, want 1", got)
	}

	rec := h.do(t, http.MethodPost, path, `{"fromStage":"testing_dispatch"}`, key)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != model.ErrConflict {
		t.Errorf("key reuse: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestPublicEndpoints(t *testing.T) {
	h := newAPI(t, false)

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/readyz", http.StatusOK, `"dispatch_store"`},
		{"/metrics", http.StatusOK, "traveler_transfers_total"},
		{"/api/openapi.yaml", http.StatusOK, "transferWorkOrder"},
	}
	h.do(t, http.MethodPost, "/api/work-orders/x/transfer", `{"fromStage":"etching"}`, nil)
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, tt.path, "", nil)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("body does not contain %q", tt.contains)
			}
		})
	}
}

func TestRouter_setsCorrelationHeader(t *testing.T) {
	h := newAPI(t, false)
	rec := h.do(t, http.MethodGet, "/api/tracks", "", map[string]string{HeaderCorrelationID: "corr-9"})
	if rec.Header().Get(HeaderCorrelationID) != "corr-9" {
		t.Errorf("X-Correlation-Id = %q", rec.Header().Get(HeaderCorrelationID))
	}
}
