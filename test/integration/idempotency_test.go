package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func transferWithKey(h *TestHarness, id, from, key string) *http.Response {
	h.t.Helper()
	return h.POSTWithHeaders("/api/work-orders/"+id+"/transfer",
		map[string]string{"fromStage": from},
		map[string]string{"X-Idempotency-Key": key, "X-Actor-Id": "scanner-3"})
}

func TestIdempotency_ReplayWithRedis(t *testing.T) {
	h := NewTestHarness(t, WithRedisIdempotency())
	id := h.CreateWorkOrder(t, ReadyFixture(h.Table, "WO-1000", "testing"))

	first := transferWithKey(h, id, "testing", "scan-42")
	firstBody := h.ReadBody(first)
	second := transferWithKey(h, id, "testing", "scan-42")
	secondBody := h.ReadBody(second)

	if first.StatusCode != http.StatusOK || second.StatusCode != http.StatusOK {
		t.Fatalf("status = %d / %d", first.StatusCode, second.StatusCode)
	}
	if second.Header.Get("X-Idempotent-Replay") != "true" {
		t.Error("second response should be marked as a replay")
	}
	if first.Header.Get("X-Idempotent-Replay") != "" {
		t.Error("first response must not be marked as a replay")
	}
	if strings.TrimSpace(string(firstBody)) != strings.TrimSpace(string(secondBody)) {
		t.Errorf("replayed body differs:\n%s\n%s", firstBody, secondBody)
	}
	if h.DispatchBackend.Len() != 1 {
		t.Errorf("dispatch records = %d, want 1", h.DispatchBackend.Len())
	}
	if len(h.Redis.Keys()) == 0 {
		t.Error("response should be stored in redis")
	}
	if !strings.Contains(h.MetricsText(t), "traveler_idempotency_replays_total 1") {
		t.Error("replay not counted")
	}
}

func TestIdempotency_KeyReuseWithOtherBodyConflicts(t *testing.T) {
	h := NewTestHarness(t)
	id := h.CreateWorkOrder(t, ReadyFixture(h.Table, "WO-1001", "photo_imaging"))

	h.AssertStatus(t, transferWithKey(h, id, "photo_imaging", "scan-1"), http.StatusOK)
	h.AssertErrorCode(t, transferWithKey(h, id, "developer", "scan-1"), http.StatusConflict, "CONFLICT")

	if !strings.Contains(h.MetricsText(t), "traveler_idempotency_conflicts_total 1") {
		t.Error("conflict not counted")
	}
}

func TestIdempotency_ReformattedBodyReplays(t *testing.T) {
	h := NewTestHarness(t)
	id := h.CreateWorkOrder(t, ReadyFixture(h.Table, "WO-1004", "testing"))
	headers := map[string]string{"X-Idempotency-Key": "scan-77", "X-Actor-Id": "scanner-3"}
	path := "/api/work-orders/" + id + "/transfer"

	first := h.POSTWithHeaders(path, `{"fromStage":"testing","actor":"sam"}`, headers)
	h.AssertStatus(t, first, http.StatusOK)

	second := h.POSTWithHeaders(path, "{\n  \"actor\": \"sam\",\n  \"fromStage\": \"testing\"\n}", headers)
	h.AssertStatus(t, second, http.StatusOK)
	if second.Header.Get("X-Idempotent-Replay") != "true" {
		t.Error("a reformatted retry should replay the first response")
	}
	if h.DispatchBackend.Len() != 1 {
		t.Errorf("dispatch records = %d, want 1", h.DispatchBackend.Len())
	}
}

func TestIdempotency_KeysAreScopedToWorkOrder(t *testing.T) {
	h := NewTestHarness(t)
	a := h.CreateWorkOrder(t, ReadyFixture(h.Table, "WO-1002", "photo_imaging"))
	b := h.CreateWorkOrder(t, ReadyFixture(h.Table, "WO-1003", "photo_imaging"))

	h.AssertStatus(t, transferWithKey(h, a, "photo_imaging", "same-key"), http.StatusOK)
	resp := transferWithKey(h, b, "photo_imaging", "same-key")
	if resp.Header.Get("X-Idempotent-Replay") != "" {
		t.Error("key of another work order must not replay")
	}
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestIdempotency_ExpiredKeyRunsAgain(t *testing.T) {
	h := NewTestHarness(t, WithRedisIdempotency())
	id := h.CreateWorkOrder(t, ReadyFixture(h.Table, "WO-1004", "photo_imaging"))

	h.AssertStatus(t, transferWithKey(h, id, "photo_imaging", "scan-7"), http.StatusOK)
	h.Redis.FastForward(2 * time.Hour)

	// The order has moved on, so re-running the request is now stale.
	h.AssertErrorCode(t, transferWithKey(h, id, "photo_imaging", "scan-7"), http.StatusConflict, "STALE_STAGE")
}

func TestIdempotency_FailedTransfersAreNotCached(t *testing.T) {
	h := NewTestHarness(t)
	doc := WorkOrderFixture("WO-1005", "photo_imaging")
	id := h.CreateWorkOrder(t, doc)

	h.AssertErrorCode(t, transferWithKey(h, id, "photo_imaging", "scan-9"), http.StatusUnprocessableEntity, "READINESS_NOT_MET")
	resp := transferWithKey(h, id, "photo_imaging", "scan-9")
	if resp.Header.Get("X-Idempotent-Replay") != "" {
		t.Error("a rejected transfer must not be replayed")
	}
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestIdempotency_StoreDown(t *testing.T) {
	h := NewTestHarness(t, WithRedisIdempotency())
	id := h.CreateWorkOrder(t, ReadyFixture(h.Table, "WO-1006", "photo_imaging"))
	h.Redis.Close()

	h.AssertErrorCode(t, transferWithKey(h, id, "photo_imaging", "scan-11"), http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE")

	// Transfers without a key do not depend on the idempotency store.
	h.MustTransfer(t, id, "photo_imaging", "op-1")
}
