package integration

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t, WithRedisIdempotency(), WithKafka())

	resp := h.GET("/healthz")
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		var body map[string]string
		h.AssertJSON(t, h.GET("/healthz"), http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		var body struct {
			Status string                       `json:"status"`
			Checks map[string]map[string]string `json:"checks"`
		}
		h.AssertJSON(t, h.GET("/readyz"), http.StatusOK, &body)
		for _, name := range []string{"stage_table", "openapi_index", "work_order_store", "dispatch_store", "idempotency_store"} {
			if body.Checks[name]["status"] != "ok" {
				t.Errorf("check %s = %v, want ok", name, body.Checks[name])
			}
		}
	})

	t.Run("dispatch backend down", func(t *testing.T) {
		h.DispatchBackend.FailAll()
		defer h.DispatchBackend.Recover()

		var body struct {
			Status string `json:"status"`
		}
		h.AssertJSON(t, h.GET("/readyz"), http.StatusServiceUnavailable, &body)
		if body.Status != "not_ready" {
			t.Errorf("status = %q, want not_ready", body.Status)
		}
	})
}

func TestHarness_BuiltInStageTable(t *testing.T) {
	h := NewTestHarness(t)

	var stages struct {
		Version string           `json:"version"`
		Data    []map[string]any `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/stages"), http.StatusOK, &stages)
	if len(stages.Data) != len(h.Table.Stages()) {
		t.Errorf("stages = %d, want %d", len(stages.Data), len(h.Table.Stages()))
	}
	if stages.Version != h.Table.Version() {
		t.Errorf("version = %q, want %q", stages.Version, h.Table.Version())
	}
}

func TestHarness_StageTableFromFile(t *testing.T) {
	h := NewTestHarness(t, WithStagesFile("paint_line.yaml"))

	var stages struct {
		Version string           `json:"version"`
		Data    []map[string]any `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/stages"), http.StatusOK, &stages)
	if stages.Version != "paint-1" || len(stages.Data) != 5 {
		t.Errorf("stage table = %s %d stages, want paint-1 with 5", stages.Version, len(stages.Data))
	}

	var tracks struct {
		Data []struct {
			ID     string   `json:"id"`
			Stages []string `json:"stages"`
		} `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/tracks"), http.StatusOK, &tracks)
	if len(tracks.Data) != 1 || tracks.Data[0].ID != "powder_coat" {
		t.Fatalf("tracks = %+v", tracks.Data)
	}

	// Stages of the built-in table are unknown here.
	h.AssertErrorCode(t, h.GET("/api/stages/photo_imaging"), http.StatusNotFound, "STAGE_NOT_FOUND")
	h.AssertErrorCode(t, h.POST("/api/work-orders", WorkOrderFixture("WO-1", "photo_imaging")),
		http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestHarness_OpenAPIDocument(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/openapi.yaml")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	doc := string(h.ReadBody(resp))
	for _, opID := range h.OAIndex.OperationIDs() {
		if !strings.Contains(doc, "operationId: "+opID) {
			t.Errorf("served document lacks operation %s", opID)
		}
	}
}

func TestHarness_Metrics(t *testing.T) {
	h := NewTestHarness(t)
	h.GET("/api/tracks").Body.Close()

	text := h.MetricsText(t)
	for _, want := range []string{
		fmt.Sprintf("traveler_stages_loaded %d", len(h.Table.Stages())),
		`traveler_http_requests_total{method="GET",path_pattern="/api/tracks",status="200"} 1`,
		`traveler_dispatch_breaker_state 0`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
