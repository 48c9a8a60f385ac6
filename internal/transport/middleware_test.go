package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/traveler/internal/config"
	"github.com/pitabwire/traveler/model"
)

func TestRecovery_returns500(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stages", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic should be logged once")
	}
}

func TestCORS(t *testing.T) {
	h := CORS(config.CORSConfig{
		AllowedOrigins: []string{"https://floor.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", HeaderActorID},
		MaxAge:         600,
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", http.MethodGet, "https://floor.example.com", http.StatusOK, "https://floor.example.com"},
		{"unknown origin", http.MethodGet, "https://evil.example.com", http.StatusOK, ""},
		{"preflight", http.MethodOptions, "https://floor.example.com", http.StatusNoContent, "https://floor.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/work-orders", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, "corr-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "corr-42" || rec.Header().Get(HeaderCorrelationID) != "corr-42" {
		t.Errorf("propagated id = %q / %q, want corr-42", seen, rec.Header().Get(HeaderCorrelationID))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "corr-42" {
		t.Errorf("generated id = %q, want a fresh id", seen)
	}
}

func TestBuildRequestContext(t *testing.T) {
	var got *model.RequestContext
	h := RequestID(BuildRequestContext(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/work-orders/wo-1/transfer", nil)
	req.Header.Set(HeaderActorID, " op-7 ")
	req.Header.Set(HeaderActorName, "Li Wei")
	req.Header.Set(HeaderStation, "etch-line-2")
	req.Header.Set(HeaderCorrelationID, "corr-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil {
		t.Fatal("request context not set")
	}
	if got.ActorID != "op-7" || got.ActorName != "Li Wei" || got.Station != "etch-line-2" {
		t.Errorf("attribution = %+v", got)
	}
	if got.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", got.CorrelationID)
	}
	if got.Actor() != "op-7" {
		t.Errorf("Actor() = %q, want op-7", got.Actor())
	}
}

func TestHandlerTimeout(t *testing.T) {
	var deadline time.Time
	var ok bool
	h := HandlerTimeout(time.Second)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !ok || time.Until(deadline) > time.Second {
		t.Errorf("deadline = %v (set=%v), want within 1s", deadline, ok)
	}

	ok = false
	HandlerTimeout(0)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, ok = r.Context().Deadline()
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if ok {
		t.Error("zero timeout should not set a deadline")
	}
}

func TestRequestLogging_levels(t *testing.T) {
	tests := []struct {
		status int
		want   zapcore.Level
	}{
		{http.StatusOK, zapcore.InfoLevel},
		{http.StatusConflict, zapcore.WarnLevel},
		{http.StatusServiceUnavailable, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		core, logs := observer.New(zapcore.DebugLevel)
		h := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))

		ctx := model.WithRequestContext(context.Background(), &model.RequestContext{ActorID: "op-7"})
		req := httptest.NewRequest(http.MethodGet, "/api/stages", nil).WithContext(ctx)
		h.ServeHTTP(httptest.NewRecorder(), req)

		entries := logs.FilterMessage("request").All()
		if len(entries) != 1 {
			t.Fatalf("status %d: %d request logs, want 1", tt.status, len(entries))
		}
		if entries[0].Level != tt.want {
			t.Errorf("status %d logged at %v, want %v", tt.status, entries[0].Level, tt.want)
		}
		if entries[0].ContextMap()["actor_id"] != "op-7" {
			t.Errorf("status %d: actor_id missing from %v", tt.status, entries[0].ContextMap())
		}
	}
}
