package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/traveler/internal/idempotency"
	"github.com/pitabwire/traveler/internal/observability"
	"github.com/pitabwire/traveler/internal/openapi"
	"github.com/pitabwire/traveler/internal/transfer"
	"github.com/pitabwire/traveler/model"
)

const defaultIdempotencyTTL = 24 * time.Hour

type transferDeps struct {
	executor    *transfer.Executor
	index       *openapi.Index
	idempotency idempotency.Store
	ttl         time.Duration
	metrics     *observability.Metrics
	logger      *zap.Logger
}

type transferRequest struct {
	FromStage string `json:"fromStage"`
	Actor     string `json:"actor,omitempty"`
}

// hashTransferRequest hashes the decoded request so that retries differing
// only in formatting or key order match.
func hashTransferRequest(req transferRequest) string {
	data, _ := json.Marshal(req)
	return idempotency.Hash(data)
}

// Warning reports a side effect that failed after the transfer committed.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type transferResponse struct {
	WorkOrder  model.WorkOrder       `json:"workOrder"`
	Transition transfer.Transition   `json:"transition"`
	Dispatch   *model.DispatchRecord `json:"dispatch,omitempty"`
	Warnings   []Warning             `json:"warnings,omitempty"`
}

func handleTransfer(deps transferDeps) http.HandlerFunc {
	ttl := deps.ttl
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := observability.LoggerFrom(ctx, deps.logger)
		id := chi.URLParam(r, "id")

		data, err := readBody(w, r, deps.index, "transferWorkOrder")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var req transferRequest
		if err := json.Unmarshal(data, &req); err != nil || req.FromStage == "" {
			WriteValidationError(w, r, []model.FieldError{{
				Field: "fromStage", Code: "REQUIRED", Message: "fromStage is required",
			}})
			return
		}
		actor := req.Actor
		if actor == "" {
			actor = model.RequestContextFrom(ctx).Actor()
		}

		var idemKey, idemHash string
		if key := r.Header.Get(HeaderIdempotencyKey); key != "" && deps.idempotency != nil {
			idemKey = idempotency.Key("transfer", id, key)
			idemHash = hashTransferRequest(req)

			cached, found, err := deps.idempotency.Check(ctx, idemKey, idemHash)
			switch {
			case model.IsCode(err, model.ErrConflict):
				if deps.metrics != nil {
					deps.metrics.RecordIdempotencyConflict()
				}
				WriteError(w, r, err)
				return
			case err != nil:
				logger.Error("idempotency check failed", zap.String("work_order_id", id), zap.Error(err))
				WriteError(w, r, model.NewBackendUnavailableError())
				return
			case found && cached != nil:
				if deps.metrics != nil {
					deps.metrics.RecordIdempotencyReplay()
				}
				logger.Debug("idempotent transfer replayed", zap.String("work_order_id", id))
				w.Header().Set(HeaderIdempotentHit, "true")
				writeRaw(w, cached.Status, cached.Body)
				return
			}
		}

		spanCtx, span := observability.StartSpan(ctx, "transfer.execute",
			observability.AttrWorkOrderID.String(id),
			observability.AttrFromStage.String(req.FromStage),
		)
		res, err := deps.executor.Transfer(spanCtx, id, req.FromStage, actor)
		if err == nil {
			span.SetAttributes(observability.AttrToStage.String(res.Transition.To))
			if res.Dispatch != nil {
				span.SetAttributes(observability.AttrDispatchID.String(res.Dispatch.ID))
			}
		}
		observability.EndSpanWithError(span, err)
		if err != nil {
			if model.CodeOf(err) == "" {
				logger.Error("transfer failed",
					zap.String("work_order_id", id),
					zap.String("from_stage", req.FromStage),
					zap.Error(err),
				)
			}
			WriteError(w, r, err)
			return
		}

		resp := transferResponse{
			WorkOrder:  res.WorkOrder,
			Transition: res.Transition,
			Dispatch:   res.Dispatch,
		}
		fields := []zap.Field{
			zap.String("work_order_id", id),
			zap.String("from_stage", res.Transition.From),
			zap.String("to_stage", res.Transition.To),
			zap.String("actor", actor),
		}
		if res.DispatchError != nil {
			code := model.CodeOf(res.DispatchError)
			resp.Warnings = append(resp.Warnings, Warning{Code: code, Message: messageOf(res.DispatchError)})
			logger.Warn("dispatch record failed after transfer", append(fields, zap.Error(res.DispatchError))...)
		} else {
			logger.Info("work order transferred", fields...)
		}

		body, err := json.Marshal(resp)
		if err != nil {
			logger.Error("encode transfer response", zap.Error(err))
			WriteError(w, r, model.NewInternalError())
			return
		}
		if idemKey != "" {
			saved := idempotency.Response{Status: http.StatusOK, Body: body}
			if err := deps.idempotency.Save(ctx, idemKey, idemHash, saved, ttl); err != nil {
				logger.Warn("idempotency save failed", zap.String("work_order_id", id), zap.Error(err))
			}
		}
		writeRaw(w, http.StatusOK, body)
	}
}

func messageOf(err error) string {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Message
	}
	return err.Error()
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
