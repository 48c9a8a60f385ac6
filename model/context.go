package model

import (
	"context"
)

// RequestContext carries caller attribution and tracing information for the
// lifetime of a request. It is immutable after construction and safe for
// concurrent reads.
type RequestContext struct {
	ActorID       string
	ActorName     string
	Station       string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Actor returns the best available identifier for history entries.
func (rc *RequestContext) Actor() string {
	if rc == nil {
		return ""
	}
	if rc.ActorID != "" {
		return rc.ActorID
	}
	return rc.ActorName
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
