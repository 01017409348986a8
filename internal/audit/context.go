package audit

import (
	"context"
	"strings"
)

type ctxKey string

const metaKey ctxKey = "audit_request_meta"

// Meta carries request-scoped attributes copied onto every entry recorded under it.
type Meta struct {
	RequestID string
	Origin    string
	UserAgent string
}

// WithMeta attaches request metadata to the context for audit logging.
func WithMeta(ctx context.Context, meta Meta) context.Context {
	meta.RequestID = strings.TrimSpace(meta.RequestID)
	meta.Origin = strings.TrimSpace(meta.Origin)
	meta.UserAgent = strings.TrimSpace(meta.UserAgent)
	if meta == (Meta{}) {
		return ctx
	}
	return context.WithValue(ctx, metaKey, meta)
}

// WithRequestID attaches only the request identifier, keeping any other metadata.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	meta := MetaFromContext(ctx)
	meta.RequestID = requestID
	return WithMeta(ctx, meta)
}

// MetaFromContext extracts request metadata if present.
func MetaFromContext(ctx context.Context) Meta {
	if ctx == nil {
		return Meta{}
	}
	if v, ok := ctx.Value(metaKey).(Meta); ok {
		return v
	}
	return Meta{}
}
