package model

import "context"

// RequestContext identifies the authenticated caller of an API request. The
// transport layer builds it from verified token claims; handlers treat it as
// read-only.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Role          string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate rejects a context that does not name a subject. Workflow actions
// and permission checks are always evaluated for a user id.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return NewUnauthorizedError("token has no subject")
	}
	return nil
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext is RequestContextFrom for handlers mounted behind
// authentication. It panics when no caller is attached.
func MustRequestContext(ctx context.Context) *RequestContext {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx
	}
	panic("model: no RequestContext in context")
}
