package transport

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/formflow/internal/config"
	"github.com/pitabwire/formflow/internal/observability"
	"github.com/pitabwire/formflow/model"
)

// HeaderCorrelationID carries the correlation id in both directions.
const HeaderCorrelationID = "X-Correlation-Id"

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	claimsKey
)

// CorrelationIDFrom returns the request's correlation id, or "".
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithClaims attaches verified token claims to ctx.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFrom returns the verified token claims, or nil.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey).(map[string]any)
	return claims
}

// Recovery turns a handler panic into a logged INTERNAL_ERROR response.
// http.ErrAbortHandler is re-raised so the server can abort the connection.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				observability.LoggerFrom(r.Context(), logger).Error("panic recovered",
					zap.Any("error", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				WriteError(w, r, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers preflight requests and decorates responses for the configured
// origins. Requests from other origins pass through without CORS headers.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	preflight := http.Header{}
	preflight.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
	preflight.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
	preflight.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if _, ok := allowed[origin]; origin == "" || !ok {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Expose-Headers", HeaderCorrelationID)
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				for k, v := range preflight {
					h[k] = v
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// maxCorrelationIDLen bounds caller-supplied ids before they reach logs.
const maxCorrelationIDLen = 128

// RequestID propagates the caller's correlation id, minting a UUID when the
// request has none, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if id == "" || len(id) > maxCorrelationIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey, id)))
	})
}

var securityHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Cache-Control", "no-store"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

// SecurityHeaders stamps every response with the fixed security headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, kv := range securityHeaders {
			w.Header().Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContextMiddleware turns verified claims into a
// model.RequestContext. claimPaths maps subject_id, email, tenant_id and role
// to claim names; unmapped fields use sub, email, tenant_id and role.
// Requests whose token names no subject are rejected with 401.
func BuildRequestContextMiddleware(claimPaths map[string]string) func(http.Handler) http.Handler {
	claimFor := func(field string) string {
		if p := claimPaths[field]; p != "" {
			return p
		}
		if field == "subject_id" {
			return "sub"
		}
		return field
	}
	subjectClaim := claimFor("subject_id")
	emailClaim := claimFor("email")
	tenantClaim := claimFor("tenant_id")
	roleClaim := claimFor("role")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			claims := ClaimsFrom(ctx)
			rctx := &model.RequestContext{
				SubjectID:     claimString(claims, subjectClaim),
				Email:         claimString(claims, emailClaim),
				TenantID:      claimString(claims, tenantClaim),
				Role:          claimString(claims, roleClaim),
				Claims:        claims,
				CorrelationID: CorrelationIDFrom(ctx),
				TraceID:       observability.TraceIDFromContext(ctx),
				SpanID:        observability.SpanIDFromContext(ctx),
			}
			if err := rctx.Validate(); err != nil {
				WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(model.WithRequestContext(ctx, rctx)))
		})
	}
}

// HandlerTimeout bounds the request context by d. Store, lock and publish
// calls observe the deadline. A non-positive d disables it.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging puts a caller-tagged logger into the request context and
// writes one access line per request: error for 5xx, warn for 4xx, info
// otherwise.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := observability.RequestLogger(r.Context(), logger)
			if model.RequestContextFrom(r.Context()) == nil {
				reqLogger = reqLogger.With(zap.String("correlation_id", CorrelationIDFrom(r.Context())))
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(observability.WithLogger(r.Context(), reqLogger)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := zap.InfoLevel
			switch {
			case status >= 500:
				level = zap.ErrorLevel
			case status >= 400:
				level = zap.WarnLevel
			}
			reqLogger.Log(level, "request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func claimString(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return v
}
