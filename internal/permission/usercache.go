package permission

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/formflow/internal/observability"
	"github.com/pitabwire/formflow/model"
)

// CacheRecorder receives user cache metrics. *observability.Metrics
// satisfies it.
type CacheRecorder interface {
	RecordUserCacheHit()
	RecordUserCacheMiss()
}

type nopCacheRecorder struct{}

func (nopCacheRecorder) RecordUserCacheHit()  {}
func (nopCacheRecorder) RecordUserCacheMiss() {}

// CachedUserRepository wraps a UserRepository with a TTL cache. Only
// successful lookups are cached, so a missing user or a storage error is
// retried on the next call.
type CachedUserRepository struct {
	next     UserRepository
	cache    *gocache.Cache
	recorder CacheRecorder
}

// NewCachedUserRepository creates a cache in front of next. A nil recorder
// disables cache metrics.
func NewCachedUserRepository(next UserRepository, ttl, cleanupInterval time.Duration, recorder CacheRecorder) *CachedUserRepository {
	if recorder == nil {
		recorder = nopCacheRecorder{}
	}
	return &CachedUserRepository{
		next:     next,
		cache:    gocache.New(ttl, cleanupInterval),
		recorder: recorder,
	}
}

// GetUser returns the cached user record or loads it from the wrapped
// repository. The outcome is tagged on the caller's span.
func (r *CachedUserRepository) GetUser(ctx context.Context, userID string) (model.User, error) {
	span := trace.SpanFromContext(ctx)
	if v, ok := r.cache.Get(userID); ok {
		if user, ok := v.(model.User); ok {
			r.recorder.RecordUserCacheHit()
			span.SetAttributes(observability.AttrCacheHit.Bool(true))
			return user, nil
		}
	}
	r.recorder.RecordUserCacheMiss()
	span.SetAttributes(observability.AttrCacheHit.Bool(false))

	user, err := r.next.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, err
	}
	r.cache.SetDefault(userID, user)
	return user, nil
}

// Invalidate drops the cached record for userID.
func (r *CachedUserRepository) Invalidate(userID string) {
	r.cache.Delete(userID)
}

// Flush drops every cached record.
func (r *CachedUserRepository) Flush() {
	r.cache.Flush()
}
