// Package permission decides whether a user may perform a CRUD action on a
// resource, optionally scoped to a resource instance or a single field, and
// manages the stored grants those decisions read.
package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/formflow/internal/observability"
	"github.com/pitabwire/formflow/model"
)

// Check kinds reported to the Recorder.
const (
	KindResource = "resource"
	KindField    = "field"
)

// Grant change operations reported to the Recorder.
const (
	OpGrant  = "grant"
	OpRevoke = "revoke"
)

// UserRepository loads user records. A missing user is reported with a
// NOT_FOUND *model.ErrorEnvelope.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
}

// GrantStore persists permission grants. FindGrant matches the exact
// (user, resource, resourceID) triple and returns nil, nil when none exists.
type GrantStore interface {
	FindGrant(ctx context.Context, userID, resource, resourceID string) (*model.PermissionGrant, error)
	UpsertGrant(ctx context.Context, grant model.PermissionGrant) (model.PermissionGrant, error)
	ListGrants(ctx context.Context, userID string) ([]model.PermissionGrant, error)
}

// Recorder receives permission metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordPermissionCheck(kind string, allowed bool)
	RecordPermissionCheckFailure(kind string)
	RecordGrantChange(operation string)
}

type nopRecorder struct{}

func (nopRecorder) RecordPermissionCheck(string, bool)  {}
func (nopRecorder) RecordPermissionCheckFailure(string) {}
func (nopRecorder) RecordGrantChange(string)            {}

// Evaluator answers permission checks and applies grant changes.
type Evaluator struct {
	users    UserRepository
	grants   GrantStore
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
	newID    func() string
}

// EvaluatorOption configures optional dependencies.
type EvaluatorOption func(*Evaluator)

// WithLogger sets the logger used for fail-closed errors and grant changes.
func WithLogger(logger *zap.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) EvaluatorOption {
	return func(e *Evaluator) { e.recorder = r }
}

// WithClock overrides the time source for grant timestamps.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an Evaluator over the given repositories.
func NewEvaluator(users UserRepository, grants GrantStore, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		users:    users,
		grants:   grants,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckPermission reports whether userID may perform action on resource,
// optionally scoped to resourceID. It never returns an error: storage
// failures deny.
func (e *Evaluator) CheckPermission(ctx context.Context, userID, resource, action, resourceID string) bool {
	ctx, span := observability.StartSpan(ctx, "permission.check",
		observability.AttrSubjectID.String(userID),
		observability.AttrResource.String(resource),
		observability.AttrResourceID.String(resourceID),
		observability.AttrAction.String(action),
	)
	defer span.End()

	allowed, err := e.checkPermission(ctx, userID, resource, action, resourceID)
	return e.conclude(ctx, span.SetAttributes, KindResource, allowed, err,
		zap.String("user_id", userID),
		zap.String("resource", resource),
		zap.String("resource_id", resourceID),
		zap.String("action", action),
	)
}

func (e *Evaluator) checkPermission(ctx context.Context, userID, resource, action, resourceID string) (bool, error) {
	user, found, err := e.loadUser(ctx, userID)
	if err != nil || !found {
		return false, err
	}
	if user.IsSuperAdmin() {
		return true, nil
	}
	for _, gp := range user.Permissions {
		if gp.Covers(resource, action) {
			return true, nil
		}
	}

	grant, err := e.resolveGrant(ctx, userID, resource, resourceID)
	if err != nil || grant == nil {
		return false, err
	}
	return grant.Permissions.Allows(action), nil
}

// CheckFieldPermission reports whether userID may perform action on one field
// of a resource. Without field-level rules it defers to CheckPermission; a
// grant with field rules but no entry for the field answers from its coarse
// flags.
func (e *Evaluator) CheckFieldPermission(ctx context.Context, userID, resource, resourceID, field, action string) bool {
	ctx, span := observability.StartSpan(ctx, "permission.check_field",
		observability.AttrSubjectID.String(userID),
		observability.AttrResource.String(resource),
		observability.AttrResourceID.String(resourceID),
		observability.AttrField.String(field),
		observability.AttrAction.String(action),
	)
	defer span.End()

	user, found, err := e.loadUser(ctx, userID)
	if err == nil && found && user.IsSuperAdmin() {
		return e.conclude(ctx, span.SetAttributes, KindField, true, nil)
	}
	if err != nil || !found {
		return e.conclude(ctx, span.SetAttributes, KindField, false, err,
			zap.String("user_id", userID),
			zap.String("resource", resource),
			zap.String("field", field),
		)
	}

	grant, err := e.resolveGrant(ctx, userID, resource, resourceID)
	if err != nil {
		return e.conclude(ctx, span.SetAttributes, KindField, false, err,
			zap.String("user_id", userID),
			zap.String("resource", resource),
			zap.String("field", field),
		)
	}
	if grant == nil || len(grant.FieldPermissions) == 0 {
		allowed := e.CheckPermission(ctx, userID, resource, action, resourceID)
		return e.conclude(ctx, span.SetAttributes, KindField, allowed, nil)
	}

	perms, ok := grant.FieldPermissions[field]
	if !ok {
		return e.conclude(ctx, span.SetAttributes, KindField, grant.Permissions.Allows(action), nil)
	}
	return e.conclude(ctx, span.SetAttributes, KindField, perms.Allows(action), nil)
}

// conclude records the decision and converts an error into a denial.
func (e *Evaluator) conclude(
	ctx context.Context,
	setAttrs func(...attribute.KeyValue),
	kind string,
	allowed bool,
	err error,
	fields ...zap.Field,
) bool {
	if err != nil {
		observability.LoggerFrom(ctx, e.logger).Warn("permission check failed closed",
			append(fields, zap.String("kind", kind), zap.Error(err))...,
		)
		e.recorder.RecordPermissionCheckFailure(kind)
		allowed = false
	}
	setAttrs(observability.AttrAllowed.Bool(allowed))
	e.recorder.RecordPermissionCheck(kind, allowed)
	return allowed
}

// loadUser returns found=false without an error when the user does not exist.
func (e *Evaluator) loadUser(ctx context.Context, userID string) (model.User, bool, error) {
	if userID == "" {
		return model.User{}, false, nil
	}
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		if model.IsNotFound(err) {
			return model.User{}, false, nil
		}
		return model.User{}, false, fmt.Errorf("load user %q: %w", userID, err)
	}
	return user, true, nil
}

// resolveGrant returns the most specific stored grant: the exact instance,
// then the resource as a whole, then the wildcard resource.
func (e *Evaluator) resolveGrant(ctx context.Context, userID, resource, resourceID string) (*model.PermissionGrant, error) {
	type scope struct{ resource, resourceID string }
	scopes := []scope{{resource, resourceID}}
	if resourceID != "" {
		scopes = append(scopes, scope{resource, ""})
	}
	if resource != model.WildcardResource {
		scopes = append(scopes, scope{model.WildcardResource, ""})
	}

	for _, s := range scopes {
		grant, err := e.grants.FindGrant(ctx, userID, s.resource, s.resourceID)
		if err != nil {
			return nil, fmt.Errorf("find grant %s/%s: %w", s.resource, s.resourceID, err)
		}
		if grant != nil {
			return grant, nil
		}
	}
	return nil, nil
}

// GrantPermission upserts the grant for the exact (user, resource,
// resourceID) triple. Existing flags are kept unless overridden; a field
// entry in fieldPermissions replaces the stored entry for that field.
func (e *Evaluator) GrantPermission(
	ctx context.Context,
	userID, resource, resourceID string,
	permissions model.PermissionSet,
	fieldPermissions model.FieldPermissions,
) (model.PermissionGrant, error) {
	ctx, span := observability.StartSpan(ctx, "permission.grant",
		observability.AttrSubjectID.String(userID),
		observability.AttrResource.String(resource),
		observability.AttrResourceID.String(resourceID),
	)

	grant, err := e.grant(ctx, userID, resource, resourceID, permissions, fieldPermissions)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return model.PermissionGrant{}, err
	}

	e.recorder.RecordGrantChange(OpGrant)
	observability.LoggerFrom(ctx, e.logger).Info("permission granted",
		zap.String("grant_id", grant.ID),
		zap.String("user_id", userID),
		zap.String("resource", resource),
		zap.String("resource_id", resourceID),
	)
	return grant, nil
}

func (e *Evaluator) grant(
	ctx context.Context,
	userID, resource, resourceID string,
	permissions model.PermissionSet,
	fieldPermissions model.FieldPermissions,
) (model.PermissionGrant, error) {
	if userID == "" || resource == "" {
		return model.PermissionGrant{}, model.NewBadRequestError("user and resource are required")
	}

	existing, err := e.grants.FindGrant(ctx, userID, resource, resourceID)
	if err != nil {
		return model.PermissionGrant{}, fmt.Errorf("find grant: %w", err)
	}

	now := e.now()
	var grant model.PermissionGrant
	if existing != nil {
		grant = *existing
		grant.Permissions = grant.Permissions.Merge(permissions)
		if len(fieldPermissions) > 0 {
			grant.FieldPermissions = grant.FieldPermissions.Merge(fieldPermissions)
		}
	} else {
		grant = model.PermissionGrant{
			ID:          e.newID(),
			User:        userID,
			Resource:    resource,
			ResourceID:  resourceID,
			Permissions: model.PermissionSet{}.Merge(permissions),
			CreatedAt:   now,
		}
		if len(fieldPermissions) > 0 {
			grant.FieldPermissions = model.FieldPermissions{}.Merge(fieldPermissions)
		}
	}
	grant.UpdatedAt = now

	saved, err := e.grants.UpsertGrant(ctx, grant)
	if err != nil {
		return model.PermissionGrant{}, fmt.Errorf("upsert grant: %w", err)
	}
	return saved, nil
}

// RevokePermission sets each named action to false on the exact grant for
// the triple, leaving other flags untouched. It returns false when no grant
// exists.
func (e *Evaluator) RevokePermission(
	ctx context.Context,
	userID, resource, resourceID string,
	actions []string,
) (model.PermissionGrant, bool, error) {
	ctx, span := observability.StartSpan(ctx, "permission.revoke",
		observability.AttrSubjectID.String(userID),
		observability.AttrResource.String(resource),
		observability.AttrResourceID.String(resourceID),
	)

	grant, found, err := e.revoke(ctx, userID, resource, resourceID, actions)
	observability.EndSpanWithError(span, err)
	if err != nil || !found {
		return model.PermissionGrant{}, false, err
	}

	e.recorder.RecordGrantChange(OpRevoke)
	observability.LoggerFrom(ctx, e.logger).Info("permission revoked",
		zap.String("grant_id", grant.ID),
		zap.String("user_id", userID),
		zap.String("resource", resource),
		zap.String("resource_id", resourceID),
		zap.Strings("actions", actions),
	)
	return grant, true, nil
}

func (e *Evaluator) revoke(
	ctx context.Context,
	userID, resource, resourceID string,
	actions []string,
) (model.PermissionGrant, bool, error) {
	existing, err := e.grants.FindGrant(ctx, userID, resource, resourceID)
	if err != nil {
		return model.PermissionGrant{}, false, fmt.Errorf("find grant: %w", err)
	}
	if existing == nil {
		return model.PermissionGrant{}, false, nil
	}

	grant := *existing
	revoked := make(model.PermissionSet, len(actions))
	for _, a := range actions {
		revoked[a] = false
	}
	grant.Permissions = grant.Permissions.Merge(revoked)
	grant.UpdatedAt = e.now()

	saved, err := e.grants.UpsertGrant(ctx, grant)
	if err != nil {
		return model.PermissionGrant{}, false, fmt.Errorf("upsert grant: %w", err)
	}
	return saved, true, nil
}

// ListGrants returns every stored grant owned by userID.
func (e *Evaluator) ListGrants(ctx context.Context, userID string) ([]model.PermissionGrant, error) {
	grants, err := e.grants.ListGrants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return grants, nil
}
