package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/formflow/model"
)

// --- fakes ---

type fakeUsers struct {
	users map[string]model.User
	err   error
	calls int
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (model.User, error) {
	f.calls++
	if f.err != nil {
		return model.User{}, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return model.User{}, model.NewNotFoundError("user not found")
	}
	return u, nil
}

type grantKey struct{ user, resource, resourceID string }

type fakeGrants struct {
	grants  map[grantKey]model.PermissionGrant
	findErr error
}

func newFakeGrants(grants ...model.PermissionGrant) *fakeGrants {
	f := &fakeGrants{grants: make(map[grantKey]model.PermissionGrant)}
	for _, g := range grants {
		f.grants[grantKey{g.User, g.Resource, g.ResourceID}] = g
	}
	return f
}

func (f *fakeGrants) FindGrant(_ context.Context, user, resource, resourceID string) (*model.PermissionGrant, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	g, ok := f.grants[grantKey{user, resource, resourceID}]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (f *fakeGrants) UpsertGrant(_ context.Context, g model.PermissionGrant) (model.PermissionGrant, error) {
	f.grants[grantKey{g.User, g.Resource, g.ResourceID}] = g
	return g, nil
}

func (f *fakeGrants) ListGrants(_ context.Context, user string) ([]model.PermissionGrant, error) {
	var out []model.PermissionGrant
	for k, g := range f.grants {
		if k.user == user {
			out = append(out, g)
		}
	}
	return out, nil
}

type recordedCheck struct {
	kind    string
	allowed bool
}

type fakeRecorder struct {
	checks   []recordedCheck
	failures []string
	changes  []string
}

func (r *fakeRecorder) RecordPermissionCheck(kind string, allowed bool) {
	r.checks = append(r.checks, recordedCheck{kind, allowed})
}
func (r *fakeRecorder) RecordPermissionCheckFailure(kind string) { r.failures = append(r.failures, kind) }
func (r *fakeRecorder) RecordGrantChange(op string)             { r.changes = append(r.changes, op) }

func testUsers() *fakeUsers {
	return &fakeUsers{users: map[string]model.User{
		"root":  {ID: "root", Role: model.RoleSuperAdmin},
		"alice": {ID: "alice", Role: model.RoleUser},
		"bob": {ID: "bob", Role: model.RoleManager, Permissions: []model.GlobalPermission{
			{Resource: "reports", Actions: []string{model.PermRead}},
			{Resource: model.WildcardResource, Actions: []string{"export"}},
		}},
	}}
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEvaluator(users UserRepository, grants GrantStore, opts ...EvaluatorOption) *Evaluator {
	opts = append([]EvaluatorOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	e := NewEvaluator(users, grants, opts...)
	e.newID = func() string { return "grant-1" }
	return e
}

// --- CheckPermission ---

func TestCheckPermission_unknownUserDenied(t *testing.T) {
	e := newTestEvaluator(testUsers(), newFakeGrants())
	assert.False(t, e.CheckPermission(context.Background(), "ghost", "forms", model.PermRead, ""))
	assert.False(t, e.CheckPermission(context.Background(), "", "forms", model.PermRead, ""))
}

func TestCheckPermission_superAdminAllowsEverything(t *testing.T) {
	e := newTestEvaluator(testUsers(), newFakeGrants())
	for _, action := range []string{model.PermCreate, model.PermRead, model.PermUpdate, model.PermDelete, "anything"} {
		assert.True(t, e.CheckPermission(context.Background(), "root", "forms", action, "f-1"), action)
	}
}

func TestCheckPermission_superAdminSkipsGrantLookup(t *testing.T) {
	grants := newFakeGrants()
	grants.findErr = errors.New("db down")
	e := newTestEvaluator(testUsers(), grants)

	assert.True(t, e.CheckPermission(context.Background(), "root", "forms", model.PermDelete, ""))
	assert.True(t, e.CheckFieldPermission(context.Background(), "root", "forms", "", "salary", model.PermRead))
}

func TestCheckPermission_globalPermissions(t *testing.T) {
	e := newTestEvaluator(testUsers(), newFakeGrants())
	ctx := context.Background()

	assert.True(t, e.CheckPermission(ctx, "bob", "reports", model.PermRead, ""))
	assert.False(t, e.CheckPermission(ctx, "bob", "reports", model.PermUpdate, ""))
	assert.True(t, e.CheckPermission(ctx, "bob", "forms", "export", ""), "wildcard global permission")
}

func TestCheckPermission_grantSpecificity(t *testing.T) {
	grants := newFakeGrants(
		model.PermissionGrant{User: "alice", Resource: "forms", ResourceID: "f-1",
			Permissions: model.PermissionSet{model.PermUpdate: false, model.PermRead: true}},
		model.PermissionGrant{User: "alice", Resource: "forms",
			Permissions: model.PermissionSet{model.PermUpdate: true}},
		model.PermissionGrant{User: "alice", Resource: model.WildcardResource,
			Permissions: model.PermissionSet{model.PermDelete: true}},
	)
	e := newTestEvaluator(testUsers(), grants)
	ctx := context.Background()

	assert.False(t, e.CheckPermission(ctx, "alice", "forms", model.PermUpdate, "f-1"), "instance grant wins")
	assert.True(t, e.CheckPermission(ctx, "alice", "forms", model.PermRead, "f-1"))
	assert.True(t, e.CheckPermission(ctx, "alice", "forms", model.PermUpdate, "f-2"), "falls back to resource grant")
	assert.False(t, e.CheckPermission(ctx, "alice", "forms", model.PermDelete, ""), "resource grant wins over wildcard")
	assert.True(t, e.CheckPermission(ctx, "alice", "reports", model.PermDelete, ""), "falls back to wildcard")
	assert.False(t, e.CheckPermission(ctx, "alice", "reports", model.PermRead, ""))
}

func TestCheckPermission_noGrantDenied(t *testing.T) {
	e := newTestEvaluator(testUsers(), newFakeGrants())
	assert.False(t, e.CheckPermission(context.Background(), "alice", "forms", model.PermRead, ""))
}

func TestCheckPermission_storageErrorsFailClosed(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rec := &fakeRecorder{}

	grants := newFakeGrants(model.PermissionGrant{User: "alice", Resource: "forms",
		Permissions: model.PermissionSet{model.PermRead: true}})
	grants.findErr = errors.New("connection reset")
	e := newTestEvaluator(testUsers(), grants, WithLogger(zap.New(core)), WithRecorder(rec))

	assert.False(t, e.CheckPermission(context.Background(), "alice", "forms", model.PermRead, ""))

	users := &fakeUsers{err: errors.New("timeout")}
	e2 := newTestEvaluator(users, newFakeGrants(), WithLogger(zap.New(core)), WithRecorder(rec))
	assert.False(t, e2.CheckPermission(context.Background(), "alice", "forms", model.PermRead, ""))
	assert.False(t, e2.CheckFieldPermission(context.Background(), "alice", "forms", "", "title", model.PermRead))

	assert.Equal(t, []string{KindResource, KindResource, KindField}, rec.failures)
	assert.Equal(t, 3, logs.FilterMessage("permission check failed closed").Len())
}

func TestCheckPermission_recordsDecisions(t *testing.T) {
	rec := &fakeRecorder{}
	e := newTestEvaluator(testUsers(), newFakeGrants(), WithRecorder(rec))

	e.CheckPermission(context.Background(), "root", "forms", model.PermRead, "")
	e.CheckPermission(context.Background(), "alice", "forms", model.PermRead, "")

	assert.Equal(t, []recordedCheck{{KindResource, true}, {KindResource, false}}, rec.checks)
	assert.Empty(t, rec.failures)
}

// --- CheckFieldPermission ---

func TestCheckFieldPermission(t *testing.T) {
	grants := newFakeGrants(
		model.PermissionGrant{User: "alice", Resource: "forms", ResourceID: "f-1",
			Permissions: model.PermissionSet{model.PermRead: true, model.PermUpdate: false},
			FieldPermissions: model.FieldPermissions{
				"salary": {model.PermRead: false},
				"title":  {model.PermUpdate: true},
			}},
		model.PermissionGrant{User: "alice", Resource: "forms",
			Permissions: model.PermissionSet{model.PermRead: true}},
	)
	e := newTestEvaluator(testUsers(), grants)
	ctx := context.Background()

	tests := []struct {
		name       string
		resourceID string
		field      string
		action     string
		want       bool
	}{
		{"field entry denies", "f-1", "salary", model.PermRead, false},
		{"field entry allows over coarse deny", "f-1", "title", model.PermUpdate, true},
		{"field entry missing action", "f-1", "title", model.PermRead, false},
		{"no field entry uses coarse flag", "f-1", "name", model.PermRead, true},
		{"no field entry coarse deny", "f-1", "name", model.PermUpdate, false},
		{"grant without field rules falls back", "f-2", "salary", model.PermRead, true},
		{"fallback denies", "f-2", "salary", model.PermDelete, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.CheckFieldPermission(ctx, "alice", "forms", tt.resourceID, tt.field, tt.action)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckFieldPermission_noGrantUsesGlobalPermissions(t *testing.T) {
	e := newTestEvaluator(testUsers(), newFakeGrants())
	assert.True(t, e.CheckFieldPermission(context.Background(), "bob", "reports", "", "total", model.PermRead))
	assert.False(t, e.CheckFieldPermission(context.Background(), "bob", "reports", "", "total", model.PermUpdate))
	assert.False(t, e.CheckFieldPermission(context.Background(), "ghost", "reports", "", "total", model.PermRead))
}

func TestCheckFieldPermission_fallbackCountedAsFieldCheck(t *testing.T) {
	rec := &fakeRecorder{}
	e := newTestEvaluator(testUsers(), newFakeGrants(), WithRecorder(rec))

	assert.True(t, e.CheckFieldPermission(context.Background(), "bob", "reports", "", "total", model.PermRead))

	assert.Equal(t, []recordedCheck{{KindResource, true}, {KindField, true}}, rec.checks)
}

// --- GrantPermission / RevokePermission ---

func TestGrantPermission_createsGrant(t *testing.T) {
	rec := &fakeRecorder{}
	grants := newFakeGrants()
	e := newTestEvaluator(testUsers(), grants, WithRecorder(rec))

	g, err := e.GrantPermission(context.Background(), "alice", "forms", "f-1",
		model.PermissionSet{model.PermRead: true}, nil)
	require.NoError(t, err)

	assert.Equal(t, "grant-1", g.ID)
	assert.Equal(t, fixedNow, g.CreatedAt)
	assert.Equal(t, fixedNow, g.UpdatedAt)
	assert.True(t, g.Permissions.Allows(model.PermRead))
	assert.Nil(t, g.FieldPermissions)
	assert.Equal(t, []string{OpGrant}, rec.changes)
	assert.True(t, e.CheckPermission(context.Background(), "alice", "forms", model.PermRead, "f-1"))
}

func TestGrantPermission_mergesExisting(t *testing.T) {
	created := fixedNow.Add(-time.Hour)
	grants := newFakeGrants(model.PermissionGrant{
		ID: "g-7", User: "alice", Resource: "forms", CreatedAt: created,
		Permissions:      model.PermissionSet{model.PermRead: true, model.PermUpdate: false},
		FieldPermissions: model.FieldPermissions{"salary": {model.PermRead: false, model.PermUpdate: false}},
	})
	e := newTestEvaluator(testUsers(), grants)

	g, err := e.GrantPermission(context.Background(), "alice", "forms", "",
		model.PermissionSet{model.PermUpdate: true, model.PermDelete: true},
		model.FieldPermissions{"salary": {model.PermRead: true}, "title": {model.PermUpdate: true}})
	require.NoError(t, err)

	assert.Equal(t, "g-7", g.ID)
	assert.Equal(t, created, g.CreatedAt)
	assert.Equal(t, fixedNow, g.UpdatedAt)
	assert.Equal(t, model.PermissionSet{model.PermRead: true, model.PermUpdate: true, model.PermDelete: true}, g.Permissions)
	assert.Equal(t, model.PermissionSet{model.PermRead: true}, g.FieldPermissions["salary"], "field entries are replaced, not merged")
	assert.Equal(t, model.PermissionSet{model.PermUpdate: true}, g.FieldPermissions["title"])
	assert.Len(t, grants.grants, 1)
}

func TestGrantPermission_requiresUserAndResource(t *testing.T) {
	e := newTestEvaluator(testUsers(), newFakeGrants())
	_, err := e.GrantPermission(context.Background(), "", "forms", "", model.PermissionSet{model.PermRead: true}, nil)
	assert.Equal(t, model.ErrBadRequest, model.ErrorCode(err))
}

func TestGrantPermission_storageError(t *testing.T) {
	grants := newFakeGrants()
	grants.findErr = errors.New("db down")
	e := newTestEvaluator(testUsers(), grants)

	_, err := e.GrantPermission(context.Background(), "alice", "forms", "", model.PermissionSet{model.PermRead: true}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, grants.findErr)
}

func TestRevokePermission_absentGrant(t *testing.T) {
	rec := &fakeRecorder{}
	e := newTestEvaluator(testUsers(), newFakeGrants(), WithRecorder(rec))

	_, found, err := e.RevokePermission(context.Background(), "alice", "forms", "", []string{model.PermRead})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, rec.changes)
}

func TestRevokePermission_keepsOtherFlags(t *testing.T) {
	grants := newFakeGrants(model.PermissionGrant{
		ID: "g-1", User: "alice", Resource: "forms",
		Permissions:      model.PermissionSet{model.PermRead: true, model.PermUpdate: true},
		FieldPermissions: model.FieldPermissions{"salary": {model.PermRead: true}},
	})
	e := newTestEvaluator(testUsers(), grants)

	g, found, err := e.RevokePermission(context.Background(), "alice", "forms", "", []string{model.PermUpdate, model.PermDelete})
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, model.PermissionSet{model.PermRead: true, model.PermUpdate: false, model.PermDelete: false}, g.Permissions)
	assert.Equal(t, model.PermissionSet{model.PermRead: true}, g.FieldPermissions["salary"])
	assert.True(t, e.CheckPermission(context.Background(), "alice", "forms", model.PermRead, ""))
	assert.False(t, e.CheckPermission(context.Background(), "alice", "forms", model.PermUpdate, ""))
}

func TestListGrants(t *testing.T) {
	grants := newFakeGrants(
		model.PermissionGrant{ID: "a", User: "alice", Resource: "forms"},
		model.PermissionGrant{ID: "b", User: "alice", Resource: "reports"},
		model.PermissionGrant{ID: "c", User: "bob", Resource: "forms"},
	)
	e := newTestEvaluator(testUsers(), grants)

	got, err := e.ListGrants(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
