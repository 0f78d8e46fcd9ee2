package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/formflow/model"
)

// runStoreSuite exercises the behavior every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndLoad", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.CreateSubmission(ctx, model.Submission{
			ID: "sub-1", ApplicationID: "app-1", FormID: "expense",
			Data:        map[string]any{"amount": 120.5, "currency": "EUR"},
			SubmittedBy: "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, model.SubmissionStatusDraft, created.Status)
		assert.False(t, created.CreatedAt.IsZero())

		got, err := s.Load(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "expense", got.FormID)
		assert.Equal(t, "alice", got.SubmittedBy)
		assert.Equal(t, int64(0), got.Revision)
		assert.Equal(t, 120.5, got.Data["amount"])
		assert.Nil(t, got.WorkflowState)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateSubmission(ctx, model.Submission{ID: "dup"})
		require.NoError(t, err)
		_, err = s.CreateSubmission(ctx, model.Submission{ID: "dup"})
		assert.Equal(t, model.ErrConflict, model.ErrorCode(err))
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateSubmission(context.Background(), model.Submission{ID: "bad", Status: "archived"})
		assert.Equal(t, model.ErrValidationError, model.ErrorCode(err))
	})

	t.Run("LoadMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(context.Background(), "nope")
		assert.True(t, model.IsNotFound(err))
	})

	t.Run("SaveBumpsRevision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateSubmission(ctx, model.Submission{ID: "sub-1"})
		require.NoError(t, err)

		saved, err := s.Save(ctx, "sub-1", testPatch("manager_review", model.SubmissionStatusSubmitted, 0))
		require.NoError(t, err)
		assert.Equal(t, int64(1), saved.Revision)
		assert.Equal(t, model.SubmissionStatusSubmitted, saved.Status)
		require.NotNil(t, saved.WorkflowState)
		assert.Equal(t, "manager_review", saved.WorkflowState.CurrentStage)
		require.Len(t, saved.WorkflowState.History, 1)
		assert.Equal(t, "alice", saved.WorkflowState.History[0].User)

		loaded, err := s.Load(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Revision)
		assert.Equal(t, "manager_review", loaded.WorkflowState.CurrentStage)
	})

	t.Run("SaveEmptyStatusKeepsStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateSubmission(ctx, model.Submission{ID: "sub-1", Status: model.SubmissionStatusInReview})
		require.NoError(t, err)

		saved, err := s.Save(ctx, "sub-1", testPatch("finance", "", 0))
		require.NoError(t, err)
		assert.Equal(t, model.SubmissionStatusInReview, saved.Status)
	})

	t.Run("SaveStaleRevision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateSubmission(ctx, model.Submission{ID: "sub-1"})
		require.NoError(t, err)

		_, err = s.Save(ctx, "sub-1", testPatch("a", model.SubmissionStatusSubmitted, 0))
		require.NoError(t, err)
		_, err = s.Save(ctx, "sub-1", testPatch("b", model.SubmissionStatusApproved, 0))
		assert.Equal(t, model.ErrConflict, model.ErrorCode(err))

		loaded, err := s.Load(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "a", loaded.WorkflowState.CurrentStage, "losing writer must not overwrite")
	})

	t.Run("SaveMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Save(context.Background(), "nope", testPatch("a", "", 0))
		assert.True(t, model.IsNotFound(err))
	})

	t.Run("SaveInvalidPatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateSubmission(ctx, model.Submission{ID: "sub-1"})
		require.NoError(t, err)

		patch := testPatch("a", "", 0)
		patch.WorkflowState.History[0].User = ""
		_, err = s.Save(ctx, "sub-1", patch)
		assert.Equal(t, model.ErrValidationError, model.ErrorCode(err))
	})

	t.Run("Users", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		user := model.User{ID: "bob", Email: "bob@example.com", Role: model.RoleManager,
			Permissions: []model.GlobalPermission{{Resource: "reports", Actions: []string{"read"}}}}
		require.NoError(t, s.PutUser(ctx, user))

		got, err := s.GetUser(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, user, got)

		user.Role = model.RoleAdmin
		require.NoError(t, s.PutUser(ctx, user))
		got, err = s.GetUser(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, model.RoleAdmin, got.Role)

		_, err = s.GetUser(ctx, "ghost")
		assert.True(t, model.IsNotFound(err))

		err = s.PutUser(ctx, model.User{ID: "eve", Role: "owner"})
		assert.Equal(t, model.ErrValidationError, model.ErrorCode(err))
	})

	t.Run("Grants", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		g, err := s.FindGrant(ctx, "alice", "forms", "")
		require.NoError(t, err)
		assert.Nil(t, g)

		stored, err := s.UpsertGrant(ctx, model.PermissionGrant{
			ID: "g-1", User: "alice", Resource: "forms",
			Permissions: model.PermissionSet{"read": true},
			CreatedAt:   created, UpdatedAt: created,
		})
		require.NoError(t, err)
		assert.Equal(t, "g-1", stored.ID)

		_, err = s.UpsertGrant(ctx, model.PermissionGrant{
			ID: "g-2", User: "alice", Resource: "forms",
			Permissions:      model.PermissionSet{"read": true, "update": false},
			FieldPermissions: model.FieldPermissions{"salary": {"read": false}},
			CreatedAt:        created.Add(time.Hour), UpdatedAt: created.Add(time.Hour),
		})
		require.NoError(t, err)

		g, err = s.FindGrant(ctx, "alice", "forms", "")
		require.NoError(t, err)
		require.NotNil(t, g)
		assert.Equal(t, "g-1", g.ID, "triple keeps its first id")
		assert.True(t, g.CreatedAt.Equal(created))
		assert.Equal(t, model.PermissionSet{"read": true, "update": false}, g.Permissions)
		assert.Equal(t, model.PermissionSet{"read": false}, g.FieldPermissions["salary"])

		_, err = s.UpsertGrant(ctx, model.PermissionGrant{
			ID: "g-3", User: "alice", Resource: "forms", ResourceID: "f-1",
			Permissions: model.PermissionSet{"delete": true}, CreatedAt: created, UpdatedAt: created,
		})
		require.NoError(t, err)
		_, err = s.UpsertGrant(ctx, model.PermissionGrant{
			ID: "g-4", User: "bob", Resource: "forms",
			Permissions: model.PermissionSet{"read": true}, CreatedAt: created, UpdatedAt: created,
		})
		require.NoError(t, err)

		scoped, err := s.FindGrant(ctx, "alice", "forms", "f-1")
		require.NoError(t, err)
		require.NotNil(t, scoped)
		assert.Equal(t, "g-3", scoped.ID)

		list, err := s.ListGrants(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "", list[0].ResourceID)
		assert.Equal(t, "f-1", list[1].ResourceID)
	})

	t.Run("GrantWithOnlyFieldPermissions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.UpsertGrant(ctx, model.PermissionGrant{
			ID: "g-1", User: "alice", Resource: "forms",
			FieldPermissions: model.FieldPermissions{"salary": {"read": false}},
		})
		require.NoError(t, err)

		g, err := s.FindGrant(ctx, "alice", "forms", "")
		require.NoError(t, err)
		require.NotNil(t, g)
		assert.NotNil(t, g.Permissions)
		assert.Empty(t, g.Permissions)
		assert.Equal(t, model.PermissionSet{"read": false}, g.FieldPermissions["salary"])
	})

	t.Run("GrantInvalidAction", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertGrant(context.Background(), model.PermissionGrant{
			ID: "g-1", User: "alice", Resource: "forms",
			Permissions: model.PermissionSet{"publish": true},
		})
		assert.Equal(t, model.ErrValidationError, model.ErrorCode(err))
	})

	t.Run("HealthCheck", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.HealthCheck(context.Background()))
	})
}

func testPatch(stage, status string, expected int64) model.SubmissionPatch {
	return model.SubmissionPatch{
		WorkflowState: model.SubmissionWorkflowState{
			CurrentStage: stage,
			History: []model.HistoryEntry{{
				Stage:     "draft",
				Action:    model.ActionSubmit,
				User:      "alice",
				Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
			}},
		},
		Status:           status,
		ExpectedRevision: expected,
	}
}
