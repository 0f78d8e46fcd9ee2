// Package store persists submissions, users and permission grants. Every
// backend validates records at the boundary and implements revision-checked
// saves for submissions.
package store

import (
	"context"

	"github.com/pitabwire/formflow/model"
)

// Store is the persistence surface the workflow engine, the permission
// evaluator and the HTTP layer depend on.
type Store interface {
	// CreateSubmission inserts a new submission. Returns CONFLICT if the id
	// is taken.
	CreateSubmission(ctx context.Context, sub model.Submission) (model.Submission, error)

	// Load returns the submission with the given id, or NOT_FOUND.
	Load(ctx context.Context, submissionID string) (model.Submission, error)

	// Save writes the workflow state and status when the stored revision
	// equals patch.ExpectedRevision, and increments the revision. Returns
	// CONFLICT on a revision mismatch and NOT_FOUND for an unknown id.
	Save(ctx context.Context, submissionID string, patch model.SubmissionPatch) (model.Submission, error)

	// PutUser inserts or replaces a user record.
	PutUser(ctx context.Context, user model.User) error

	// GetUser returns the user with the given id, or NOT_FOUND.
	GetUser(ctx context.Context, userID string) (model.User, error)

	// FindGrant returns the grant for the exact triple, or nil, nil.
	FindGrant(ctx context.Context, userID, resource, resourceID string) (*model.PermissionGrant, error)

	// UpsertGrant inserts the grant or replaces the flags of the grant that
	// already holds its triple. The stored grant is returned.
	UpsertGrant(ctx context.Context, grant model.PermissionGrant) (model.PermissionGrant, error)

	// ListGrants returns the grants owned by userID, ordered by resource
	// then resource id.
	ListGrants(ctx context.Context, userID string) ([]model.PermissionGrant, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
