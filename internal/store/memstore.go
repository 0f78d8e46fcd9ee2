package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/formflow/model"
)

type grantKey struct {
	user, resource, resourceID string
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]model.Submission
	users       map[string]model.User
	grants      map[grantKey]model.PermissionGrant
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		submissions: make(map[string]model.Submission),
		users:       make(map[string]model.User),
		grants:      make(map[grantKey]model.PermissionGrant),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateSubmission inserts a new submission.
func (s *MemoryStore) CreateSubmission(_ context.Context, sub model.Submission) (model.Submission, error) {
	sub = prepareSubmission(sub, s.now())
	if err := ValidateSubmission(sub); err != nil {
		return model.Submission{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.submissions[sub.ID]; exists {
		return model.Submission{}, model.NewConflictError(
			fmt.Sprintf("submission %q already exists", sub.ID),
		)
	}
	s.submissions[sub.ID] = cloneSubmission(sub)
	return sub, nil
}

// Load returns a copy of the stored submission.
func (s *MemoryStore) Load(_ context.Context, submissionID string) (model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, exists := s.submissions[submissionID]
	if !exists {
		return model.Submission{}, submissionNotFound(submissionID)
	}
	return cloneSubmission(sub), nil
}

// Save applies the patch when the stored revision matches.
func (s *MemoryStore) Save(_ context.Context, submissionID string, patch model.SubmissionPatch) (model.Submission, error) {
	if err := ValidatePatch(patch); err != nil {
		return model.Submission{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.submissions[submissionID]
	if !exists {
		return model.Submission{}, submissionNotFound(submissionID)
	}
	if sub.Revision != patch.ExpectedRevision {
		return model.Submission{}, revisionConflict(submissionID, patch.ExpectedRevision, sub.Revision)
	}

	sub = applyPatch(sub, patch, s.now())
	s.submissions[submissionID] = cloneSubmission(sub)
	return sub, nil
}

// PutUser inserts or replaces a user record.
func (s *MemoryStore) PutUser(_ context.Context, user model.User) error {
	if err := ValidateUser(user); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user.Permissions = append([]model.GlobalPermission(nil), user.Permissions...)
	s.users[user.ID] = user
	return nil
}

// GetUser returns the user with the given id.
func (s *MemoryStore) GetUser(_ context.Context, userID string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[userID]
	if !exists {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", userID))
	}
	user.Permissions = append([]model.GlobalPermission(nil), user.Permissions...)
	return user, nil
}

// FindGrant returns the grant for the exact triple, or nil.
func (s *MemoryStore) FindGrant(_ context.Context, userID, resource, resourceID string) (*model.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, exists := s.grants[grantKey{userID, resource, resourceID}]
	if !exists {
		return nil, nil
	}
	grant = cloneGrant(grant)
	return &grant, nil
}

// UpsertGrant stores the grant under its triple. An existing grant keeps its
// id and creation time.
func (s *MemoryStore) UpsertGrant(_ context.Context, grant model.PermissionGrant) (model.PermissionGrant, error) {
	if err := ValidateGrant(grant); err != nil {
		return model.PermissionGrant{}, err
	}
	grant = normalizeGrant(grant)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey{grant.User, grant.Resource, grant.ResourceID}
	if existing, ok := s.grants[key]; ok {
		grant.ID = existing.ID
		grant.CreatedAt = existing.CreatedAt
	}
	s.grants[key] = cloneGrant(grant)
	return cloneGrant(grant), nil
}

// ListGrants returns the grants owned by userID.
func (s *MemoryStore) ListGrants(_ context.Context, userID string) ([]model.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PermissionGrant
	for key, grant := range s.grants {
		if key.user == userID {
			out = append(out, cloneGrant(grant))
		}
	}
	sortGrants(out)
	return out, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored submissions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.submissions)
}

// --- helpers shared by every backend ---

// prepareSubmission fills defaults for a submission about to be created.
func prepareSubmission(sub model.Submission, now time.Time) model.Submission {
	if sub.Status == "" {
		sub.Status = model.SubmissionStatusDraft
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}
	return sub
}

// applyPatch returns sub with the patch written over it and the revision
// bumped. An empty patch status leaves the status unchanged.
func applyPatch(sub model.Submission, patch model.SubmissionPatch, now time.Time) model.Submission {
	state := cloneState(patch.WorkflowState)
	sub.WorkflowState = &state
	if patch.Status != "" {
		sub.Status = patch.Status
	}
	sub.Revision++
	sub.UpdatedAt = now
	return sub
}

func submissionNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("submission %q not found", id))
}

func revisionConflict(id string, expected, actual int64) error {
	return model.NewConflictError(
		fmt.Sprintf("submission %q revision conflict (expected %d, got %d)", id, expected, actual),
	)
}

func cloneState(st model.SubmissionWorkflowState) model.SubmissionWorkflowState {
	st.History = append([]model.HistoryEntry(nil), st.History...)
	return st
}

func cloneSubmission(sub model.Submission) model.Submission {
	if sub.WorkflowState != nil {
		st := cloneState(*sub.WorkflowState)
		sub.WorkflowState = &st
	}
	if sub.Data != nil {
		data := make(map[string]any, len(sub.Data))
		for k, v := range sub.Data {
			data[k] = v
		}
		sub.Data = data
	}
	return sub
}

func cloneGrant(g model.PermissionGrant) model.PermissionGrant {
	g.Permissions = g.Permissions.Clone()
	if g.FieldPermissions != nil {
		g.FieldPermissions = g.FieldPermissions.Merge(nil)
	}
	return g
}

func sortGrants(grants []model.PermissionGrant) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].Resource != grants[j].Resource {
			return grants[i].Resource < grants[j].Resource
		}
		return grants[i].ResourceID < grants[j].ResourceID
	})
}
