package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/pitabwire/formflow/model"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore is a Store backed by an embedded SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens the database at path, applies pragmas and
// creates missing tables.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite %s: %w", path, err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// CreateSubmission inserts a new submission.
func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub model.Submission) (model.Submission, error) {
	sub = prepareSubmission(sub, s.now())
	if err := ValidateSubmission(sub); err != nil {
		return model.Submission{}, err
	}

	dataJSON, err := encodeJSON(sub.Data)
	if err != nil {
		return model.Submission{}, err
	}
	stateJSON, err := encodeJSON(sub.WorkflowState)
	if err != nil {
		return model.Submission{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (
			id, application_id, form_id, data, status, workflow_state,
			submitted_by, revision, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.ApplicationID, sub.FormID, textColumn(dataJSON), sub.Status, textColumn(stateJSON),
		sub.SubmittedBy, sub.Revision, sub.CreatedAt, sub.UpdatedAt,
	)
	if isSQLiteConstraint(err) {
		return model.Submission{}, model.NewConflictError(fmt.Sprintf("submission %q already exists", sub.ID))
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

// Load returns the submission with the given id.
func (s *SQLiteStore) Load(ctx context.Context, submissionID string) (model.Submission, error) {
	var sub model.Submission
	var dataJSON, stateJSON []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, application_id, form_id, data, status, workflow_state,
		       submitted_by, revision, created_at, updated_at
		FROM submissions
		WHERE id = ?`,
		submissionID,
	).Scan(
		&sub.ID, &sub.ApplicationID, &sub.FormID, &dataJSON, &sub.Status, &stateJSON,
		&sub.SubmittedBy, &sub.Revision, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Submission{}, submissionNotFound(submissionID)
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("query submission: %w", err)
	}

	if err := decodeJSON(dataJSON, &sub.Data); err != nil {
		return model.Submission{}, err
	}
	if err := decodeJSON(stateJSON, &sub.WorkflowState); err != nil {
		return model.Submission{}, err
	}
	return sub, nil
}

// Save applies the patch when the stored revision matches.
func (s *SQLiteStore) Save(ctx context.Context, submissionID string, patch model.SubmissionPatch) (model.Submission, error) {
	if err := ValidatePatch(patch); err != nil {
		return model.Submission{}, err
	}

	stateJSON, err := encodeJSON(patch.WorkflowState)
	if err != nil {
		return model.Submission{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET
			workflow_state = ?,
			status = CASE WHEN ? = '' THEN status ELSE ? END,
			revision = revision + 1,
			updated_at = ?
		WHERE id = ? AND revision = ?`,
		textColumn(stateJSON), patch.Status, patch.Status, s.now(),
		submissionID, patch.ExpectedRevision,
	)
	if err != nil {
		return model.Submission{}, fmt.Errorf("update submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Submission{}, fmt.Errorf("update submission: %w", err)
	}
	if n == 0 {
		return model.Submission{}, s.saveMiss(ctx, submissionID, patch.ExpectedRevision)
	}
	return s.Load(ctx, submissionID)
}

// saveMiss tells a missing submission apart from a stale revision.
func (s *SQLiteStore) saveMiss(ctx context.Context, submissionID string, expected int64) error {
	current, err := s.Load(ctx, submissionID)
	if err != nil {
		return err
	}
	return revisionConflict(submissionID, expected, current.Revision)
}

// PutUser inserts or replaces a user record.
func (s *SQLiteStore) PutUser(ctx context.Context, user model.User) error {
	if err := ValidateUser(user); err != nil {
		return err
	}
	permsJSON, err := encodeJSON(user.Permissions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, role, permissions)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			role = excluded.role,
			permissions = excluded.permissions`,
		user.ID, user.Email, user.Name, user.Role, textColumn(permsJSON),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser returns the user with the given id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	var permsJSON []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, role, permissions FROM users WHERE id = ?`, userID,
	).Scan(&user.ID, &user.Email, &user.Name, &user.Role, &permsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", userID))
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	if err := decodeJSON(permsJSON, &user.Permissions); err != nil {
		return model.User{}, err
	}
	return user, nil
}

// FindGrant returns the grant for the exact triple, or nil.
func (s *SQLiteStore) FindGrant(ctx context.Context, userID, resource, resourceID string) (*model.PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, grantSelect+`
		WHERE user_id = ? AND resource = ? AND resource_id = ?`,
		userID, resource, resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query grant: %w", err)
	}
	grants, err := scanGrants(rows)
	if err != nil || len(grants) == 0 {
		return nil, err
	}
	return &grants[0], nil
}

// UpsertGrant stores the grant under its triple.
func (s *SQLiteStore) UpsertGrant(ctx context.Context, grant model.PermissionGrant) (model.PermissionGrant, error) {
	if err := ValidateGrant(grant); err != nil {
		return model.PermissionGrant{}, err
	}
	grant = normalizeGrant(grant)
	permsJSON, err := encodeJSON(grant.Permissions)
	if err != nil {
		return model.PermissionGrant{}, err
	}
	fieldsJSON, err := encodeJSON(grant.FieldPermissions)
	if err != nil {
		return model.PermissionGrant{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permission_grants (
			id, user_id, resource, resource_id, permissions, field_permissions, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, resource, resource_id) DO UPDATE SET
			permissions = excluded.permissions,
			field_permissions = excluded.field_permissions,
			updated_at = excluded.updated_at`,
		grant.ID, grant.User, grant.Resource, grant.ResourceID,
		textColumn(permsJSON), textColumn(fieldsJSON), grant.CreatedAt, grant.UpdatedAt,
	)
	if err != nil {
		return model.PermissionGrant{}, fmt.Errorf("upsert grant: %w", err)
	}

	stored, err := s.FindGrant(ctx, grant.User, grant.Resource, grant.ResourceID)
	if err != nil {
		return model.PermissionGrant{}, err
	}
	if stored == nil {
		return model.PermissionGrant{}, fmt.Errorf("upsert grant: row for %s/%s vanished", grant.Resource, grant.ResourceID)
	}
	return *stored, nil
}

// ListGrants returns the grants owned by userID.
func (s *SQLiteStore) ListGrants(ctx context.Context, userID string) ([]model.PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, grantSelect+`
		WHERE user_id = ?
		ORDER BY resource, resource_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	return scanGrants(rows)
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const grantSelect = `
		SELECT id, user_id, resource, resource_id, permissions, field_permissions, created_at, updated_at
		FROM permission_grants`

func scanGrants(rows *sql.Rows) ([]model.PermissionGrant, error) {
	defer rows.Close()

	var grants []model.PermissionGrant
	for rows.Next() {
		var g model.PermissionGrant
		var permsJSON, fieldsJSON []byte
		if err := rows.Scan(
			&g.ID, &g.User, &g.Resource, &g.ResourceID, &permsJSON, &fieldsJSON, &g.CreatedAt, &g.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		if err := decodeJSON(permsJSON, &g.Permissions); err != nil {
			return nil, err
		}
		if err := decodeJSON(fieldsJSON, &g.FieldPermissions); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return grants, nil
}

// textColumn binds JSON as TEXT, or NULL for nil.
func textColumn(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

func isSQLiteConstraint(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
