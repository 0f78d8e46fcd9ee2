package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/formflow/model"
)

//go:embed pg_schema.sql
var pgSchema string

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPgStore wraps an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// OpenPostgres connects a pool using dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, maxConnLifetime time.Duration) (*PgStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	if maxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = maxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := NewPgStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// CreateSubmission inserts a new submission.
func (s *PgStore) CreateSubmission(ctx context.Context, sub model.Submission) (model.Submission, error) {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO submissions (
			id, application_id, form_id, data, status, workflow_state,
			submitted_by, revision, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.ApplicationID, sub.FormID, dataJSON, sub.Status, stateJSON,
		sub.SubmittedBy, sub.Revision, sub.CreatedAt, sub.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.Submission{}, model.NewConflictError(fmt.Sprintf("submission %q already exists", sub.ID))
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

// Load returns the submission with the given id.
func (s *PgStore) Load(ctx context.Context, submissionID string) (model.Submission, error) {
	var sub model.Submission
	var dataJSON, stateJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, application_id, form_id, data, status, workflow_state,
		       submitted_by, revision, created_at, updated_at
		FROM submissions
		WHERE id = $1`,
		submissionID,
	).Scan(
		&sub.ID, &sub.ApplicationID, &sub.FormID, &dataJSON, &sub.Status, &stateJSON,
		&sub.SubmittedBy, &sub.Revision, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PgStore) Save(ctx context.Context, submissionID string, patch model.SubmissionPatch) (model.Submission, error) {
	if err := ValidatePatch(patch); err != nil {
		return model.Submission{}, err
	}

	stateJSON, err := encodeJSON(patch.WorkflowState)
	if err != nil {
		return model.Submission{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE submissions SET
			workflow_state = $1,
			status = COALESCE(NULLIF($2, ''), status),
			revision = revision + 1,
			updated_at = $3
		WHERE id = $4 AND revision = $5`,
		stateJSON, patch.Status, s.now(),
		submissionID, patch.ExpectedRevision,
	)
	if err != nil {
		return model.Submission{}, fmt.Errorf("update submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := s.Load(ctx, submissionID)
		if err != nil {
			return model.Submission{}, err
		}
		return model.Submission{}, revisionConflict(submissionID, patch.ExpectedRevision, current.Revision)
	}
	return s.Load(ctx, submissionID)
}

// PutUser inserts or replaces a user record.
func (s *PgStore) PutUser(ctx context.Context, user model.User) error {
	if err := ValidateUser(user); err != nil {
		return err
	}
	permsJSON, err := encodeJSON(user.Permissions)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO users (id, email, name, role, permissions)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			permissions = EXCLUDED.permissions`,
		user.ID, user.Email, user.Name, user.Role, permsJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser returns the user with the given id.
func (s *PgStore) GetUser(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	var permsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, role, permissions FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &user.Email, &user.Name, &user.Role, &permsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PgStore) FindGrant(ctx context.Context, userID, resource, resourceID string) (*model.PermissionGrant, error) {
	grants, err := s.queryGrants(ctx, grantSelect+`
		WHERE user_id = $1 AND resource = $2 AND resource_id = $3`,
		userID, resource, resourceID,
	)
	if err != nil || len(grants) == 0 {
		return nil, err
	}
	return &grants[0], nil
}

// UpsertGrant stores the grant under its triple and returns the stored row.
func (s *PgStore) UpsertGrant(ctx context.Context, grant model.PermissionGrant) (model.PermissionGrant, error) {
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

	grants, err := s.queryGrants(ctx, `
		INSERT INTO permission_grants (
			id, user_id, resource, resource_id, permissions, field_permissions, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, resource, resource_id) DO UPDATE SET
			permissions = EXCLUDED.permissions,
			field_permissions = EXCLUDED.field_permissions,
			updated_at = EXCLUDED.updated_at
		RETURNING id, user_id, resource, resource_id, permissions, field_permissions, created_at, updated_at`,
		grant.ID, grant.User, grant.Resource, grant.ResourceID,
		permsJSON, fieldsJSON, grant.CreatedAt, grant.UpdatedAt,
	)
	if err != nil {
		return model.PermissionGrant{}, fmt.Errorf("upsert grant: %w", err)
	}
	if len(grants) == 0 {
		return model.PermissionGrant{}, fmt.Errorf("upsert grant: no row returned")
	}
	return grants[0], nil
}

// ListGrants returns the grants owned by userID.
func (s *PgStore) ListGrants(ctx context.Context, userID string) ([]model.PermissionGrant, error) {
	return s.queryGrants(ctx, grantSelect+`
		WHERE user_id = $1
		ORDER BY resource, resource_id`,
		userID,
	)
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PgStore) queryGrants(ctx context.Context, query string, args ...any) ([]model.PermissionGrant, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
