package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/pitabwire/formflow/model"
)

// Collection names.
const (
	submissionsCollection = "submissions"
	usersCollection       = "users"
	grantsCollection      = "permission_grants"
)

// MongoStore is a Store backed by MongoDB documents.
type MongoStore struct {
	client      *mongo.Client
	submissions *mongo.Collection
	users       *mongo.Collection
	grants      *mongo.Collection
	now         func() time.Time
}

// OpenMongo connects to uri, selects database and ensures indexes.
func OpenMongo(ctx context.Context, uri, database string, connectTimeout time.Duration) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	if connectTimeout > 0 {
		opts.SetConnectTimeout(connectTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := NewMongoStore(client, database)
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// NewMongoStore wraps a connected client.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:      client,
		submissions: db.Collection(submissionsCollection),
		users:       db.Collection(usersCollection),
		grants:      db.Collection(grantsCollection),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the unique grant triple index and the submission
// form index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.grants.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user", Value: 1}, {Key: "resource", Value: 1}, {Key: "resource_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("grant_triple"),
	})
	if err != nil {
		return fmt.Errorf("create grant index: %w", err)
	}
	_, err = s.submissions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "application_id", Value: 1}, {Key: "form_id", Value: 1}},
		Options: options.Index().SetName("submission_form"),
	})
	if err != nil {
		return fmt.Errorf("create submission index: %w", err)
	}
	return nil
}

// CreateSubmission inserts a new submission.
func (s *MongoStore) CreateSubmission(ctx context.Context, sub model.Submission) (model.Submission, error) {
	sub = prepareSubmission(sub, s.now())
	if err := ValidateSubmission(sub); err != nil {
		return model.Submission{}, err
	}

	_, err := s.submissions.InsertOne(ctx, sub)
	if mongo.IsDuplicateKeyError(err) {
		return model.Submission{}, model.NewConflictError(fmt.Sprintf("submission %q already exists", sub.ID))
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

// Load returns the submission with the given id.
func (s *MongoStore) Load(ctx context.Context, submissionID string) (model.Submission, error) {
	var sub model.Submission
	err := s.submissions.FindOne(ctx, bson.M{"_id": submissionID}).Decode(&sub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Submission{}, submissionNotFound(submissionID)
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("find submission: %w", err)
	}
	return sub, nil
}

// Save applies the patch when the stored revision matches.
func (s *MongoStore) Save(ctx context.Context, submissionID string, patch model.SubmissionPatch) (model.Submission, error) {
	if err := ValidatePatch(patch); err != nil {
		return model.Submission{}, err
	}

	set := bson.M{
		"workflow_state": patch.WorkflowState,
		"updated_at":     s.now(),
	}
	if patch.Status != "" {
		set["status"] = patch.Status
	}

	res, err := s.submissions.UpdateOne(ctx,
		bson.M{"_id": submissionID, "revision": patch.ExpectedRevision},
		bson.M{"$set": set, "$inc": bson.M{"revision": 1}},
	)
	if err != nil {
		return model.Submission{}, fmt.Errorf("update submission: %w", err)
	}
	if res.MatchedCount == 0 {
		current, err := s.Load(ctx, submissionID)
		if err != nil {
			return model.Submission{}, err
		}
		return model.Submission{}, revisionConflict(submissionID, patch.ExpectedRevision, current.Revision)
	}
	return s.Load(ctx, submissionID)
}

// PutUser inserts or replaces a user record.
func (s *MongoStore) PutUser(ctx context.Context, user model.User) error {
	if err := ValidateUser(user); err != nil {
		return err
	}
	_, err := s.users.ReplaceOne(ctx, bson.M{"_id": user.ID}, user, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser returns the user with the given id.
func (s *MongoStore) GetUser(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	err := s.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", userID))
	}
	if err != nil {
		return model.User{}, fmt.Errorf("find user: %w", err)
	}
	return user, nil
}

// FindGrant returns the grant for the exact triple, or nil.
func (s *MongoStore) FindGrant(ctx context.Context, userID, resource, resourceID string) (*model.PermissionGrant, error) {
	var grant model.PermissionGrant
	err := s.grants.FindOne(ctx, grantFilter(userID, resource, resourceID)).Decode(&grant)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find grant: %w", err)
	}
	return &grant, nil
}

// UpsertGrant stores the grant under its triple. The id and creation time
// are only written on insert.
func (s *MongoStore) UpsertGrant(ctx context.Context, grant model.PermissionGrant) (model.PermissionGrant, error) {
	if err := ValidateGrant(grant); err != nil {
		return model.PermissionGrant{}, err
	}
	grant = normalizeGrant(grant)

	update := bson.M{
		"$set": bson.M{
			"permissions":       grant.Permissions,
			"field_permissions": grant.FieldPermissions,
			"updated_at":        grant.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"_id":        grant.ID,
			"created_at": grant.CreatedAt,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var stored model.PermissionGrant
	err := s.grants.FindOneAndUpdate(ctx, grantFilter(grant.User, grant.Resource, grant.ResourceID), update, opts).
		Decode(&stored)
	if err != nil {
		return model.PermissionGrant{}, fmt.Errorf("upsert grant: %w", err)
	}
	return stored, nil
}

// ListGrants returns the grants owned by userID.
func (s *MongoStore) ListGrants(ctx context.Context, userID string) ([]model.PermissionGrant, error) {
	cur, err := s.grants.Find(ctx, bson.M{"user": userID},
		options.Find().SetSort(bson.D{{Key: "resource", Value: 1}, {Key: "resource_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find grants: %w", err)
	}
	var grants []model.PermissionGrant
	if err := cur.All(ctx, &grants); err != nil {
		return nil, fmt.Errorf("decode grants: %w", err)
	}
	return grants, nil
}

// HealthCheck pings the primary.
func (s *MongoStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func grantFilter(userID, resource, resourceID string) bson.M {
	return bson.M{"user": userID, "resource": resource, "resource_id": resourceID}
}
