package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vidrelay/vidrelay/internal/config"
	"github.com/vidrelay/vidrelay/pkg/models"
)

// ErrNotFound is returned when no credential record exists for an identity.
var ErrNotFound = errors.New("credential record not found")

// Store persists per-user OAuth credential records in a shared Mongo
// collection. One record per user_id; email is a secondary lookup key.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// New connects to the document store and prepares the credential collection
func New(ctx context.Context, cfg config.MongoConfig) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)

	// user_id is the identity key; email is looked up on every upload request
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "email", Value: 1}},
		},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create credential indexes: %w", err)
	}

	return &Store{client: client, coll: coll}, nil
}

// Close disconnects from the document store
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Health checks if the document store is reachable
func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Upsert idempotently writes the token fields for rec's identity. A stored
// refresh token survives re-authorization when the authorization server did
// not reissue one (rec.RefreshToken empty).
func (s *Store) Upsert(ctx context.Context, rec *models.CredentialRecord) error {
	filter, update := upsertQuery(rec)

	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert credential record: %w", err)
	}

	return nil
}

// upsertQuery builds the identity-keyed update. The refresh token is only
// included in $set when present, so a missing reissue leaves the stored
// value untouched.
func upsertQuery(rec *models.CredentialRecord) (bson.M, bson.M) {
	set := bson.M{
		"email":        rec.Email,
		"access_token": rec.AccessToken,
		"token_expiry": rec.TokenExpiry,
	}
	if rec.RefreshToken != "" {
		set["refresh_token"] = rec.RefreshToken
	}

	filter := bson.M{"user_id": rec.UserID}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"user_id": rec.UserID},
	}

	return filter, update
}

// FindByUserID returns the record for the given identity, or ErrNotFound
func (s *Store) FindByUserID(ctx context.Context, userID string) (*models.CredentialRecord, error) {
	return s.findOne(ctx, bson.M{"user_id": userID})
}

// FindByEmail returns the record for the given email, or ErrNotFound
func (s *Store) FindByEmail(ctx context.Context, email string) (*models.CredentialRecord, error) {
	return s.findOne(ctx, bson.M{"email": email})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*models.CredentialRecord, error) {
	var rec models.CredentialRecord
	err := s.coll.FindOne(ctx, filter).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up credential record: %w", err)
	}

	return &rec, nil
}
