// Package mongo stores state records as documents keyed by record name.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/domain"
)

type record struct {
	Key       string    `bson:"_id"`
	Payload   []byte    `bson:"payload"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// StateRepository implements domain.StateRepository on one collection.
type StateRepository struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect dials MongoDB and verifies the connection.
func Connect(ctx context.Context, cfg config.MongoConfig) (*StateRepository, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := cfg.Database
	if db == "" {
		db = "pagemind"
	}
	coll := cfg.Collection
	if coll == "" {
		coll = "state_records"
	}
	return &StateRepository{client: client, coll: client.Database(db).Collection(coll)}, nil
}

func (r *StateRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var rec record
	err := r.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec.Payload, nil
}

func (r *StateRepository) Set(ctx context.Context, key string, value []byte) error {
	rec := record{Key: key, Payload: value, UpdatedAt: time.Now().UTC()}
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": key}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to set record: %w", err)
	}
	return nil
}

func (r *StateRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (r *StateRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
