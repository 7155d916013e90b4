package kvstore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ Store = (*MongoStore)(nil)

const defaultMongoCollection = "kv_store"

type mongoEntry struct {
	Key       string     `bson:"_id"`
	Value     []byte     `bson:"value"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

// MongoStore keeps values in a MongoDB collection. Expired documents are reaped
// by a TTL index on expires_at; reads also filter them because reaping is lazy.
type MongoStore struct {
	client  *mongo.Client
	coll    *mongo.Collection
	nowFunc func() time.Time
}

// NewMongoStore connects using a mongodb:// URI and ensures the TTL index.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	s := NewMongoStoreFromDB(client.Database(database))
	s.client = client
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// NewMongoStoreFromDB wraps an existing database handle.
func NewMongoStoreFromDB(db *mongo.Database) *MongoStore {
	return &MongoStore{
		coll:    db.Collection(defaultMongoCollection),
		nowFunc: time.Now,
	}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return err
}

func (s *MongoStore) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.nowFunc().Add(ttl).UTC()
	return &t
}

// liveFilter matches documents that have not expired yet.
func (s *MongoStore) liveFilter() bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"expires_at": bson.M{"$exists": false}},
		bson.M{"expires_at": bson.M{"$gt": s.nowFunc().UTC()}},
	}}
}

func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, error) {
	var e mongoEntry
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.ExpiresAt != nil && !s.nowFunc().Before(*e.ExpiresAt) {
		return nil, ErrNotFound
	}
	return e.Value, nil
}

func (s *MongoStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": key},
		mongoEntry{Key: key, Value: value, ExpiresAt: s.expiry(ttl)},
		options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) Delete(ctx context.Context, key string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func (s *MongoStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) error {
	replacement := mongoEntry{Key: key, Value: value, ExpiresAt: s.expiry(ttl)}

	if old == nil {
		// Either no document exists (upsert inserts) or an expired one is overwritten.
		filter := bson.M{"_id": key, "expires_at": bson.M{"$lte": s.nowFunc().UTC()}}
		_, err := s.coll.ReplaceOne(ctx, filter, replacement, options.Replace().SetUpsert(true))
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		return err
	}

	filter := bson.M{"$and": bson.A{bson.M{"_id": key, "value": old}, s.liveFilter()}}
	res, err := s.coll.ReplaceOne(ctx, filter, replacement)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

func (s *MongoStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(context.Background())
}
