package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps durable registrations in MongoDB with a read-through LRU
// cache keyed by client id and subscription name.
type MongoStore struct {
	collection *mongo.Collection
	timeout    time.Duration
	cache      *expirable.LRU[string, *DurableSubscription]
}

func NewMongoStore(collection *mongo.Collection, timeout time.Duration, cacheSize int, cacheTTL time.Duration) *MongoStore {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	return &MongoStore{
		collection: collection,
		timeout:    timeout,
		cache:      expirable.NewLRU[string, *DurableSubscription](cacheSize, nil, cacheTTL),
	}
}

func handleErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", ErrDurableNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ms *MongoStore) GetDurable(ctx context.Context, clientID, name string) (*DurableSubscription, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	key := DurableKey(clientID, name)
	if sub, ok := ms.cache.Get(key); ok {
		c := *sub
		return &c, nil
	}

	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: clientID}, {Key: "name", Value: name}}
	var sub DurableSubscription

	startTime := time.Now()
	err := ms.collection.FindOne(ctx, filter).Decode(&sub)
	logger.DebugF("durable subscription query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, handleErr(err)
	}

	ms.cache.Add(key, &sub)
	c := sub
	return &c, nil
}

func (ms *MongoStore) SaveDurable(ctx context.Context, sub *DurableSubscription) error {
	if sub.ClientID == "" {
		return ErrClientIDEmpty
	}

	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: sub.ClientID}, {Key: "name", Value: sub.Name}}
	opts := options.Replace().SetUpsert(true)

	result, err := ms.collection.ReplaceOne(ctx, filter, sub, opts)
	if err != nil {
		ms.cache.Remove(sub.Key())
		return handleErr(err)
	}

	c := *sub
	ms.cache.Add(sub.Key(), &c)
	logger.InfoF("Durable subscription saved: key=%s, matched=%d, modified=%d, upserted=%v",
		sub.Key(),
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ms *MongoStore) DeleteDurable(ctx context.Context, clientID, name string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}

	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	ms.cache.Remove(DurableKey(clientID, name))
	filter := bson.D{{Key: "client_id", Value: clientID}, {Key: "name", Value: name}}
	result, err := ms.collection.DeleteOne(ctx, filter)
	if err != nil {
		return handleErr(err)
	}

	logger.InfoF("Durable subscription deleted: key=%s, deleted=%d", DurableKey(clientID, name), result.DeletedCount)
	return nil
}

func (ms *MongoStore) ListDurables(ctx context.Context) ([]*DurableSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "client_id", Value: 1}, {Key: "name", Value: 1}})
	cursor, err := ms.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, handleErr(err)
	}
	var result []*DurableSubscription
	if err = cursor.All(ctx, &result); err != nil {
		return nil, handleErr(err)
	}
	for _, sub := range result {
		c := *sub
		ms.cache.Add(sub.Key(), &c)
	}
	return result, nil
}
