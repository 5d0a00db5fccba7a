package persistent

import (
	"context"
	"errors"
	"fmt"
	"time"

	readmarker "github.com/rbaliyan/event-readmarker"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Errors returned by the store.
var (
	// ErrCollectionRequired is returned when a nil collection is passed to NewStore.
	ErrCollectionRequired = errors.New("mongodb collection is required")

	// ErrMessageIDRequired is returned by Append when the message has no id.
	ErrMessageIDRequired = errors.New("message id is required")
)

// storedMessage represents the MongoDB document structure for messages.
type storedMessage struct {
	ID        string    `bson:"_id"`
	Account   string    `bson:"account"`
	User      string    `bson:"user"`
	StanzaID  string    `bson:"stanza_id"`
	Timestamp time.Time `bson:"timestamp"`
	Displayed bool      `bson:"displayed"`
	Read      bool      `bson:"read"`
	ReadAt    time.Time `bson:"read_at,omitempty"`
}

// Store implements readmarker.MessageStore using MongoDB.
//
// Document structure:
//
//	{
//	    "_id": "5f0c...",                 // Unique local message id
//	    "account": "alice@example.org",
//	    "user": "bob@example.org",
//	    "stanza_id": "msg-42",
//	    "timestamp": ISODate("..."),
//	    "displayed": false,                // Set by MarkDisplayed, followed by Watcher
//	    "read": false,
//	    "read_at": ISODate("...")          // When the message was marked read
//	}
//
// MarkRead runs in a multi-document transaction, which needs a replica set.
// Use WithoutTransactions against a standalone server.
type Store struct {
	collection     *mongo.Collection
	ttl            time.Duration
	noTransactions bool
}

// StoreOption configures the MongoDB store.
type StoreOption func(*Store)

// WithTTL sets the TTL for read messages.
// MongoDB will automatically delete read messages after this duration.
// Default is 0 (no automatic deletion).
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithoutTransactions marks messages read with a single UpdateMany instead
// of a transaction. Each document update is still atomic, but a failure
// part way through can leave some ids marked.
func WithoutTransactions() StoreOption {
	return func(s *Store) {
		s.noTransactions = true
	}
}

// NewStore creates a new MongoDB-backed message store.
//
// Example:
//
//	store, err := persistent.NewStore(
//	    mongoClient.Database("chat").Collection("messages"),
//	    persistent.WithTTL(30*24*time.Hour),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store.EnsureIndexes(ctx)
func NewStore(collection *mongo.Collection, opts ...StoreOption) (*Store, error) {
	if collection == nil {
		return nil, ErrCollectionRequired
	}

	s := &Store{
		collection: collection,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append stores an unread message.
func (s *Store) Append(ctx context.Context, msg readmarker.Message) error {
	if msg.ID == "" {
		return ErrMessageIDRequired
	}
	_, err := s.collection.InsertOne(ctx, storedMessage{
		ID:        msg.ID,
		Account:   msg.Account,
		User:      msg.User,
		StanzaID:  msg.StanzaID,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// MarkDisplayed flags a message of the conversation as shown to the user.
// A Watcher on the collection picks the change up and submits the message.
// Flagging an already displayed message is a no-op and produces no change.
func (s *Store) MarkDisplayed(ctx context.Context, key readmarker.Key, id string) error {
	if id == "" {
		return ErrMessageIDRequired
	}
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "account": key.Account, "user": key.User},
		bson.M{"$set": bson.M{"displayed": true}},
	)
	if err != nil {
		return fmt.Errorf("mark displayed: %w", err)
	}
	return nil
}

// UnreadUpTo returns the ids of unread messages of the conversation with a
// timestamp at or before upTo, oldest first.
func (s *Store) UnreadUpTo(ctx context.Context, key readmarker.Key, upTo time.Time) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})

	cursor, err := s.collection.Find(ctx, buildUnreadFilter(key, upTo), opts)
	if err != nil {
		return nil, fmt.Errorf("find unread messages: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread messages: %w", err)
	}
	return ids, nil
}

// MarkRead marks the given messages of the conversation as read.
func (s *Store) MarkRead(ctx context.Context, key readmarker.Key, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if s.noTransactions {
		_, err := s.markRead(ctx, key, ids)
		return err
	}

	session, err := s.collection.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return s.markRead(txCtx, key, ids)
	})
	if err != nil {
		return fmt.Errorf("mark read transaction: %w", err)
	}
	return nil
}

func (s *Store) markRead(ctx context.Context, key readmarker.Key, ids []string) (*mongo.UpdateResult, error) {
	result, err := s.collection.UpdateMany(ctx,
		buildMarkReadFilter(key, ids),
		bson.M{"$set": bson.M{
			"read":    true,
			"read_at": time.Now(),
		}},
	)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return result, nil
}

// buildUnreadFilter selects unread messages of the conversation up to upTo.
func buildUnreadFilter(key readmarker.Key, upTo time.Time) bson.M {
	return bson.M{
		"account":   key.Account,
		"user":      key.User,
		"read":      false,
		"timestamp": bson.M{"$lte": upTo},
	}
}

// buildMarkReadFilter restricts ids to the conversation so a foreign id
// can never be marked.
func buildMarkReadFilter(key readmarker.Key, ids []string) bson.M {
	return bson.M{
		"_id":     bson.M{"$in": ids},
		"account": key.Account,
		"user":    key.User,
		"read":    false,
	}
}

// EnsureIndexes creates the required indexes for efficient queries.
// Call this once during application startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Indexes returns the index models for manual creation.
// Use this if you prefer to manage indexes separately (e.g., via migrations).
//
//   - (account, user, read, timestamp) - for UnreadUpTo
//   - (read_at) with TTL - for automatic cleanup (if TTL configured)
func (s *Store) Indexes() []mongo.IndexModel {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "account", Value: 1},
				{Key: "user", Value: 1},
				{Key: "read", Value: 1},
				{Key: "timestamp", Value: 1},
			},
			Options: options.Index().SetName("conversation_unread_timestamp"),
		},
	}

	if s.ttl > 0 {
		indexes = append(indexes, mongo.IndexModel{
			Keys: bson.D{{Key: "read_at", Value: 1}},
			Options: options.Index().
				SetName("read_ttl").
				SetExpireAfterSeconds(int32(s.ttl.Seconds())).
				SetPartialFilterExpression(bson.M{"read": true}),
		})
	}

	return indexes
}

// Collection returns the underlying MongoDB collection for custom queries.
func (s *Store) Collection() *mongo.Collection {
	return s.collection
}

// Stats holds message counts for monitoring.
type Stats struct {
	Unread int64 `json:"unread"`
	Read   int64 `json:"read"`
	Total  int64 `json:"total"`
}

// GetStats returns read/unread counts for the conversation.
// Pass an empty Key to get stats across all conversations.
func (s *Store) GetStats(ctx context.Context, key readmarker.Key) (*Stats, error) {
	filter := bson.M{}
	if key.Account != "" {
		filter["account"] = key.Account
	}
	if key.User != "" {
		filter["user"] = key.User
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filter}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$read",
			"count": bson.M{"$sum": 1},
		}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	stats := &Stats{}
	for cursor.Next(ctx) {
		var result struct {
			Read  bool  `bson:"_id"`
			Count int64 `bson:"count"`
		}
		if err := cursor.Decode(&result); err != nil {
			return nil, fmt.Errorf("decode stats result: %w", err)
		}
		if result.Read {
			stats.Read = result.Count
		} else {
			stats.Unread = result.Count
		}
		stats.Total += result.Count
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}

	return stats, nil
}

// Purge deletes read messages marked read longer than age ago.
// Use this for manual cleanup if TTL is not configured.
func (s *Store) Purge(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	result, err := s.collection.DeleteMany(ctx, bson.M{
		"read":    true,
		"read_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return result.DeletedCount, nil
}

// Compile-time check
var _ readmarker.MessageStore = (*Store)(nil)
