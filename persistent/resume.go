package persistent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ResumeTokenStore persists change stream resume tokens so a Watcher picks up
// where it left off after a restart. One document is kept per watcher id.
type ResumeTokenStore struct {
	collection *mongo.Collection
}

type resumeTokenDoc struct {
	ID        string    `bson:"_id"` // Watcher id
	Token     bson.Raw  `bson:"token"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewResumeTokenStore creates a resume token store on collection.
//
// Example:
//
//	tokens, _ := persistent.NewResumeTokenStore(db.Collection("_readmarker_resume"))
//	w, _ := persistent.NewWatcher(messages, sender.Submit,
//	    persistent.WithResumeTokens(tokens, "worker-1"),
//	)
func NewResumeTokenStore(collection *mongo.Collection) (*ResumeTokenStore, error) {
	if collection == nil {
		return nil, ErrCollectionRequired
	}
	return &ResumeTokenStore{collection: collection}, nil
}

// Load returns the stored token for id, or nil if none was saved yet.
func (s *ResumeTokenStore) Load(ctx context.Context, id string) (bson.Raw, error) {
	var doc resumeTokenDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load resume token: %w", err)
	}
	return doc.Token, nil
}

// Save stores token for id. A nil token deletes the stored one, so the next
// stream starts from the current position.
func (s *ResumeTokenStore) Save(ctx context.Context, id string, token bson.Raw) error {
	if token == nil {
		if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			return fmt.Errorf("clear resume token: %w", err)
		}
		return nil
	}

	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"token": token, "updated_at": time.Now()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save resume token: %w", err)
	}
	return nil
}
