package persistent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	readmarker "github.com/rbaliyan/event-readmarker"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/event/v3/transport/base"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Errors returned by the watcher.
var (
	// ErrHandlerRequired is returned when NewWatcher gets a nil handler.
	ErrHandlerRequired = errors.New("displayed handler is required")

	// ErrWatcherStarted is returned by Start when the watcher is already running.
	ErrWatcherStarted = errors.New("watcher already started")
)

// changeStreamHistoryLost is the server error code for a resume token that
// fell off the oplog.
const changeStreamHistoryLost = 286

// Watcher follows the messages collection through a change stream and hands
// every message flagged displayed (see Store.MarkDisplayed) to a handler,
// usually Sender.Submit. It lets one process own the sender while others
// only write the displayed flag.
//
// Change streams need a replica set.
type Watcher struct {
	collection *mongo.Collection
	handler    func(readmarker.Message) error
	logger     *slog.Logger
	tokens     *ResumeTokenStore
	tokenID    string
	batchSize  *int32
	maxAwait   *time.Duration

	status int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithResumeTokens persists resume tokens under id. Without it the watcher
// starts from the current position on every (re)connect and misses flags
// written while it was down. id defaults to the hostname.
func WithResumeTokens(store *ResumeTokenStore, id string) WatcherOption {
	return func(w *Watcher) {
		w.tokens = store
		if id != "" {
			w.tokenID = id
		}
	}
}

// WithWatchBatchSize sets the change stream batch size.
func WithWatchBatchSize(size int32) WatcherOption {
	return func(w *Watcher) {
		if size > 0 {
			w.batchSize = &size
		}
	}
}

// WithMaxAwaitTime sets how long the server waits for new changes per getMore.
func WithMaxAwaitTime(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.maxAwait = &d
		}
	}
}

// NewWatcher creates a watcher on the messages collection used by Store.
func NewWatcher(collection *mongo.Collection, handler func(readmarker.Message) error, opts ...WatcherOption) (*Watcher, error) {
	if collection == nil {
		return nil, ErrCollectionRequired
	}
	if handler == nil {
		return nil, ErrHandlerRequired
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "default"
	}

	w := &Watcher{
		collection: collection,
		handler:    handler,
		logger:     transport.Logger("readmarker>watcher"),
		tokenID:    hostname,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start runs the watch loop in the background until Close.
// The loop reconnects with backoff after stream errors.
func (w *Watcher) Start() error {
	if !atomic.CompareAndSwapInt32(&w.status, 0, 1) {
		return ErrWatcherStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop(ctx)
	}()
	return nil
}

// Close stops the watch loop and waits for it to exit.
func (w *Watcher) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.status, 1, 2) {
		return nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) watchLoop(ctx context.Context) {
	backoff := base.NewBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		err := w.watchOnce(ctx)
		if err == nil {
			backoff.Reset()
			continue
		}
		if errors.Is(err, context.Canceled) {
			return
		}

		wait := backoff.Next()
		w.logger.Error("change stream error, reconnecting", "error", err, "backoff", wait)

		if isHistoryLost(err) && w.tokens != nil {
			w.logger.Warn("resume token is stale, starting from current position")
			if clearErr := w.tokens.Save(ctx, w.tokenID, nil); clearErr != nil {
				w.logger.Error("failed to clear stale resume token", "error", clearErr)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// isHistoryLost reports whether err means the resume token is no longer in
// the oplog.
func isHistoryLost(err error) bool {
	if err == nil {
		return false
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(changeStreamHistoryLost) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "ChangeStreamHistoryLost") ||
		strings.Contains(msg, "resume point may no longer be in the oplog")
}

// displayedPipeline matches updates that set the displayed flag.
func displayedPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType": "update",
			"updateDescription.updatedFields.displayed": true,
		}}},
	}
}

func (w *Watcher) watchOnce(ctx context.Context) error {
	csOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if w.batchSize != nil {
		csOpts.SetBatchSize(*w.batchSize)
	}
	if w.maxAwait != nil {
		csOpts.SetMaxAwaitTime(*w.maxAwait)
	}

	if w.tokens != nil {
		token, err := w.tokens.Load(ctx, w.tokenID)
		if err != nil {
			w.logger.Warn("failed to load resume token", "error", err)
		} else if token != nil {
			csOpts.SetResumeAfter(token)
			w.logger.Debug("resuming from stored token", "id", w.tokenID)
		}
	}

	cs, err := w.collection.Watch(ctx, displayedPipeline(), csOpts)
	if err != nil {
		return fmt.Errorf("open change stream: %w", err)
	}
	defer func() { _ = cs.Close(context.Background()) }()

	w.logger.Info("change stream opened",
		"database", w.collection.Database().Name(), "collection", w.collection.Name())

	for cs.Next(ctx) {
		if err := w.processChange(cs); err != nil {
			// Continue with the next change.
			w.logger.Error("failed to process change", "error", err)
		}
		if w.tokens != nil {
			if err := w.tokens.Save(ctx, w.tokenID, cs.ResumeToken()); err != nil {
				w.logger.Warn("failed to save resume token", "error", err)
			}
		}
	}
	return cs.Err()
}

type displayedChange struct {
	FullDocument *storedMessage `bson:"fullDocument"`
}

func (w *Watcher) processChange(cs *mongo.ChangeStream) error {
	var change displayedChange
	if err := cs.Decode(&change); err != nil {
		return fmt.Errorf("decode change: %w", err)
	}
	doc := change.FullDocument
	// Deleted since the update, or read through an earlier marker.
	if doc == nil || doc.Read {
		return nil
	}

	return w.handler(readmarker.Message{
		ID:        doc.ID,
		Account:   doc.Account,
		User:      doc.User,
		StanzaID:  doc.StanzaID,
		Timestamp: doc.Timestamp,
	})
}
