package readmarker

import (
	"context"
	"time"
)

// MessageStore is the persistence collaborator of the sender.
// Implementations exist for MongoDB (persistent package) and SQLite
// (sqlitestore package).
type MessageStore interface {
	// UnreadUpTo returns the ids of unread messages of the conversation
	// with a timestamp at or before upTo, oldest first.
	UnreadUpTo(ctx context.Context, key Key, upTo time.Time) ([]string, error)

	// MarkRead sets read = true for the given ids of the conversation.
	// The update must be atomic: either every id is marked or none is.
	MarkRead(ctx context.Context, key Key, ids []string) error
}

// MarkerSender delivers displayed markers to the remote peer.
// A returned error is treated as recoverable: it is logged and the
// local read state is still updated.
type MarkerSender interface {
	SendDisplayed(ctx context.Context, marker DisplayedMarker) error
}

// Notifier publishes read events to the rest of the application.
type Notifier interface {
	NotifyRead(ctx context.Context, ev ReadEvent) error
}

// MarkerSenderFunc adapts a function to MarkerSender.
type MarkerSenderFunc func(ctx context.Context, marker DisplayedMarker) error

// SendDisplayed calls f(ctx, marker).
func (f MarkerSenderFunc) SendDisplayed(ctx context.Context, marker DisplayedMarker) error {
	return f(ctx, marker)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev ReadEvent) error

// NotifyRead calls f(ctx, ev).
func (f NotifierFunc) NotifyRead(ctx context.Context, ev ReadEvent) error {
	return f(ctx, ev)
}

// Compile-time checks
var (
	_ MarkerSender = MarkerSenderFunc(nil)
	_ Notifier     = NotifierFunc(nil)
)
