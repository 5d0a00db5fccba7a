package readmarker

import (
	"context"
	"fmt"
	"log/slog"
)

// executor performs the downstream action for a settled conversation.
type executor struct {
	store    MessageStore
	markers  MarkerSender
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics
	onError  func(error)
}

// execute marks every unread message up to msg as read and tells the peer
// and the application about it.
//
// Steps run in order: query unread ids, send the displayed marker, mark the
// ids read, publish the read event. A marker send failure is logged and
// reported to onError but does not stop the remaining steps. Any other
// failure is returned as a *FireError.
func (x *executor) execute(ctx context.Context, msg Message) error {
	key := msg.Key()

	ids, err := x.store.UnreadUpTo(ctx, key, msg.Timestamp)
	if err != nil {
		return &FireError{Key: key, Step: StepQuery, Err: err}
	}

	if err := x.markers.SendDisplayed(ctx, newDisplayedMarker(msg)); err != nil {
		x.metrics.markerFailed(ctx, key)
		x.logger.Warn("failed to send displayed marker",
			"account", key.Account, "user", key.User, "stanza_id", msg.StanzaID, "error", err)
		x.onError(fmt.Errorf("%w: %s: %w", ErrMarkerNotSent, key, err))
	}

	if len(ids) > 0 {
		if err := x.store.MarkRead(ctx, key, ids); err != nil {
			return &FireError{Key: key, Step: StepMarkRead, Err: err}
		}
	}
	x.metrics.messagesMarked(ctx, key, len(ids))

	ev := ReadEvent{Account: key.Account, User: key.User, MessageIDs: ids}
	if err := x.notifier.NotifyRead(ctx, ev); err != nil {
		return &FireError{Key: key, Step: StepNotify, Err: err}
	}

	x.logger.Debug("marked messages read",
		"account", key.Account, "user", key.User, "count", len(ids))
	return nil
}
