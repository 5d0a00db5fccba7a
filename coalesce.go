package readmarker

import (
	event "github.com/rbaliyan/event/v3"
)

// CoalesceByConversation returns a subscribe option that coalesces read
// events (or displayed markers) by conversation, using the metadata the bus
// adapters attach.
//
// When several events for the same conversation arrive while the handler is
// busy, only the latest is delivered. Superseded messages are auto-acknowledged.
// Suits subscribers that only refresh a conversation's unread state.
//
// Example:
//
//	readEvent.Subscribe(ctx, refreshUnreadBadge,
//	    readmarker.CoalesceByConversation[readmarker.ReadEvent](),
//	)
func CoalesceByConversation[T any]() event.SubscribeOption[T] {
	return event.WithCoalesceByMetadata[T](MetadataConversation)
}
