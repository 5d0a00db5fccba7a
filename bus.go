package readmarker

import (
	"context"

	event "github.com/rbaliyan/event/v3"
)

// EventMarkerSender publishes displayed markers on an event bus. The bus
// transport carries them to the connection layer that owns the XMPP stream.
//
// Example:
//
//	markers := event.New[readmarker.DisplayedMarker]("marker.displayed")
//	event.Register(ctx, bus, markers)
//	sender, _ := readmarker.NewEventMarkerSender(markers)
type EventMarkerSender struct {
	ev event.Event[DisplayedMarker]
}

// NewEventMarkerSender creates a MarkerSender publishing on ev.
func NewEventMarkerSender(ev event.Event[DisplayedMarker]) (*EventMarkerSender, error) {
	if ev == nil {
		return nil, ErrEventRequired
	}
	return &EventMarkerSender{ev: ev}, nil
}

// SendDisplayed publishes the marker.
func (s *EventMarkerSender) SendDisplayed(ctx context.Context, marker DisplayedMarker) error {
	key := Key{Account: marker.Account, User: marker.To}
	return s.ev.Publish(contextWithKey(ctx, key, marker.StanzaID), marker)
}

// EventNotifier publishes read events on an event bus.
//
// Example:
//
//	readEvent := event.New[readmarker.ReadEvent]("message.read")
//	event.Register(ctx, bus, readEvent)
//	notifier, _ := readmarker.NewEventNotifier(readEvent)
//
//	readEvent.Subscribe(ctx, func(ctx context.Context, e event.Event[readmarker.ReadEvent], ev readmarker.ReadEvent) error {
//	    ui.RefreshUnread(ev.Account, ev.User)
//	    return nil
//	})
type EventNotifier struct {
	ev event.Event[ReadEvent]
}

// NewEventNotifier creates a Notifier publishing on ev.
func NewEventNotifier(ev event.Event[ReadEvent]) (*EventNotifier, error) {
	if ev == nil {
		return nil, ErrEventRequired
	}
	return &EventNotifier{ev: ev}, nil
}

// NotifyRead publishes the read event.
func (n *EventNotifier) NotifyRead(ctx context.Context, ev ReadEvent) error {
	return n.ev.Publish(contextWithKey(ctx, ev.Key(), ""), ev)
}

// Compile-time checks
var (
	_ MarkerSender = (*EventMarkerSender)(nil)
	_ Notifier     = (*EventNotifier)(nil)
)
