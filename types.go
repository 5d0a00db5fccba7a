package readmarker

import (
	"time"
)

// MarkerTypeChat is the message type carried by every displayed marker.
const MarkerTypeChat = "chat"

// Key identifies the conversation a read-marker channel is scoped to.
// Key is comparable and is used directly as a map key.
type Key struct {
	Account string `json:"account"` // Local account JID
	User    string `json:"user"`    // Peer JID
}

// String returns "account/user".
func (k Key) String() string {
	return k.Account + "/" + k.User
}

// Message is a displayed message handed to the sender by the receipt pipeline.
// This struct is JSON-serializable so it can travel over an event bus.
type Message struct {
	ID        string    `json:"id"`        // Unique local message id
	Account   string    `json:"account"`   // Local account JID
	User      string    `json:"user"`      // Peer JID
	StanzaID  string    `json:"stanza_id"` // Id referenced by the displayed marker
	Timestamp time.Time `json:"timestamp"` // Ordering value; marks read up to this point
}

// Key returns the conversation key of the message.
func (m Message) Key() Key {
	return Key{Account: m.Account, User: m.User}
}

// DisplayedMarker is the notification sent to the peer once a burst of
// displayed messages has settled.
type DisplayedMarker struct {
	Account  string `json:"account"`   // Sending account
	To       string `json:"to"`        // Peer JID
	StanzaID string `json:"stanza_id"` // Latest displayed stanza
	Type     string `json:"type"`      // Always MarkerTypeChat
}

// ReadEvent is published to the rest of the application after messages
// were marked read locally.
type ReadEvent struct {
	Account    string   `json:"account"`
	User       string   `json:"user"`
	MessageIDs []string `json:"message_ids"`
}

// Key returns the conversation key of the event.
func (e ReadEvent) Key() Key {
	return Key{Account: e.Account, User: e.User}
}

// newDisplayedMarker builds the marker acknowledging msg.
func newDisplayedMarker(msg Message) DisplayedMarker {
	return DisplayedMarker{
		Account:  msg.Account,
		To:       msg.User,
		StanzaID: msg.StanzaID,
		Type:     MarkerTypeChat,
	}
}
