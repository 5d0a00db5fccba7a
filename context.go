package readmarker

import (
	"context"

	event "github.com/rbaliyan/event/v3"
)

// Metadata keys attached to events published by the bus adapters.
const (
	MetadataAccount      = "account"
	MetadataUser         = "user"
	MetadataConversation = "conversation" // Key.String()
	MetadataStanzaID     = "stanza_id"
)

// contextWithKey attaches the conversation key (and optional stanza id) as
// event metadata so subscribers can route without decoding the payload.
func contextWithKey(ctx context.Context, key Key, stanzaID string) context.Context {
	md := map[string]string{
		MetadataAccount:      key.Account,
		MetadataUser:         key.User,
		MetadataConversation: key.String(),
	}
	if stanzaID != "" {
		md[MetadataStanzaID] = stanzaID
	}
	return event.ContextWithMetadata(ctx, md)
}

// ContextKey extracts the conversation key from event context metadata.
// Returns false if the metadata carries no account.
func ContextKey(ctx context.Context) (Key, bool) {
	md := event.ContextMetadata(ctx)
	if md == nil {
		return Key{}, false
	}
	account, ok := md[MetadataAccount]
	if !ok || account == "" {
		return Key{}, false
	}
	return Key{Account: account, User: md[MetadataUser]}, true
}
