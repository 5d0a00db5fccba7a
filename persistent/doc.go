// Package persistent provides a MongoDB implementation of
// readmarker.MessageStore.
//
// The store keeps one document per received message and answers the two
// questions the read-marker sender asks when a conversation settles:
//
//  1. Which messages of this conversation are unread, up to the latest
//     displayed one? (UnreadUpTo)
//  2. Mark exactly those as read, all or nothing. (MarkRead)
//
// # Quick Start
//
//	import (
//	    readmarker "github.com/rbaliyan/event-readmarker"
//	    "github.com/rbaliyan/event-readmarker/persistent"
//	)
//
//	func main() {
//	    store, err := persistent.NewStore(
//	        mongoClient.Database("chat").Collection("messages"),
//	        persistent.WithTTL(30*24*time.Hour), // Auto-delete read messages after 30 days
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    store.EnsureIndexes(ctx)
//
//	    sender, _ := readmarker.New(store, markers, notifier)
//	    defer sender.Close(ctx)
//	}
//
// # Transactions
//
// MarkRead updates all ids inside one multi-document transaction, so a
// conversation is never left half read. Transactions need a replica set;
// against a standalone mongod use WithoutTransactions:
//
//	store, _ := persistent.NewStore(coll, persistent.WithoutTransactions())
//
// # Monitoring
//
// Use GetStats to monitor unread counts:
//
//	stats, _ := store.GetStats(ctx, readmarker.Key{Account: "alice@example.org"})
//	fmt.Printf("Unread: %d, Read: %d\n", stats.Unread, stats.Read)
//
// # Manual Cleanup
//
// If TTL is not configured, use Purge for manual cleanup:
//
//	deleted, _ := store.Purge(ctx, 90*24*time.Hour)
package persistent
