// Package readmarker coalesces "message displayed" events into debounced
// displayed chat markers.
//
// For every conversation a burst of displayed messages is collapsed into a
// single action once the conversation has been quiet for two seconds: one
// displayed marker is sent to the peer for the latest message, every unread
// message up to that point is marked read, and a ReadEvent is published.
//
// # Error Handling
//
// Errors never reach the caller of Submit. A failed marker send is
// recoverable and only logged. Any other failure tears the conversation's
// channel down; the next Submit for that conversation starts a fresh one.
// Use errors.Is to inspect errors passed to WithErrorHandler:
//
//	readmarker.WithErrorHandler(func(err error) {
//	    if readmarker.IsFatal(err) {
//	        // channel was torn down
//	    }
//	    if errors.Is(err, readmarker.ErrMarkerNotSent) {
//	        // peer not notified this cycle
//	    }
//	})
package readmarker

import (
	"errors"
	"fmt"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// Sentinel errors for the read-marker sender.
var (
	// ErrStoreRequired is returned by New when the message store is nil.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrStoreRequired = fmt.Errorf("message store is required: %w", eventerrors.ErrInvalidArgument)

	// ErrMarkerSenderRequired is returned by New when the marker sender is nil.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrMarkerSenderRequired = fmt.Errorf("marker sender is required: %w", eventerrors.ErrInvalidArgument)

	// ErrNotifierRequired is returned by New when the notifier is nil.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrNotifierRequired = fmt.Errorf("notifier is required: %w", eventerrors.ErrInvalidArgument)

	// ErrEventRequired is returned by the bus adapters when the event is nil.
	ErrEventRequired = fmt.Errorf("event is required: %w", eventerrors.ErrInvalidArgument)

	// ErrSenderClosed is returned by Submit after Close.
	ErrSenderClosed = errors.New("read-marker sender is closed")

	// ErrMarkerNotSent wraps a failed displayed-marker delivery. It is never fatal.
	ErrMarkerNotSent = errors.New("displayed marker not sent")

	// ErrPanic wraps a panic recovered while a channel fired.
	ErrPanic = errors.New("panic during fire")
)

// Fire steps, in execution order.
const (
	StepQuery    = "query"
	StepSend     = "send"
	StepMarkRead = "mark_read"
	StepNotify   = "notify"

	// StepPanic is reported when a collaborator panicked.
	StepPanic = "panic"
)

// FireError reports a fatal failure of one fire step for a conversation.
type FireError struct {
	Key  Key
	Step string
	Err  error
}

func (e *FireError) Error() string {
	return fmt.Sprintf("read marker %s: %s: %v", e.Key, e.Step, e.Err)
}

func (e *FireError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err tore down a conversation channel.
func IsFatal(err error) bool {
	var fe *FireError
	return errors.As(err, &fe)
}

// IsInvalidArgument checks if an error indicates an invalid argument.
func IsInvalidArgument(err error) bool {
	return eventerrors.IsInvalidArgument(err)
}
