package readmarker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// channel buffers the latest displayed message of one conversation and fires
// once the conversation has been quiet for the configured window.
//
// Earlier pending messages are overwritten, never queued: a fire only ever
// sees the most recent push.
type channel struct {
	id    string // Incarnation id, new for every channel created for a key
	key   Key
	quiet time.Duration
	clock clock.Clock
	timer *debouncer

	mu         sync.Mutex
	pending    Message
	hasPending bool
	torn       bool
	lastPush   time.Time
	inflight   int // Settled messages not yet delivered
}

// newChannel creates a channel. onQuiet receives the message that was
// pending when the quiet window ended.
func newChannel(key Key, clk clock.Clock, quiet time.Duration, onQuiet func(*channel, Message)) *channel {
	ch := &channel{
		id:    uuid.NewString(),
		key:   key,
		quiet: quiet,
		clock: clk,
	}
	ch.timer = newDebouncer(clk, func() {
		if msg, ok := ch.settle(); ok {
			onQuiet(ch, msg)
		}
	})
	return ch
}

// push stores msg as the pending value and re-arms the countdown.
// It returns false if the channel was torn down; the caller must then push
// into a replacement channel.
func (c *channel) push(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.torn {
		return false
	}
	c.pending = msg
	c.hasPending = true
	c.lastPush = c.clock.Now()
	c.timer.arm(c.quiet)
	return true
}

// settle returns and clears the pending value once the conversation has
// been quiet for the full window. ok is false if nothing is pending, the
// channel was torn down, or a push landed after the countdown expired; that
// push re-armed the countdown and settles on its own.
func (c *channel) settle() (msg Message, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.torn || !c.hasPending {
		return Message{}, false
	}
	if c.clock.Now().Sub(c.lastPush) < c.quiet {
		return Message{}, false
	}
	msg = c.pending
	c.pending = Message{}
	c.hasPending = false
	c.inflight++
	return msg, true
}

// finish records that a settled message was delivered or dropped.
func (c *channel) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
}

// close tears the channel down, dropping any pending value.
// Callers hold the registry lock.
func (c *channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.torn = true
	c.pending = Message{}
	c.hasPending = false
	c.timer.stop()
}

// closeIfIdle tears the channel down if nothing is pending or awaiting
// delivery, no countdown is running and the last push is at least idle ago.
// Callers hold the registry lock.
func (c *channel) closeIfIdle(now time.Time, idle time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.torn {
		return true
	}
	if c.hasPending || c.inflight > 0 || c.timer.pending() || now.Sub(c.lastPush) < idle {
		return false
	}
	c.torn = true
	c.timer.stop()
	return true
}

func (c *channel) isTornDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.torn
}
