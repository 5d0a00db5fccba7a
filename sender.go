package readmarker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	event "github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport"
)

// Defaults for a Sender.
const (
	// DefaultQuietWindow is how long a conversation must stay quiet before
	// its displayed marker is sent.
	DefaultQuietWindow = 2000 * time.Millisecond

	// DefaultFireTimeout bounds one downstream action (query, send, mark, notify).
	DefaultFireTimeout = 30 * time.Second

	// DefaultDeliveryBuffer is the capacity of the delivery queue.
	DefaultDeliveryBuffer = 100
)

// Sender groups displayed messages per conversation and sends one displayed
// marker per burst, so markers are not sent for every message.
//
// Submit is safe for concurrent use and never blocks on I/O. Settled
// conversations are processed one at a time on a dedicated delivery
// goroutine, which serializes all local read-state mutation.
type Sender struct {
	status   int32
	registry *registry
	exec     *executor

	logger       *slog.Logger
	clock        clock.Clock
	metrics      *Metrics
	onError      func(error)
	quiet        time.Duration
	fireTimeout  time.Duration
	bufferSize   int
	idleEviction time.Duration
	deliveries   chan delivery
	done         chan struct{}
	wg           sync.WaitGroup
}

// Option configures a Sender.
type Option func(*Sender)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for quiet windows and idle eviction.
// Tests pass a testclock.Clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Sender) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithQuietWindow overrides the 2s quiet window.
func WithQuietWindow(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.quiet = d
		}
	}
}

// WithFireTimeout sets the deadline applied to each downstream action.
func WithFireTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.fireTimeout = d
		}
	}
}

// WithDeliveryBuffer sets the capacity of the queue between timers and the
// delivery goroutine.
func WithDeliveryBuffer(size int) Option {
	return func(s *Sender) {
		if size > 0 {
			s.bufferSize = size
		}
	}
}

// WithMetrics records sender metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Sender) {
		s.metrics = m
	}
}

// WithErrorHandler sets a callback for fire errors. Fatal errors are
// *FireError values; failed marker sends wrap ErrMarkerNotSent.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Sender) {
		if fn != nil {
			s.onError = fn
		}
	}
}

// WithIdleEviction removes channels of conversations that have seen no
// displayed message for d. Without it, a channel lives until a fatal error,
// so the registry holds one channel per conversation ever seen.
func WithIdleEviction(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.idleEviction = d
		}
	}
}

// New creates a Sender and starts its delivery goroutine.
//
// Example:
//
//	store, _ := persistent.NewStore(db.Collection("messages"))
//	sender, err := readmarker.New(store,
//	    readmarker.MarkerSenderFunc(xmpp.SendDisplayed),
//	    notifier,
//	    readmarker.WithLogger(slog.Default()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sender.Close(ctx)
//
//	sender.Submit(msg) // for every message shown to the user
func New(store MessageStore, markers MarkerSender, notifier Notifier, opts ...Option) (*Sender, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if markers == nil {
		return nil, ErrMarkerSenderRequired
	}
	if notifier == nil {
		return nil, ErrNotifierRequired
	}

	s := &Sender{
		status:      1,
		logger:      transport.Logger("readmarker"),
		clock:       clock.WallClock,
		onError:     func(error) {},
		quiet:       DefaultQuietWindow,
		fireTimeout: DefaultFireTimeout,
		bufferSize:  DefaultDeliveryBuffer,
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.exec = &executor{
		store:    store,
		markers:  markers,
		notifier: notifier,
		logger:   s.logger,
		metrics:  s.metrics,
		onError:  s.onError,
	}
	s.registry = newRegistry(func(key Key) *channel {
		return newChannel(key, s.clock, s.quiet, s.enqueue)
	})
	s.deliveries = make(chan delivery, s.bufferSize)
	s.metrics.SetActiveCallback(func() int64 { return int64(s.registry.Len()) })

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliveryLoop()
	}()

	if s.idleEviction > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.evictLoop()
		}()
	}

	return s, nil
}

func (s *Sender) isOpen() bool {
	return atomic.LoadInt32(&s.status) == 1
}

// Submit hands a displayed message to its conversation's channel, creating
// the channel if needed. It returns immediately; the marker is sent once the
// conversation has been quiet for the quiet window, for the latest message
// submitted by then.
func (s *Sender) Submit(msg Message) error {
	if !s.isOpen() {
		return ErrSenderClosed
	}
	key := msg.Key()
	for {
		ch, created := s.registry.acquire(key)
		if ch == nil {
			return ErrSenderClosed
		}
		if created {
			s.logger.Debug("created channel", "account", key.Account, "user", key.User, "channel", ch.id)
		}
		// A false push means ch was torn down after acquire returned it.
		if ch.push(msg) {
			break
		}
	}
	s.metrics.submitted(context.Background(), key)
	return nil
}

// Handler returns an event handler that submits every received message, so
// the receipt pipeline can feed the sender through an event bus.
//
// Example:
//
//	displayed := event.New[readmarker.Message]("message.displayed")
//	event.Register(ctx, bus, displayed)
//	displayed.Subscribe(ctx, sender.Handler())
func (s *Sender) Handler() event.Handler[Message] {
	return func(ctx context.Context, _ event.Event[Message], msg Message) error {
		return s.Submit(msg)
	}
}

// Channels returns the number of active conversation channels.
func (s *Sender) Channels() int {
	return s.registry.Len()
}

// Close stops the delivery goroutine and cancels every pending quiet window.
// Pending markers are dropped. Close is idempotent.
func (s *Sender) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.status, 1, 0) {
		return nil
	}

	s.registry.closeAll()
	close(s.done)

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Debug("sender closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// delivery is a settled conversation: the channel and the message that was
// pending when its quiet window ended.
type delivery struct {
	ch  *channel
	msg Message
}

// enqueue hands a settled message to the delivery goroutine. It runs on the
// timer goroutine and may block there, never on a producer.
func (s *Sender) enqueue(ch *channel, msg Message) {
	select {
	case s.deliveries <- delivery{ch: ch, msg: msg}:
	case <-s.done:
	}
}

func (s *Sender) deliveryLoop() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.deliveries:
			s.deliver(d.ch, d.msg)
		}
	}
}

// deliver runs the downstream action for msg and tears ch down on a fatal
// error. Pushes made since msg settled stay pending in ch. Messages settled
// by a channel that was torn down in the meantime are dropped.
func (s *Sender) deliver(ch *channel, msg Message) {
	defer ch.finish()
	if ch.isTornDown() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()

	start := time.Now()
	err := s.safeExecute(ctx, msg)
	s.metrics.fired(ctx, ch.key, time.Since(start), err)
	if err == nil {
		return
	}

	step := ""
	var fe *FireError
	if errors.As(err, &fe) {
		step = fe.Step
	}
	s.registry.remove(ch)
	s.metrics.tornDown(ctx, ch.key, step)
	s.logger.Error("read marker failed, channel removed",
		"account", ch.key.Account, "user", ch.key.User, "channel", ch.id, "error", err)
	s.onError(err)
}

// safeExecute runs the executor, turning a panic into a fatal error.
func (s *Sender) safeExecute(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FireError{Key: msg.Key(), Step: StepPanic, Err: fmt.Errorf("%w: %v", ErrPanic, r)}
		}
	}()
	return s.exec.execute(ctx, msg)
}

// evictLoop periodically removes idle channels.
func (s *Sender) evictLoop() {
	interval := s.idleEviction / 2
	for {
		select {
		case <-s.done:
			return
		case <-s.clock.After(interval):
		}
		for _, key := range s.registry.evictIdle(s.clock.Now(), s.idleEviction) {
			s.logger.Debug("evicted idle channel", "account", key.Account, "user", key.User)
		}
	}
}
