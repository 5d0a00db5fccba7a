package readmarker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	event "github.com/rbaliyan/event/v3"
)

const (
	shortWait = 50 * time.Millisecond
	longWait  = 5 * time.Second
)

var (
	epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	alice = Key{Account: "me@example.org", User: "alice@example.org"}
	bob   = Key{Account: "me@example.org", User: "bob@example.org"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory MessageStore.
type memStore struct {
	mu       sync.Mutex
	messages map[string]storedMsg
	queryErr error
	markErr  error
	queries  int
}

type storedMsg struct {
	Message
	read bool
}

func newMemStore(msgs ...Message) *memStore {
	s := &memStore{messages: make(map[string]storedMsg)}
	for _, m := range msgs {
		s.messages[m.ID] = storedMsg{Message: m}
	}
	return s
}

func (s *memStore) add(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = storedMsg{Message: m}
	}
}

func (s *memStore) setQueryErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
}

func (s *memStore) setMarkErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markErr = err
}

func (s *memStore) UnreadUpTo(_ context.Context, key Key, upTo time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var found []storedMsg
	for _, m := range s.messages {
		if m.Key() == key && !m.read && !m.Timestamp.After(upTo) {
			found = append(found, m)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Timestamp.Before(found[j].Timestamp) })
	ids := make([]string, 0, len(found))
	for _, m := range found {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *memStore) MarkRead(_ context.Context, key Key, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	for _, id := range ids {
		if m, ok := s.messages[id]; ok && m.Key() == key {
			m.read = true
			s.messages[id] = m
		}
	}
	return nil
}

func (s *memStore) isRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id].read
}

// markerRecorder records displayed markers.
type markerRecorder struct {
	mu      sync.Mutex
	markers []DisplayedMarker
	err     error
}

func (r *markerRecorder) SendDisplayed(_ context.Context, m DisplayedMarker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers = append(r.markers, m)
	return r.err
}

func (r *markerRecorder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *markerRecorder) sent() []DisplayedMarker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DisplayedMarker(nil), r.markers...)
}

// chanNotifier forwards read events to a channel.
type chanNotifier struct {
	events chan ReadEvent
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{events: make(chan ReadEvent, 16)}
}

func (n *chanNotifier) NotifyRead(_ context.Context, ev ReadEvent) error {
	n.events <- ev
	return nil
}

// fixture wires a Sender to in-memory collaborators and a test clock.
type fixture struct {
	clock    *testclock.Clock
	store    *memStore
	markers  *markerRecorder
	notifier *chanNotifier
	errs     chan error
	sender   *Sender
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:    testclock.NewClock(epoch),
		store:    newMemStore(),
		markers:  &markerRecorder{},
		notifier: newChanNotifier(),
		errs:     make(chan error, 16),
	}
	base := []Option{
		WithClock(f.clock),
		WithLogger(discardLogger()),
		WithErrorHandler(func(err error) { f.errs <- err }),
	}
	s, err := New(f.store, f.markers, f.notifier, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	f.sender = s
	return f
}

// message creates a message for key received at offset after epoch and
// stores it as unread.
func (f *fixture) message(id string, key Key, offset time.Duration) Message {
	m := Message{
		ID:        id,
		Account:   key.Account,
		User:      key.User,
		StanzaID:  "stanza-" + id,
		Timestamp: epoch.Add(offset),
	}
	f.store.add(m)
	return m
}

func (f *fixture) submit(t *testing.T, msgs ...Message) {
	t.Helper()
	for _, m := range msgs {
		if err := f.sender.Submit(m); err != nil {
			t.Fatalf("Submit(%s): %v", m.ID, err)
		}
	}
}

// advance waits for n pending timers and moves the clock forward by d.
func (f *fixture) advance(t *testing.T, d time.Duration, n int) {
	t.Helper()
	if err := f.clock.WaitAdvance(d, longWait, n); err != nil {
		t.Fatalf("WaitAdvance(%v, %d): %v", d, n, err)
	}
}

func (f *fixture) expectRead(t *testing.T) ReadEvent {
	t.Helper()
	select {
	case ev := <-f.notifier.events:
		return ev
	case <-time.After(longWait):
		t.Fatal("timed out waiting for read event")
	}
	return ReadEvent{}
}

func (f *fixture) expectNoRead(t *testing.T) {
	t.Helper()
	select {
	case ev := <-f.notifier.events:
		t.Fatalf("unexpected read event: %+v", ev)
	case <-time.After(shortWait):
	}
}

func (f *fixture) expectError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.errs:
		return err
	case <-time.After(longWait):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

// waitFor polls cond until it holds or the long wait expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(longWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// stubEvent implements event.Event[T] for testing and records publishes.
type stubEvent[T any] struct {
	mu        sync.Mutex
	published []T
	ctxs      []context.Context
	err       error
}

func (*stubEvent[T]) Name() string { return "test-event" }

func (e *stubEvent[T]) Publish(ctx context.Context, data T) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.published = append(e.published, data)
	e.ctxs = append(e.ctxs, ctx)
	return e.err
}

func (*stubEvent[T]) Subscribe(_ context.Context, _ event.Handler[T], _ ...event.SubscribeOption[T]) error {
	return nil
}

var errBoom = errors.New("boom")
