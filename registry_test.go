package readmarker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

// finishNow is an onQuiet callback that delivers immediately.
func finishNow(ch *channel, _ Message) { ch.finish() }

func newTestRegistry(clk *testclock.Clock, onQuiet func(*channel, Message)) *registry {
	if onQuiet == nil {
		onQuiet = finishNow
	}
	return newRegistry(func(key Key) *channel {
		return newChannel(key, clk, DefaultQuietWindow, onQuiet)
	})
}

// idleState reports whether ch has nothing pending, nothing awaiting
// delivery and no running countdown.
func idleState(ch *channel) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return !ch.hasPending && ch.inflight == 0 && !ch.timer.pending()
}

func inflight(ch *channel) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.inflight
}

func TestChannel_PushOverwritesPending(t *testing.T) {
	clk := testclock.NewClock(epoch)
	settled := make(chan Message, 2)
	ch := newChannel(alice, clk, time.Second, func(ch *channel, msg Message) {
		settled <- msg
		ch.finish()
	})

	first := Message{ID: "m1", Account: alice.Account, User: alice.User}
	second := Message{ID: "m2", Account: alice.Account, User: alice.User}
	if !ch.push(first) || !ch.push(second) {
		t.Fatal("push on a live channel returned false")
	}

	if err := clk.WaitAdvance(time.Second, longWait, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	select {
	case msg := <-settled:
		if msg.ID != "m2" {
			t.Errorf("settled %s, want m2", msg.ID)
		}
	case <-time.After(longWait):
		t.Fatal("channel never settled")
	}

	if _, ok := ch.settle(); ok {
		t.Error("expected settle to clear the pending message")
	}
	select {
	case msg := <-settled:
		t.Errorf("settled twice, second time with %s", msg.ID)
	case <-time.After(shortWait):
	}
}

func TestChannel_SettleWaitsForFullWindow(t *testing.T) {
	clk := testclock.NewClock(epoch)
	ch := newChannel(alice, clk, time.Second, finishNow)

	ch.push(Message{ID: "m1"})
	clk.Advance(500 * time.Millisecond)

	if _, ok := ch.settle(); ok {
		t.Fatal("settled before the quiet window ended")
	}
	if !ch.timer.pending() {
		t.Error("expected the countdown to keep running")
	}
}

func TestChannel_TornDownRejectsPush(t *testing.T) {
	clk := testclock.NewClock(epoch)
	var fired int32
	ch := newChannel(alice, clk, time.Second, func(*channel, Message) { atomic.AddInt32(&fired, 1) })

	ch.push(Message{ID: "m1"})
	ch.close()

	if !ch.isTornDown() {
		t.Fatal("expected channel to be torn down")
	}
	if ch.push(Message{ID: "m2"}) {
		t.Error("push on a torn-down channel returned true")
	}
	if _, ok := ch.settle(); ok {
		t.Error("torn-down channel still holds a pending message")
	}

	clk.Advance(2 * time.Second)
	time.Sleep(shortWait)
	if n := atomic.LoadInt32(&fired); n != 0 {
		t.Errorf("torn-down channel fired %d times", n)
	}
}

func TestChannel_CloseIfIdle(t *testing.T) {
	clk := testclock.NewClock(epoch)
	ch := newChannel(alice, clk, time.Second, func(*channel, Message) {})

	ch.push(Message{ID: "m1"})
	if ch.closeIfIdle(clk.Now().Add(time.Hour), time.Minute) {
		t.Fatal("closed a channel with a pending message")
	}

	clk.Advance(time.Second)
	waitFor(t, "message to settle", func() bool { return inflight(ch) == 1 })
	if ch.closeIfIdle(clk.Now().Add(time.Hour), time.Minute) {
		t.Fatal("closed a channel with a message awaiting delivery")
	}
	ch.finish()

	if ch.closeIfIdle(clk.Now(), time.Minute) {
		t.Fatal("closed a channel pushed to less than idle ago")
	}
	if !ch.closeIfIdle(clk.Now().Add(time.Minute), time.Minute) {
		t.Fatal("expected idle channel to close")
	}
	if !ch.isTornDown() {
		t.Error("expected channel to be torn down")
	}
}

func TestRegistry_AcquireCreatesOnce(t *testing.T) {
	reg := newTestRegistry(testclock.NewClock(epoch), nil)

	ch1, created := reg.acquire(alice)
	if !created {
		t.Fatal("expected first acquire to create")
	}
	ch2, created := reg.acquire(alice)
	if created {
		t.Error("expected second acquire to reuse the channel")
	}
	if ch1 != ch2 {
		t.Error("expected the same channel for the same key")
	}

	other, _ := reg.acquire(bob)
	if other == ch1 {
		t.Error("different keys share a channel")
	}
	if reg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", reg.Len())
	}
}

func TestRegistry_ConcurrentAcquire(t *testing.T) {
	reg := newTestRegistry(testclock.NewClock(epoch), nil)

	const workers = 50
	var (
		wg      sync.WaitGroup
		created int32
		start   = make(chan struct{})
		seen    = make([]*channel, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ch, c := reg.acquire(alice)
			if c {
				atomic.AddInt32(&created, 1)
			}
			seen[i] = ch
		}(i)
	}
	close(start)
	wg.Wait()

	if created != 1 {
		t.Errorf("created %d channels, want 1", created)
	}
	for i, ch := range seen {
		if ch != seen[0] {
			t.Fatalf("worker %d got a different channel", i)
		}
	}
}

func TestRegistry_RemoveAndReplace(t *testing.T) {
	reg := newTestRegistry(testclock.NewClock(epoch), nil)

	old, _ := reg.acquire(alice)
	if !reg.remove(old) {
		t.Fatal("expected remove to deregister the channel")
	}
	if !old.isTornDown() {
		t.Error("expected removed channel to be torn down")
	}
	if _, ok := reg.get(alice); ok {
		t.Error("removed channel still registered")
	}

	fresh, created := reg.acquire(alice)
	if !created {
		t.Fatal("expected a replacement channel")
	}
	if fresh.id == old.id {
		t.Error("replacement channel reuses the old incarnation id")
	}

	// Removing a stale handle leaves the replacement alone.
	if reg.remove(old) {
		t.Error("remove of a stale channel reported success")
	}
	if cur, ok := reg.get(alice); !ok || cur != fresh {
		t.Error("replacement channel was deregistered")
	}
}

func TestRegistry_AcquireReplacesTornDown(t *testing.T) {
	reg := newTestRegistry(testclock.NewClock(epoch), nil)

	old, _ := reg.acquire(alice)
	old.close()

	ch, created := reg.acquire(alice)
	if !created || ch == old {
		t.Error("expected acquire to replace a torn-down channel")
	}
}

func TestRegistry_EvictIdle(t *testing.T) {
	clk := testclock.NewClock(epoch)
	reg := newTestRegistry(clk, nil)

	idle, _ := reg.acquire(alice)
	idle.push(Message{ID: "m1"})
	clk.Advance(DefaultQuietWindow)
	waitFor(t, "message to be delivered", func() bool { return idleState(idle) })

	busy, _ := reg.acquire(bob)
	busy.push(Message{ID: "m2"})

	evicted := reg.evictIdle(clk.Now().Add(time.Hour), time.Minute)
	if len(evicted) != 1 || evicted[0] != alice {
		t.Fatalf("evictIdle = %v, want [%v]", evicted, alice)
	}
	if keys := reg.Keys(); len(keys) != 1 || keys[0] != bob {
		t.Errorf("Keys() = %v, want [%v]", keys, bob)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	reg := newTestRegistry(testclock.NewClock(epoch), nil)

	a, _ := reg.acquire(alice)
	b, _ := reg.acquire(bob)
	reg.closeAll()

	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
	if !a.isTornDown() || !b.isTornDown() {
		t.Error("expected every channel to be torn down")
	}
}

func TestRegistry_AcquireAfterCloseAll(t *testing.T) {
	reg := newTestRegistry(testclock.NewClock(epoch), nil)
	reg.closeAll()

	ch, created := reg.acquire(alice)
	if ch != nil || created {
		t.Errorf("acquire after closeAll = %v, %v; want nil, false", ch, created)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
}
