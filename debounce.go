package readmarker

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// debouncer runs fn once a countdown elapses without being re-armed.
//
// Every arm bumps a generation counter and the pending callback only runs if
// its generation is still current, so a countdown that was superseded never
// fires even when its timer had already expired while arm was cancelling it.
type debouncer struct {
	clock clock.Clock
	fn    func()

	mu      sync.Mutex
	timer   clock.Timer
	gen     uint64
	stopped bool
}

func newDebouncer(clk clock.Clock, fn func()) *debouncer {
	return &debouncer{clock: clk, fn: fn}
}

// arm (re)starts the countdown, cancelling any pending one.
// It is a no-op after stop.
func (d *debouncer) arm(wait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(wait, func() { d.fire(gen) })
}

func (d *debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	// Idle until re-armed.
	d.timer = nil
	d.gen++
	d.mu.Unlock()

	d.fn()
}

// pending reports whether a countdown is running.
func (d *debouncer) pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// stop cancels the pending countdown for good.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
