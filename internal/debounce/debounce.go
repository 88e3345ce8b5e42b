// Package debounce turns a fast stream of edits into settle events.
package debounce

import (
	"sync"
	"time"
)

// DefaultDelay is the quiet period used when New is given a non-positive
// delay.
const DefaultDelay = 600 * time.Millisecond

// Debouncer reports the last text passed to Notify once no further Notify has
// arrived for the configured delay. One goroutine owns the timer.
type Debouncer struct {
	delay time.Duration

	in      chan string
	out     chan string
	done    chan struct{}
	stopped chan struct{}

	stopOnce sync.Once
}

func New(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}

	d := &Debouncer{
		delay:   delay,
		in:      make(chan string),
		out:     make(chan string),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// Delay returns the quiet period.
func (d *Debouncer) Delay() time.Duration {
	return d.delay
}

// Notify (re)starts the timer with text, discarding any pending text. It is a
// no-op after Stop.
func (d *Debouncer) Notify(text string) {
	select {
	case d.in <- text:
	case <-d.done:
	}
}

// Settled yields one value per settle event. It is closed by Stop.
func (d *Debouncer) Settled() <-chan string {
	return d.out
}

// Stop cancels any pending timer and waits for the owner goroutine to exit.
// No settle event is delivered once Stop returns. Stop is idempotent.
func (d *Debouncer) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
	<-d.stopped
}

func (d *Debouncer) run() {
	defer close(d.stopped)
	defer close(d.out)

	// Timers follow go1.23 semantics: Stop and Reset never leave a stale
	// value in timer.C.
	timer := time.NewTimer(d.delay)
	timer.Stop()
	defer timer.Stop()

	var (
		armed   bool
		pending string

		// out is non-nil only while a fired value waits for a reader.
		out   chan string
		ready string
	)

	for {
		var fire <-chan time.Time
		if armed {
			fire = timer.C
		}

		select {
		case <-d.done:
			return

		case text := <-d.in:
			pending = text
			armed = true
			timer.Reset(d.delay)

		case <-fire:
			armed = false
			ready = pending
			out = d.out

		case out <- ready:
			out = nil
		}
	}
}
