// Package clock abstracts wall time and timers so services can be driven
// by virtual time in tests.
//
// Services in proctord never call time.Now or time.AfterFunc directly. They
// receive a Clock and schedule every recurring or delayed callback through
// it, which lets tests advance time deterministically with a Fake.
package clock

import (
	"sync"
	"time"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call stopped an
	// active timer; stopping an already stopped timer is a no-op.
	Stop() bool
}

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time

	// AfterFunc runs f once after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// Every runs f each time d elapses until the timer is stopped.
	// d must be positive.
	Every(d time.Duration, f func()) Timer
}

// Real returns a Clock backed by the runtime timers.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) Every(d time.Duration, f func()) Timer {
	if d <= 0 {
		panic("clock: non-positive interval for Every")
	}
	t := &realTicker{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	go t.run(f)
	return t
}

// realTicker runs a callback on each tick of a time.Ticker.
type realTicker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *realTicker) run(f func()) {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			// Stop may race with a tick that was already delivered.
			select {
			case <-t.done:
				return
			default:
			}
			f()
		}
	}
}

func (t *realTicker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
		stopped = true
	})
	return stopped
}
