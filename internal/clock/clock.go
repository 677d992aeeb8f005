// SPDX-License-Identifier: MIT
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time for deterministic testing. Nothing outside this
// package reads wall time directly; receipt windows, queue TTLs, and
// session reaping all consume a Clock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NowNanos returns monotonic-aligned nanoseconds since the Unix
	// epoch. Successive calls never decrease within a process.
	NowNanos() uint64

	// After waits for the duration to elapse and then sends the current
	// time on the returned channel.
	After(d time.Duration) <-chan time.Time
}

// System is a Clock backed by the OS. NowNanos is anchored to a wall
// reading taken at construction and advanced by the monotonic clock, so
// it never steps backwards across NTP adjustments.
type System struct {
	origin time.Time
}

// NewSystem returns a system clock anchored at the current instant.
func NewSystem() *System {
	return &System{origin: time.Now()}
}

func (s *System) Now() time.Time { return time.Now() }

func (s *System) NowNanos() uint64 {
	return uint64(s.origin.UnixNano() + int64(time.Since(s.origin)))
}

func (s *System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Virtual provides deterministic time control for testing. Advance moves
// time forward and fires pending timers in deadline order.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*virtualTimer
}

type virtualTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewVirtual creates a virtual clock starting at the given time.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) NowNanos() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return uint64(v.now.UnixNano())
}

func (v *Virtual) After(d time.Duration) <-chan time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := &virtualTimer{deadline: v.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.ch <- v.now
		return t.ch
	}
	v.timers = append(v.timers, t)
	return t.ch
}

// Advance moves the clock forward by d and fires every timer whose
// deadline has been reached, earliest first. Negative d panics: virtual
// time, like real time, only moves forward.
func (v *Virtual) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance backwards")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = v.now.Add(d)

	sort.Slice(v.timers, func(i, j int) bool {
		return v.timers[i].deadline.Before(v.timers[j].deadline)
	})
	remaining := v.timers[:0]
	for _, t := range v.timers {
		if !t.deadline.After(v.now) {
			t.ch <- v.now
		} else {
			remaining = append(remaining, t)
		}
	}
	v.timers = remaining
}

// PendingTimers reports how many After channels have not fired yet.
func (v *Virtual) PendingTimers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}
