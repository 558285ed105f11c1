// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"container/heap"
	"sync"
	"time"
)

// Clock is the time source for verb timers: Pause length, Gather timeout and
// recording duration
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc callback
type Timer interface {
	// Stop prevents the callback from running. It reports false when the
	// callback already ran or was already stopped.
	Stop() bool
}

// AutoClock uses real time
type AutoClock struct{}

// NewAutoClock creates a clock that uses real time
func NewAutoClock() *AutoClock {
	return &AutoClock{}
}

func (AutoClock) Now() time.Time {
	return time.Now()
}

func (AutoClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualClock only moves when Advance is called. Callbacks due at the new
// time run synchronously inside Advance, earliest first, in registration
// order for equal deadlines.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers timerHeap
}

// NewManualClock creates a clock starting at start, or at 2024-01-01 UTC when
// start is zero
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	mt := &manualTimer{
		clock: c,
		at:    c.now.Add(d),
		seq:   c.seq,
		fn:    f,
	}
	heap.Push(&c.timers, mt)
	return mt
}

// Advance moves time forward by d and runs every callback now due
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	for len(c.timers) > 0 && !c.timers[0].at.After(c.now) {
		mt := heap.Pop(&c.timers).(*manualTimer)
		// Callbacks may register or stop timers
		c.mu.Unlock()
		mt.fn()
		c.mu.Lock()
	}
	c.mu.Unlock()
}

// PendingTimers counts timers that have neither fired nor been stopped
func (c *ManualClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type manualTimer struct {
	clock *ManualClock
	at    time.Time
	seq   uint64
	fn    func()
	// index is the heap position, -1 once removed
	index int
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.clock.timers, t.index)
	return true
}

type timerHeap []*manualTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	mt := x.(*manualTimer)
	mt.index = len(*h)
	*h = append(*h, mt)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	mt := old[n-1]
	old[n-1] = nil
	mt.index = -1
	*h = old[:n-1]
	return mt
}
