// Package timingwheel implements a hierarchical timing wheel for the many
// short-lived timers the scheduler keeps: per-task timeouts, kill grace
// periods and retry backoff.
//
// Three tiers cascade into each other. With the default 10ms tick the first
// tier covers one second, the second one minute and the third one hour;
// anything further out waits in an overflow set that is re-examined at every
// third-tier boundary. Schedule and Stop are O(1).
package timingwheel

import (
	"sort"
	"sync"
	"time"

	"execguard/internal/clock"
)

const DefaultTick = 10 * time.Millisecond

var (
	slotCounts   = [3]int64{100, 60, 60}
	ticksPerSlot = [3]int64{1, 100, 6000}
	tierSpan     = [3]int64{100, 6000, 360000}
)

type Wheel struct {
	mu       sync.Mutex
	clk      clock.Clock
	tick     time.Duration
	start    time.Time
	current  int64
	seq      uint64
	tiers    [3][]map[*Timer]struct{}
	perTier  [3]int
	overflow map[*Timer]struct{}
	count    int
	driver   clock.Timer
	wakeTick int64
	closed   bool
}

// New creates a wheel driven by clk. A tick <= 0 selects DefaultTick.
func New(clk clock.Clock, tick time.Duration) *Wheel {
	if tick <= 0 {
		tick = DefaultTick
	}
	w := &Wheel{
		clk:      clk,
		tick:     tick,
		start:    clk.Now(),
		overflow: make(map[*Timer]struct{}),
	}
	for i := range w.tiers {
		w.tiers[i] = make([]map[*Timer]struct{}, slotCounts[i])
	}
	return w
}

// Timer is a callback registered on the wheel.
type Timer struct {
	w      *Wheel
	expiry int64
	seq    uint64
	fn     func()
	tier   int // -1 overflow
	slot   int64
	live   bool
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *Timer) Stop() bool {
	w := t.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if !t.live {
		return false
	}
	w.unlink(t)
	return true
}

// Schedule arranges for fn to run once d has elapsed. Delays are rounded up
// to whole ticks with a minimum of one tick.
func (w *Wheel) Schedule(d time.Duration, fn func()) *Timer {
	w.mu.Lock()
	defer w.mu.Unlock()
	ticks := int64((d + w.tick - 1) / w.tick)
	if ticks < 1 {
		ticks = 1
	}
	base := w.tickAt(w.clk.Now())
	if base < w.current {
		base = w.current
	}
	w.seq++
	t := &Timer{w: w, expiry: base + ticks, seq: w.seq, fn: fn}
	if w.closed {
		return t
	}
	w.place(t)
	w.count++
	w.arm()
	return t
}

// Len reports the number of pending timers.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close stops the driver and drops every pending timer without firing it.
func (w *Wheel) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.driver != nil {
		w.driver.Stop()
		w.driver = nil
	}
	for i := range w.tiers {
		for j := range w.tiers[i] {
			for t := range w.tiers[i][j] {
				t.live = false
			}
			w.tiers[i][j] = nil
		}
		w.perTier[i] = 0
	}
	for t := range w.overflow {
		t.live = false
	}
	w.overflow = make(map[*Timer]struct{})
	w.count = 0
}

func (w *Wheel) tickAt(t time.Time) int64 {
	return int64(t.Sub(w.start) / w.tick)
}

func (w *Wheel) place(t *Timer) {
	t.live = true
	delta := t.expiry - w.current
	for i := 0; i < len(tierSpan); i++ {
		if delta < tierSpan[i] {
			slot := (t.expiry / ticksPerSlot[i]) % slotCounts[i]
			if w.tiers[i][slot] == nil {
				w.tiers[i][slot] = make(map[*Timer]struct{})
			}
			w.tiers[i][slot][t] = struct{}{}
			w.perTier[i]++
			t.tier, t.slot = i, slot
			return
		}
	}
	t.tier = -1
	w.overflow[t] = struct{}{}
}

func (w *Wheel) unlink(t *Timer) {
	if t.tier < 0 {
		delete(w.overflow, t)
	} else {
		delete(w.tiers[t.tier][t.slot], t)
		w.perTier[t.tier]--
	}
	t.live = false
	w.count--
}

// nextWake returns how many ticks the driver may sleep before the wheel has
// work to do: the next tick while tier 0 holds timers, otherwise the next
// boundary at which an occupied upper tier cascades.
func (w *Wheel) nextWake() int64 {
	switch {
	case w.perTier[0] > 0:
		return 1
	case w.perTier[1] > 0:
		return ticksPerSlot[1] - w.current%ticksPerSlot[1]
	default:
		return ticksPerSlot[2] - w.current%ticksPerSlot[2]
	}
}

func (w *Wheel) arm() {
	if w.closed || w.count == 0 {
		return
	}
	want := w.current + w.nextWake()
	if w.driver != nil {
		if want >= w.wakeTick {
			return
		}
		w.driver.Stop()
	}
	delay := w.start.Add(time.Duration(want) * w.tick).Sub(w.clk.Now())
	if delay < 0 {
		delay = 0
	}
	w.wakeTick = want
	w.driver = w.clk.AfterFunc(delay, w.onTick)
}

func (w *Wheel) onTick() {
	w.mu.Lock()
	w.driver = nil
	if w.closed {
		w.mu.Unlock()
		return
	}
	target := w.tickAt(w.clk.Now())
	if target < w.wakeTick {
		target = w.wakeTick
	}
	due := w.advance(target)
	w.arm()
	w.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].expiry == due[j].expiry {
			return due[i].seq < due[j].seq
		}
		return due[i].expiry < due[j].expiry
	})
	for _, t := range due {
		t.fn()
	}
}

func (w *Wheel) advance(target int64) []*Timer {
	var due []*Timer
	for w.current < target {
		w.current++
		if w.current%ticksPerSlot[2] == 0 {
			w.cascade(2, (w.current/ticksPerSlot[2])%slotCounts[2])
			for t := range w.overflow {
				if t.expiry-w.current < tierSpan[2] {
					delete(w.overflow, t)
					w.place(t)
				}
			}
		}
		if w.current%ticksPerSlot[1] == 0 {
			w.cascade(1, (w.current/ticksPerSlot[1])%slotCounts[1])
		}
		slot := w.current % slotCounts[0]
		for t := range w.tiers[0][slot] {
			if t.expiry <= w.current {
				w.unlink(t)
				due = append(due, t)
			}
		}
		if w.count == 0 {
			w.current = target
		}
	}
	return due
}

func (w *Wheel) cascade(tier int, slot int64) {
	bucket := w.tiers[tier][slot]
	if len(bucket) == 0 {
		return
	}
	w.tiers[tier][slot] = nil
	w.perTier[tier] -= len(bucket)
	for t := range bucket {
		w.place(t)
	}
}
