package timingwheel

import (
	"testing"
	"time"

	"execguard/internal/clock"
)

func TestWheelFiresAcrossTiers(t *testing.T) {
	start := time.Unix(0, 0)
	v := clock.NewVirtual(start)
	w := New(v, 10*time.Millisecond)

	delays := []time.Duration{50 * time.Millisecond, 2 * time.Second, 90 * time.Second, 2 * time.Hour}
	fired := make(map[time.Duration]time.Duration)
	for _, d := range delays {
		d := d
		w.Schedule(d, func() { fired[d] = v.Now().Sub(start) })
	}
	if w.Len() != len(delays) {
		t.Fatalf("expected %d pending, got %d", len(delays), w.Len())
	}

	v.Advance(3 * time.Hour)

	for _, d := range delays {
		at, ok := fired[d]
		if !ok {
			t.Fatalf("timer %v never fired", d)
		}
		if at != d {
			t.Errorf("timer %v fired at %v", d, at)
		}
	}
	if w.Len() != 0 {
		t.Fatalf("expected empty wheel, got %d", w.Len())
	}
}

func TestWheelStop(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	w := New(v, 0)
	fired := false
	tm := w.Schedule(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("Stop should report pending timer")
	}
	v.Advance(5 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if tm.Stop() {
		t.Fatalf("second Stop should report false")
	}
}

func TestWheelOrdersSameTickBySchedule(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	w := New(v, 10*time.Millisecond)
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		w.Schedule(300*time.Millisecond, func() { got = append(got, i) })
	}
	v.Advance(time.Second)
	for i, n := range got {
		if n != i {
			t.Fatalf("expected schedule order, got %v", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 callbacks, got %d", len(got))
	}
}

func TestWheelScheduleFromCallback(t *testing.T) {
	start := time.Unix(0, 0)
	v := clock.NewVirtual(start)
	w := New(v, 10*time.Millisecond)
	var second time.Duration
	w.Schedule(time.Second, func() {
		w.Schedule(500*time.Millisecond, func() { second = v.Now().Sub(start) })
	})
	v.Advance(5 * time.Second)
	if second != 1500*time.Millisecond {
		t.Fatalf("chained timer fired at %v", second)
	}
}

func TestWheelCloseDropsTimers(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	w := New(v, 0)
	fired := false
	w.Schedule(100*time.Millisecond, func() { fired = true })
	w.Close()
	v.Advance(time.Second)
	if fired || w.Len() != 0 {
		t.Fatalf("closed wheel fired=%v len=%d", fired, w.Len())
	}
}
