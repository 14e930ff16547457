package resource

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"execguard/internal/clock"
	"execguard/internal/domain"
)

func TestCanStartProcess(t *testing.T) {
	limits := Limits{MaxConcurrent: 10, MaxCPUPercent: 90, MaxMemoryBytes: 1 << 30, MaxOpenFDs: 512}
	tests := []struct {
		name    string
		snap    domain.ResourceSnapshot
		allowed bool
		reason  string
	}{
		{"idle", domain.ResourceSnapshot{}, true, ""},
		{"below all", domain.ResourceSnapshot{ProcessCount: 9, CPUPercent: 89.9, MemoryBytes: 1<<30 - 1, OpenFDs: 511}, true, ""},
		{"processes at limit", domain.ResourceSnapshot{ProcessCount: 10}, false, "process count"},
		{"cpu over", domain.ResourceSnapshot{CPUPercent: 120}, false, "cpu"},
		{"memory at limit", domain.ResourceSnapshot{MemoryBytes: 1 << 30}, false, "memory usage 1.1 GB"},
		{"fds over", domain.ResourceSnapshot{OpenFDs: 600}, false, "file descriptors"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := CanStartProcess(limits, tt.snap)
			if v.Allowed != tt.allowed {
				t.Fatalf("allowed = %v, want %v (%s)", v.Allowed, tt.allowed, v.Reason)
			}
			if !strings.Contains(v.Reason, tt.reason) {
				t.Fatalf("reason %q missing %q", v.Reason, tt.reason)
			}
		})
	}
}

func TestZeroLimitsNeverDeny(t *testing.T) {
	v := CanStartProcess(Limits{}, domain.ResourceSnapshot{ProcessCount: 1000, CPUPercent: 800, MemoryBytes: 1 << 40, OpenFDs: 1 << 20})
	if !v.Allowed {
		t.Fatalf("unset limits should not deny: %s", v.Reason)
	}
}

type flakySampler struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *flakySampler) Sample() (domain.ResourceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return domain.ResourceSnapshot{}, errors.New("proc unavailable")
	}
	return domain.ResourceSnapshot{ProcessCount: f.calls, MemoryBytes: 4096}, nil
}

func TestMonitorKeepsLastGoodSnapshotOnFailure(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	s := &flakySampler{}
	m := NewMonitor(v, s, MonitorOptions{Interval: time.Second})
	m.Start()
	defer m.Stop()

	v.Advance(2 * time.Second)
	good := m.Snapshot()
	if good.Stale || good.ProcessCount != 3 {
		t.Fatalf("expected fresh snapshot from third sample, got %+v", good)
	}

	s.mu.Lock()
	s.fail = true
	s.mu.Unlock()
	v.Advance(time.Second)

	got := m.Snapshot()
	if !got.Stale {
		t.Fatalf("failed sample should mark snapshot stale")
	}
	if got.ProcessCount != good.ProcessCount || got.MemoryBytes != good.MemoryBytes {
		t.Fatalf("failed sample should keep last readings, got %+v", got)
	}
	if m.Failures() != 1 {
		t.Fatalf("failures = %d", m.Failures())
	}
}

func TestMonitorHooksAndStop(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	m := NewMonitor(v, StaticSampler{Snapshot: domain.ResourceSnapshot{OpenFDs: 3}}, MonitorOptions{Interval: time.Second})
	var seen int
	m.OnSample(func(s domain.ResourceSnapshot) {
		if s.OpenFDs == 3 {
			seen++
		}
	})
	m.Start()
	v.Advance(3 * time.Second)
	m.Stop()
	v.Advance(5 * time.Second)
	if seen != 4 {
		t.Fatalf("expected 4 samples (start + 3 ticks), got %d", seen)
	}
}

func TestProcfsSamplerUsesInjectedClock(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s, err := NewProcfsSampler(0, clk)
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	if _, err := s.Sample(); err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	if !s.prevWall.Equal(clk.Now()) {
		t.Fatalf("prevWall = %s, want virtual now %s", s.prevWall, clk.Now())
	}
	// No virtual time has passed, so no rate can be computed.
	snap, err := s.Sample()
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if snap.CPUPercent != 0 {
		t.Fatalf("cpu = %.2f with zero elapsed clock time, want 0", snap.CPUPercent)
	}
	clk.Advance(time.Second)
	if _, err := s.Sample(); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if !s.prevWall.Equal(clk.Now()) {
		t.Fatalf("prevWall = %s, want %s", s.prevWall, clk.Now())
	}
}
