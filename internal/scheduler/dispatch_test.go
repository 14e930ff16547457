package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"execguard/internal/breaker"
	"execguard/internal/chaos"
	"execguard/internal/config"
	"execguard/internal/domain"
	"execguard/internal/process"
	"execguard/internal/resource"
	"execguard/internal/snapshot"
	"execguard/internal/timingwheel"
)

// dialSampler reports whatever CPU reading the test last set.
type dialSampler struct {
	mu  sync.Mutex
	cpu float64
}

func (d *dialSampler) set(cpu float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cpu = cpu
}

func (d *dialSampler) Sample() (domain.ResourceSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return domain.ResourceSnapshot{CPUPercent: d.cpu}, nil
}

func TestCircuitOpeningShrinksFlowWindow(t *testing.T) {
	h := newHarness(t, exitByCommand(map[string]int{"make": 2}), func(c *config.Config) {
		c.Breaker.FailureThreshold = 3
		c.Flow.Initial = 4
	})
	if w := h.s.ResourceStatus().FlowWindow; w != 4 {
		t.Fatalf("initial window = %d, want 4", w)
	}
	for i := 0; i < 2; i++ {
		h.s.Run(context.Background(), domain.Task{Command: "make", Args: []string{"build"}})
	}
	if w := h.s.ResourceStatus().FlowWindow; w != 4 {
		t.Fatalf("window = %d before the circuit opened, want 4", w)
	}
	h.s.Run(context.Background(), domain.Task{Command: "make", Args: []string{"build"}})
	if st := h.s.CircuitStatus("make build"); st.State != breaker.StateOpen {
		t.Fatalf("circuit = %+v, want open", st)
	}
	if w := h.s.ResourceStatus().FlowWindow; w != 2 {
		t.Fatalf("window = %d after the circuit opened, want 2", w)
	}
	if n := h.s.Metrics().Counter("congestion_signals_total", map[string]string{"source": "circuit"}); n != 1 {
		t.Fatalf("circuit congestion signals = %v, want 1", n)
	}
}

func TestResourceOverloadShrinksFlowWindowOncePerEpisode(t *testing.T) {
	dial := &dialSampler{cpu: 99}
	h := newHarnessWith(t, nil, func(c *config.Config) {
		c.Limits.MaxCPUPercent = 50
		c.Flow.Initial = 4
		c.SampleInterval = time.Second
	}, func(h *harness, opts *Options) { opts.Sampler = dial })
	h.s.Start()

	if rs := h.s.ResourceStatus(); rs.Verdict.Allowed || rs.FlowWindow != 2 {
		t.Fatalf("after first overloaded sample: verdict=%+v window=%d, want denied and 2", rs.Verdict, rs.FlowWindow)
	}
	h.clk.Advance(10 * time.Second)
	if w := h.s.ResourceStatus().FlowWindow; w != 2 {
		t.Fatalf("window = %d after a sustained overload, want 2", w)
	}

	dial.set(10)
	h.clk.Advance(time.Second)
	if rs := h.s.ResourceStatus(); !rs.Verdict.Allowed || rs.FlowWindow != 2 {
		t.Fatalf("after recovery: verdict=%+v window=%d", rs.Verdict, rs.FlowWindow)
	}
	dial.set(99)
	h.clk.Advance(time.Second)
	if w := h.s.ResourceStatus().FlowWindow; w != 1 {
		t.Fatalf("window = %d after a second overload, want 1", w)
	}
	if n := h.s.Metrics().Counter("congestion_signals_total", map[string]string{"source": "resource"}); n != 2 {
		t.Fatalf("resource congestion signals = %v, want 2", n)
	}
}

func TestProcessCountLimitIsNotCongestion(t *testing.T) {
	h := newHarnessWith(t, nil, func(c *config.Config) { c.Limits.MaxConcurrent = 1 },
		func(h *harness, opts *Options) {
			opts.Sampler = resource.StaticSampler{Snapshot: domain.ResourceSnapshot{ProcessCount: 5}}
		})
	h.s.Start()
	h.clk.Advance(3 * time.Second)
	if n := h.s.Metrics().Counter("congestion_signals_total", map[string]string{"source": "resource"}); n != 0 {
		t.Fatalf("congestion signals = %v, want 0", n)
	}
}

func TestHalfOpenAdmitsOneTrialAndHoldsScope(t *testing.T) {
	setup := func(t *testing.T) (*harness, string, string) {
		h := newHarness(t, nil, func(c *config.Config) {
			c.Breaker.FailureThreshold = 1
			c.Breaker.Cooldown = 10 * time.Second
			c.Limits.MaxConcurrent = 1
		})
		first := h.submit(t, domain.Task{Command: "make", Args: []string{"build"}})
		h.waitStatus(t, first, domain.StatusRunning)
		h.sp.Handles()[0].Exit(2, "")
		h.waitStatus(t, first, domain.StatusFailed)
		if st := h.s.CircuitStatus("make build"); st.State != breaker.StateOpen {
			t.Fatalf("circuit = %+v, want open", st)
		}

		blocker := h.submit(t, domain.Task{Command: "sleep 30"})
		h.waitStatus(t, blocker, domain.StatusRunning)
		h.clk.Advance(10 * time.Second)

		trial := h.submit(t, domain.Task{Command: "make", Args: []string{"build", "-j1"}})
		next := h.submit(t, domain.Task{Command: "make", Args: []string{"build", "-j2"}})
		h.sp.Handles()[1].Exit(0, "")
		h.waitStatus(t, blocker, domain.StatusCompleted)

		h.waitStatus(t, trial, domain.StatusRunning)
		if h.s.CircuitStatus("make build").State != breaker.StateHalfOpen {
			t.Fatal("circuit should be half-open while the trial runs")
		}
		if st := h.status(t, next).Status; st != domain.StatusQueued {
			t.Fatalf("second task = %s, want queued behind the trial", st)
		}
		if rs := h.s.ResourceStatus(); !strings.Contains(rs.Blocked, "half-open trial in flight") {
			t.Fatalf("blocked = %q, want half-open trial in flight", rs.Blocked)
		}
		if h.sp.Count() != 3 {
			t.Fatalf("spawned %d, want 3", h.sp.Count())
		}
		return h, trial, next
	}

	t.Run("trial succeeds", func(t *testing.T) {
		h, trial, next := setup(t)
		h.sp.Handles()[2].Exit(0, "")
		h.waitStatus(t, trial, domain.StatusCompleted)
		h.waitStatus(t, next, domain.StatusRunning)
		if st := h.s.CircuitStatus("make build"); st.State != breaker.StateClosed {
			t.Fatalf("circuit = %+v, want closed", st)
		}
	})
	t.Run("trial fails", func(t *testing.T) {
		h, trial, next := setup(t)
		h.sp.Handles()[2].Exit(2, "")
		h.waitStatus(t, trial, domain.StatusFailed)
		res := h.wait(t, next)
		var ae *domain.AdmissionError
		if !errors.As(res.Err, &ae) || ae.Reason != domain.DenyCircuit {
			t.Fatalf("second task = %+v, want circuit denial", res)
		}
		if h.sp.Count() != 3 {
			t.Fatalf("spawned %d, want 3", h.sp.Count())
		}
	})
}

func TestChaosFaultsRunThroughScheduler(t *testing.T) {
	withFault := func(kind chaos.Kind, delay time.Duration) func(*harness, *Options) {
		return func(h *harness, opts *Options) {
			opts.Chaos = chaos.Seeded{Seed: 7, Probability: 1, Kinds: []chaos.Kind{kind}, Delay: delay}
		}
	}

	t.Run("failure", func(t *testing.T) {
		h := newHarnessWith(t, nil, nil, withFault(chaos.Fail, 0))
		res := h.s.Run(context.Background(), domain.Task{Command: "ls"})
		if res.Status != domain.StatusFailed || !errors.Is(res.Err, domain.ErrExecutionFailure) || !strings.Contains(res.Error, "injected failure") {
			t.Fatalf("result = %+v, want injected failure", res)
		}
		if h.sp.Count() != 0 {
			t.Fatalf("spawned %d, want 0", h.sp.Count())
		}
		if n := h.s.Metrics().Counter("chaos_faults_total", map[string]string{"kind": string(chaos.Fail)}); n != 1 {
			t.Fatalf("chaos faults = %v, want 1", n)
		}
	})
	t.Run("timeout", func(t *testing.T) {
		h := newHarnessWith(t, nil, nil, withFault(chaos.Timeout, 0))
		res := h.s.Run(context.Background(), domain.Task{Command: "ls"})
		if res.Status != domain.StatusTimedOut || !errors.Is(res.Err, domain.ErrTimeout) {
			t.Fatalf("result = %+v, want timed out", res)
		}
		if h.sp.Count() != 0 {
			t.Fatalf("spawned %d, want 0", h.sp.Count())
		}
	})
	t.Run("latency", func(t *testing.T) {
		h := newHarnessWith(t, nil, nil, withFault(chaos.Latency, 2*time.Second))
		id := h.submit(t, domain.Task{Command: "ls"})
		if st := h.status(t, id).Status; st != domain.StatusDispatched || h.sp.Count() != 0 {
			t.Fatalf("status = %s spawned = %d, want dispatched and not spawned", st, h.sp.Count())
		}
		h.clk.Advance(2*time.Second + timingwheel.DefaultTick)
		waitFor(t, "delayed spawn", func() bool { return h.sp.Count() == 1 })
		h.sp.Handles()[0].Exit(0, "")
		if res := h.wait(t, id); res.Status != domain.StatusCompleted {
			t.Fatalf("result = %+v, want completed", res)
		}
	})
}

func TestAutoSnapshotBeforeRiskyTask(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	db, err := snapshot.OpenDB(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	build := func(t *testing.T, auto bool) (*harness, *snapshot.Manager) {
		var mgr *snapshot.Manager
		sp := &process.FakeSpawner{OnSpawn: func(fh *process.FakeHandle) { fh.Exit(0, "") }}
		h := newHarnessWith(t, sp, func(c *config.Config) { c.Risk.AutoSnapshot = auto },
			func(h *harness, opts *Options) {
				mgr = snapshot.NewManager(snapshot.Options{Store: snapshot.NewSQLiteStore(db), FS: snapshot.OSFS{Root: root}, Clock: h.clk})
				opts.Snapshots = mgr
			})
		return h, mgr
	}

	t.Run("risky task is checkpointed", func(t *testing.T) {
		h, mgr := build(t, true)
		res := h.s.Run(context.Background(), domain.Task{Command: "sed -i s/v1/v2/ go.mod", Track: []string{"go.mod"}})
		if res.Status != domain.StatusCompleted || res.SnapshotID == "" {
			t.Fatalf("result = %+v, want completed with a snapshot", res)
		}
		snap, err := mgr.Get(context.Background(), res.SnapshotID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if snap.Files != 1 || !strings.HasPrefix(snap.Label, "before: sed -i") {
			t.Fatalf("snapshot = %+v", snap)
		}
	})
	t.Run("green task is not", func(t *testing.T) {
		h, _ := build(t, true)
		res := h.s.Run(context.Background(), domain.Task{Command: "cat go.mod", Track: []string{"go.mod"}})
		if res.Status != domain.StatusCompleted || res.SnapshotID != "" {
			t.Fatalf("result = %+v, want no snapshot", res)
		}
	})
	t.Run("disabled", func(t *testing.T) {
		h, _ := build(t, false)
		res := h.s.Run(context.Background(), domain.Task{Command: "sed -i s/v1/v2/ go.mod", Track: []string{"go.mod"}})
		if res.SnapshotID != "" {
			t.Fatalf("result = %+v, want no snapshot", res)
		}
	})
}
