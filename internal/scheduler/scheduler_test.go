package scheduler

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"execguard/internal/breaker"
	"execguard/internal/clock"
	"execguard/internal/config"
	"execguard/internal/dedup"
	"execguard/internal/domain"
	"execguard/internal/process"
	"execguard/internal/resource"
	"execguard/internal/timingwheel"
)

type harness struct {
	clk    *clock.Virtual
	sp     *process.FakeSpawner
	prober *process.FakeProber
	vc     *config.Versioned
	s      *Scheduler
}

func newHarness(t *testing.T, sp *process.FakeSpawner, mutate func(*config.Config)) *harness {
	t.Helper()
	return newHarnessWith(t, sp, mutate, nil)
}

// newHarnessWith lets a test swap collaborators in opts before New runs.
func newHarnessWith(t *testing.T, sp *process.FakeSpawner, mutate func(*config.Config), customize func(h *harness, opts *Options)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Limits = resource.Limits{MaxConcurrent: 8}
	cfg.Retry.MaxRetries = 0
	if mutate != nil {
		mutate(&cfg)
	}
	vc, err := config.NewVersioned(cfg)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if sp == nil {
		sp = &process.FakeSpawner{}
	}
	h := &harness{
		clk:    clock.NewVirtual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		sp:     sp,
		prober: process.NewFakeProber(),
		vc:     vc,
	}
	opts := Options{
		Config:  vc,
		Clock:   h.clk,
		Spawner: sp,
		Prober:  h.prober,
		Sampler: resource.StaticSampler{},
		Home:    "/home/agent",
	}
	if customize != nil {
		customize(h, &opts)
	}
	h.s, err = New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(h.s.Close)
	return h
}

// waitFor polls cond in real time; task exits are observed on goroutines.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) status(t *testing.T, id string) TaskStatus {
	t.Helper()
	st, err := h.s.Status(id)
	if err != nil {
		t.Fatalf("Status(%s): %v", id, err)
	}
	return st
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.Status) {
	t.Helper()
	waitFor(t, id+" to be "+string(want), func() bool { return h.status(t, id).Status == want })
}

func (h *harness) wait(t *testing.T, id string) domain.TaskResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.s.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return res
}

func (h *harness) submit(t *testing.T, task domain.Task) string {
	t.Helper()
	sub, err := h.s.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("Submit(%q): %v", task.Command, err)
	}
	return sub.ID
}

func exitByCommand(codes map[string]int) *process.FakeSpawner {
	return &process.FakeSpawner{OnSpawn: func(h *process.FakeHandle) {
		h.Exit(codes[h.Spec.Command], "")
	}}
}

func TestDispatchFollowsPriorityThenFIFO(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Config) { c.Limits.MaxConcurrent = 1 })

	h.submit(t, domain.Task{Command: "echo blocker"})
	waitFor(t, "blocker spawn", func() bool { return h.sp.Count() == 1 })

	h.submit(t, domain.Task{Command: "echo low", Priority: domain.PriorityLow})
	h.submit(t, domain.Task{Command: "echo normal-1", Priority: domain.PriorityNormal})
	h.submit(t, domain.Task{Command: "echo critical", Priority: domain.PriorityCritical})
	h.submit(t, domain.Task{Command: "echo normal-2"})
	h.submit(t, domain.Task{Command: "echo high", Priority: domain.PriorityHigh})
	if got := h.sp.Count(); got != 1 {
		t.Fatalf("spawned %d while the slot was busy, want 1", got)
	}

	want := []string{"echo blocker", "echo critical", "echo high", "echo normal-1", "echo normal-2", "echo low"}
	for i := range want {
		waitFor(t, want[i]+" spawn", func() bool { return h.sp.Count() == i+1 })
		handle := h.sp.Handles()[i]
		if handle.Spec.Command != want[i] {
			t.Fatalf("spawn %d = %q, want %q", i, handle.Spec.Command, want[i])
		}
		handle.Exit(0, "")
	}
}

func TestRedCommandIsDeniedWithoutSpawning(t *testing.T) {
	h := newHarness(t, nil, nil)

	sub, err := h.s.Submit(context.Background(), domain.Task{Command: "rm -rf /"})
	if !errors.Is(err, domain.ErrAdmissionDenied) {
		t.Fatalf("err = %v, want admission denied", err)
	}
	var ae *domain.AdmissionError
	if !errors.As(err, &ae) || ae.Reason != domain.DenyRisk {
		t.Fatalf("err = %#v, want reason %q", err, domain.DenyRisk)
	}
	if sub.Risk != domain.RiskRed || sub.Warning == "" {
		t.Fatalf("submission = %+v, want RED with a warning", sub)
	}
	if h.sp.Count() != 0 {
		t.Fatalf("spawned %d processes, want 0", h.sp.Count())
	}
	res := h.wait(t, sub.ID)
	if res.Status != domain.StatusFailed || !errors.Is(res.Err, domain.ErrAdmissionDenied) {
		t.Fatalf("result = %+v, want failed admission", res)
	}
}

func TestSubmitRejectsMalformedTasks(t *testing.T) {
	h := newHarness(t, nil, nil)
	for _, task := range []domain.Task{
		{Command: "  "},
		{Command: "ls", Priority: domain.Priority(9)},
		{Command: "ls", MaxRetries: -1},
	} {
		if _, err := h.s.Submit(context.Background(), task); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Submit(%+v) err = %v, want validation error", task, err)
		}
	}
}

func TestExecuteBatchPartial(t *testing.T) {
	h := newHarness(t, exitByCommand(map[string]int{"false": 1}), nil)

	out := h.s.ExecuteBatch(context.Background(), []domain.Task{
		{Command: "echo one"},
		{Command: "false"},
		{Command: "echo three"},
	}, BatchOptions{Concurrency: 2})

	if out.Status != BatchPartial {
		t.Fatalf("status = %s, want partial", out.Status)
	}
	want := []domain.Status{domain.StatusCompleted, domain.StatusFailed, domain.StatusCompleted}
	for i, r := range out.Results {
		if r.Status != want[i] {
			t.Errorf("result %d = %s, want %s", i, r.Status, want[i])
		}
	}
	if !errors.Is(out.Results[1].Err, domain.ErrExecutionFailure) {
		t.Errorf("failure err = %v, want execution failure", out.Results[1].Err)
	}
}

func TestExecuteBatchStopOnFailure(t *testing.T) {
	h := newHarness(t, exitByCommand(map[string]int{"false": 1}), nil)

	out := h.s.ExecuteBatch(context.Background(), []domain.Task{
		{Command: "false"},
		{Command: "echo two"},
		{Command: "echo three"},
	}, BatchOptions{Concurrency: 1, StopOnFailure: true})

	if out.Status != BatchAllFailed {
		t.Fatalf("status = %s, want all-failed", out.Status)
	}
	if out.Results[0].Status != domain.StatusFailed {
		t.Fatalf("first = %s, want failed", out.Results[0].Status)
	}
	for _, r := range out.Results[1:] {
		if r.Status != domain.StatusCancelled {
			t.Errorf("unstarted task = %s, want cancelled", r.Status)
		}
	}
	if h.sp.Count() != 1 {
		t.Fatalf("spawned %d, want 1", h.sp.Count())
	}
}

func TestEmptyBatchSucceeds(t *testing.T) {
	h := newHarness(t, nil, nil)
	if out := h.s.ExecuteBatch(context.Background(), nil, BatchOptions{}); out.Status != BatchAllSucceeded {
		t.Fatalf("status = %s, want all-succeeded", out.Status)
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, exitByCommand(map[string]int{"make": 2}), func(c *config.Config) {
		c.Breaker.FailureThreshold = 3
	})
	events, unsubscribe := h.s.Subscribe(32)
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		res := h.s.Run(context.Background(), domain.Task{Command: "make", Args: []string{"build"}})
		if res.Status != domain.StatusFailed || res.ExitCode != 2 {
			t.Fatalf("run %d = %+v, want failed with code 2", i, res)
		}
	}
	if st := h.s.CircuitStatus("make build"); st.State != breaker.StateOpen {
		t.Fatalf("circuit = %+v, want open", st)
	}

	_, err := h.s.Submit(context.Background(), domain.Task{Command: "make", Args: []string{"build"}})
	var ae *domain.AdmissionError
	if !errors.As(err, &ae) || ae.Reason != domain.DenyCircuit {
		t.Fatalf("err = %v, want circuit denial", err)
	}
	if h.sp.Count() != 3 {
		t.Fatalf("spawned %d, want 3", h.sp.Count())
	}
	if res := h.s.Run(context.Background(), domain.Task{Command: "make", Args: []string{"test"}}); res.Status != domain.StatusFailed || res.ExitCode != 2 {
		t.Fatalf("other scope should still run, got %+v", res)
	}

	opened := false
	for !opened {
		select {
		case ev := <-events:
			opened = ev.Kind == EventCircuitOpened && ev.Scope == "make build"
		default:
			t.Fatal("no circuitOpened event")
		}
	}
	if h.s.HealthCheck().Status != HealthDegraded {
		t.Fatal("health should be degraded with an open circuit")
	}
}

func TestZombieIsReapedAfterTimeout(t *testing.T) {
	sp := &process.FakeSpawner{IgnoreSignals: true}
	h := newHarness(t, sp, nil)
	h.s.Start()
	events, unsubscribe := h.s.Subscribe(64)
	defer unsubscribe()

	id := h.submit(t, domain.Task{Command: "sleep 100"})
	h.waitStatus(t, id, domain.StatusRunning)
	pid := h.status(t, id).PID
	h.prober.Set(pid, process.Liveness{Alive: true, Zombie: true, State: "Z"})

	h.clk.Advance(time.Second)
	if st := h.status(t, id).Status; st != domain.StatusRunning {
		t.Fatalf("status = %s right after detection, want running", st)
	}
	h.clk.Advance(30 * time.Second)

	res := h.wait(t, id)
	if res.Status != domain.StatusFailed || !errors.Is(res.Err, domain.ErrExecutionFailure) {
		t.Fatalf("result = %+v, want failed execution", res)
	}
	if !h.prober.Reaped(pid) {
		t.Fatal("pid was not reaped")
	}
	sigs := sp.Handles()[0].Signals()
	if len(sigs) == 0 || sigs[len(sigs)-1] != syscall.SIGKILL {
		t.Fatalf("signals = %v, want SIGKILL", sigs)
	}
	if n := h.s.ResourceStatus().ZombiesReaped; n != 1 {
		t.Fatalf("zombies reaped = %d, want 1", n)
	}
	found := false
	for len(events) > 0 {
		if ev := <-events; ev.Kind == EventZombieDetected && ev.PID == pid {
			found = true
		}
	}
	if !found {
		t.Fatal("no zombieDetected event")
	}
}

func TestStoppedProcessIsReapedAfterLivenessTimeout(t *testing.T) {
	sp := &process.FakeSpawner{IgnoreSignals: true}
	h := newHarness(t, sp, func(c *config.Config) { c.Timeouts.Liveness = 10 * time.Second })
	h.s.Start()

	id := h.submit(t, domain.Task{Command: "vim notes.txt"})
	h.waitStatus(t, id, domain.StatusRunning)
	h.prober.Set(h.status(t, id).PID, process.Liveness{Alive: true, Stopped: true, State: "T"})

	h.clk.Advance(9 * time.Second)
	if st := h.status(t, id).Status; st != domain.StatusRunning {
		t.Fatalf("status = %s before liveness timeout, want running", st)
	}
	h.clk.Advance(time.Second)
	if res := h.wait(t, id); res.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
}

func TestDuplicatePolicies(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		h := newHarness(t, nil, func(c *config.Config) { c.Dedup.Policy = dedup.PolicyReject })
		h.submit(t, domain.Task{Command: "npm install", Cwd: "/w"})
		_, err := h.s.Submit(context.Background(), domain.Task{Command: "npm install", Cwd: "/w"})
		var ae *domain.AdmissionError
		if !errors.As(err, &ae) || ae.Reason != domain.DenyDuplicate {
			t.Fatalf("err = %v, want duplicate denial", err)
		}
		h.submit(t, domain.Task{Command: "npm install", Cwd: "/other"})

		h.s.ForgetSubmissions()
		h.submit(t, domain.Task{Command: "npm install", Cwd: "/w"})
	})
	t.Run("merge", func(t *testing.T) {
		h := newHarness(t, nil, func(c *config.Config) { c.Dedup.Policy = dedup.PolicyMerge })
		first := h.submit(t, domain.Task{Command: "go test ./...", Cwd: "/w"})
		sub, err := h.s.Submit(context.Background(), domain.Task{Command: "go test ./...", Cwd: "/w"})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if sub.ID != first || sub.DuplicateOf != first {
			t.Fatalf("submission = %+v, want merge into %s", sub, first)
		}
		waitFor(t, "spawn", func() bool { return h.sp.Count() == 1 })
		if h.sp.Count() != 1 {
			t.Fatalf("spawned %d, want 1", h.sp.Count())
		}
	})
}

func TestTimeoutSendsTermThenKill(t *testing.T) {
	sp := &process.FakeSpawner{IgnoreSignals: true}
	h := newHarness(t, sp, func(c *config.Config) { c.Timeouts.Grace = 3 * time.Second })

	id := h.submit(t, domain.Task{Command: "sleep 60", Timeout: 5 * time.Second})
	h.waitStatus(t, id, domain.StatusRunning)
	handle := sp.Handles()[0]

	h.clk.Advance(5*time.Second + timingwheel.DefaultTick)
	if sigs := handle.Signals(); len(sigs) != 1 || sigs[0] != syscall.SIGTERM {
		t.Fatalf("signals after timeout = %v, want [SIGTERM]", sigs)
	}
	h.clk.Advance(3 * time.Second)
	if sigs := handle.Signals(); len(sigs) != 2 || sigs[1] != syscall.SIGKILL {
		t.Fatalf("signals after grace = %v, want SIGKILL second", sigs)
	}
	handle.Exit(-1, "")

	res := h.wait(t, id)
	if res.Status != domain.StatusTimedOut || !errors.Is(res.Err, domain.ErrTimeout) {
		t.Fatalf("result = %+v, want timed-out", res)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Config) { c.Limits.MaxConcurrent = 1 })

	running := h.submit(t, domain.Task{Command: "sleep 30"})
	queued := h.submit(t, domain.Task{Command: "sleep 31"})
	h.waitStatus(t, running, domain.StatusRunning)

	if err := h.s.Cancel(queued); err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	if st := h.status(t, queued).Status; st != domain.StatusCancelled {
		t.Fatalf("queued task = %s, want cancelled", st)
	}

	if err := h.s.Cancel(running); err != nil {
		t.Fatalf("Cancel running: %v", err)
	}
	if res := h.wait(t, running); res.Status != domain.StatusCancelled {
		t.Fatalf("running task = %s, want cancelled", res.Status)
	}
	if sigs := h.sp.Handles()[0].Signals(); len(sigs) == 0 || sigs[0] != syscall.SIGTERM {
		t.Fatalf("signals = %v, want SIGTERM", sigs)
	}
	if h.sp.Count() != 1 {
		t.Fatalf("cancelled queued task was spawned")
	}

	if err := h.s.Cancel(running); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second cancel err = %v, want invalid transition", err)
	}
	if err := h.s.Cancel("tsk_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown cancel err = %v, want not found", err)
	}
}

func TestRetryUsesExponentialBackoff(t *testing.T) {
	h := newHarness(t, exitByCommand(map[string]int{"flaky": 1}), func(c *config.Config) {
		c.Retry = config.RetryConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	})

	id := h.submit(t, domain.Task{Command: "flaky", MaxRetries: 2})
	retryPending := func(attempts int) func() bool {
		return func() bool {
			st := h.status(t, id)
			return st.Status == domain.StatusQueued && st.Attempts == attempts
		}
	}
	waitFor(t, "first retry pending", retryPending(1))

	h.clk.Advance(time.Second - timingwheel.DefaultTick)
	if h.sp.Count() != 1 {
		t.Fatalf("retried before the first backoff elapsed")
	}
	h.clk.Advance(2 * timingwheel.DefaultTick)
	waitFor(t, "second retry pending", retryPending(2))

	h.clk.Advance(time.Second)
	if h.sp.Count() != 2 {
		t.Fatalf("second retry ignored the doubled backoff")
	}
	h.clk.Advance(time.Second + timingwheel.DefaultTick)

	res := h.wait(t, id)
	if res.Status != domain.StatusFailed || res.Attempts != 3 {
		t.Fatalf("result = %+v, want failed after 3 attempts", res)
	}
	if h.sp.Count() != 3 {
		t.Fatalf("spawned %d, want 3", h.sp.Count())
	}
}

func TestSessionCwdCarriesAcrossTasks(t *testing.T) {
	h := newHarness(t, exitByCommand(nil), nil)

	if res := h.s.Run(context.Background(), domain.Task{Command: "cd /srv/app", Session: "s1"}); !res.Succeeded() {
		t.Fatalf("cd = %+v", res)
	}
	if res := h.s.Run(context.Background(), domain.Task{Command: "ls", Session: "s1"}); !res.Succeeded() {
		t.Fatalf("ls = %+v", res)
	}
	if dir := h.sp.Handles()[1].Spec.Dir; dir != "/srv/app" {
		t.Fatalf("second task ran in %q, want /srv/app", dir)
	}
	if n := h.s.Shell().Get("s1").Total; n != 2 {
		t.Fatalf("history total = %d, want 2", n)
	}
}

func TestGovernorHoldsQueueHead(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Config) { c.Limits.MaxConcurrent = 2 })

	a := h.submit(t, domain.Task{Command: "sleep 1"})
	h.submit(t, domain.Task{Command: "sleep 2"})
	c := h.submit(t, domain.Task{Command: "sleep 3", Priority: domain.PriorityHigh})
	waitFor(t, "two spawns", func() bool { return h.sp.Count() == 2 })

	rs := h.s.ResourceStatus()
	if rs.Running != 2 || rs.Queued != 1 || rs.Blocked == "" || rs.Verdict.Allowed {
		t.Fatalf("resource status = %+v, want head held by governor", rs)
	}
	h.sp.Handles()[0].Exit(0, "")
	h.waitStatus(t, a, domain.StatusCompleted)
	h.waitStatus(t, c, domain.StatusRunning)
}

func TestConfigReloadAppliesToLiveComponents(t *testing.T) {
	h := newHarness(t, nil, nil)
	cfg, _ := h.vc.Get()
	cfg.Breaker.FailureThreshold = 1
	cfg.Flow.Initial, cfg.Flow.Max = 2, 2
	if _, err := h.vc.Set(cfg); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := h.s.ResourceStatus().FlowWindow; got != 2 {
		t.Fatalf("flow window = %d, want 2", got)
	}
	if v := h.s.ResourceStatus().ConfigVersion; v != 2 {
		t.Fatalf("config version = %d, want 2", v)
	}

	bad := cfg
	bad.Breaker.FailureThreshold = 0
	if _, err := h.vc.Set(bad); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("invalid config err = %v", err)
	}
	if v := h.s.ResourceStatus().ConfigVersion; v != 2 {
		t.Fatalf("rejected config bumped version to %d", v)
	}
}

func TestEventsAreDroppedForSlowSubscribers(t *testing.T) {
	h := newHarness(t, exitByCommand(nil), nil)
	_, unsubscribe := h.s.Subscribe(1)
	defer unsubscribe()

	h.s.Run(context.Background(), domain.Task{Command: "true"})
	if h.s.ResourceStatus().EventsDropped == 0 {
		t.Fatal("expected dropped events with a one-slot buffer")
	}
}

func TestHealthDownAfterClose(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.s.Start()
	if got := h.s.HealthCheck().Status; got != HealthOK {
		t.Fatalf("health = %s, want ok", got)
	}
	h.s.Close()
	if got := h.s.HealthCheck().Status; got != HealthDown {
		t.Fatalf("health = %s, want down", got)
	}
	if _, err := h.s.Submit(context.Background(), domain.Task{Command: "ls"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("submit after close err = %v", err)
	}
}

func TestShutdownWaitsForRunningTasks(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := h.submit(t, domain.Task{Command: "sleep 10"})
	h.waitStatus(t, id, domain.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if st := h.status(t, id).Status; st != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", st)
	}
}

func TestDefaultInstanceLifecycle(t *testing.T) {
	t.Cleanup(ResetDefault)
	if _, err := Default(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Default before Init err = %v", err)
	}
	vc, err := config.NewVersioned(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{Config: vc, Clock: clock.NewVirtual(time.Unix(0, 0)), Spawner: &process.FakeSpawner{}, Prober: process.NewFakeProber(), Sampler: resource.StaticSampler{}}
	a, err := Init(opts)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	b, _ := Init(opts)
	got, _ := Default()
	if a != b || got != a {
		t.Fatal("Init and Default should share one instance")
	}

	ResetDefault()
	if _, err := Default(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Default after reset err = %v", err)
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	h := newHarness(t, exitByCommand(nil), nil)
	var wg sync.WaitGroup
	results := make([]domain.TaskResult, 20)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.s.Run(context.Background(), domain.Task{Command: "echo", Args: []string{string(rune('a' + i))}})
		}()
	}
	wg.Wait()
	for i, r := range results {
		if !r.Succeeded() {
			t.Errorf("task %d = %+v", i, r)
		}
	}
	if n := h.s.Metrics().Counter("tasks_total", map[string]string{"status": "completed"}); n != 20 {
		t.Fatalf("completed counter = %v, want 20", n)
	}
}
