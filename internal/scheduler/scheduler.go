// Package scheduler admits, orders and supervises command executions. Each
// submission passes dedup, risk and circuit checks, waits in a strict
// priority queue, and is dispatched only when the resource governor and the
// adaptive concurrency limit allow it.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"execguard/internal/breaker"
	"execguard/internal/chaos"
	"execguard/internal/clock"
	"execguard/internal/config"
	"execguard/internal/control"
	"execguard/internal/dedup"
	"execguard/internal/domain"
	"execguard/internal/metrics"
	"execguard/internal/process"
	"execguard/internal/queue"
	"execguard/internal/resource"
	"execguard/internal/risk"
	"execguard/internal/shellctx"
	"execguard/internal/snapshot"
	"execguard/internal/timingwheel"
)

const finishedRetention = 4096

type Options struct {
	// Config is required; New fails on a nil config.
	Config    *config.Versioned
	Clock     clock.Clock
	Spawner   process.Spawner
	Prober    process.Prober
	Sampler   resource.Sampler
	Snapshots *snapshot.Manager
	Chaos     chaos.Injector
	Metrics   *metrics.Collector
	Shell     *shellctx.Manager
	// Home resolves `~` in risk checks. Default: $HOME
	Home   string
	Logger *zerolog.Logger
}

type record struct {
	task     domain.Task
	attempts int
	handle   process.Handle
	proc     *domain.ProcessRecord

	pending *timingwheel.Timer
	timeout *timingwheel.Timer
	grace   *timingwheel.Timer

	cancelRequested bool
	timedOut        bool
	probe           bool
	// reapReason is set when the sweep kills a zombie or stuck process.
	reapReason string

	startedAt time.Time
	span      trace.Span
	result    domain.TaskResult
	done      chan struct{}
}

type Scheduler struct {
	clk        clock.Clock
	cfgs       *config.Versioned
	spawner    process.Spawner
	prober     process.Prober
	snapshots  *snapshot.Manager
	chaos      chaos.Injector
	metrics    *metrics.Collector
	shell      *shellctx.Manager
	classifier *risk.Classifier
	breaker    *breaker.Breaker
	dedup      *dedup.Detector
	monitor    *resource.Monitor
	wheel      *timingwheel.Wheel
	queue      *queue.PriorityQueue
	flow       *control.FlowControl
	pid        *control.PIDController
	ewma       *control.EWMASet
	events     *bus
	home       string
	log        zerolog.Logger
	seq        atomic.Uint64

	mu        sync.Mutex
	cfg       config.Config
	active    map[string]*record
	finished  *lru.Cache[string, *record]
	running   int
	blocked   string
	pumping   bool
	pumpAgain bool
	started   bool
	closed    bool
	control   clock.Timer
	zombies   uint64
	// overloaded is true while samples exceed a cpu, memory or fd limit.
	overloaded bool
}

func New(opts Options) (*Scheduler, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: scheduler requires a config", domain.ErrConfig)
	}
	cfg, _ := opts.Config.Get()
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Spawner == nil {
		opts.Spawner = process.ExecSpawner{}
	}
	if opts.Prober == nil {
		opts.Prober = process.NewOSProber()
	}
	if opts.Sampler == nil {
		sampler, err := resource.NewProcfsSampler(os.Getpid(), opts.Clock)
		if err != nil {
			return nil, fmt.Errorf("resource sampler: %w", err)
		}
		opts.Sampler = sampler
	}
	if opts.Chaos == nil {
		inj, err := chaos.New(cfg.Chaos.Enabled, cfg.Chaos.Seed, cfg.Chaos.Probability, cfg.Chaos.Kinds, cfg.Chaos.Latency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
		}
		opts.Chaos = inj
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(metrics.Options{Alpha: cfg.EWMAAlpha, Compression: cfg.TDigestCompression})
	}
	if opts.Home == "" {
		opts.Home, _ = os.UserHomeDir()
	}
	if opts.Shell == nil {
		opts.Shell = shellctx.NewManager(shellctx.Options{HistorySize: cfg.HistorySize, Home: opts.Home})
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	classifier, err := risk.NewClassifier(cfg.Risk.CacheSize)
	if err != nil {
		return nil, err
	}
	finished, err := lru.New[string, *record](finishedRetention)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		clk:        opts.Clock,
		cfgs:       opts.Config,
		spawner:    opts.Spawner,
		prober:     opts.Prober,
		snapshots:  opts.Snapshots,
		chaos:      opts.Chaos,
		metrics:    opts.Metrics,
		shell:      opts.Shell,
		classifier: classifier,
		dedup:      dedup.New(opts.Clock, cfg.Dedup),
		wheel:      timingwheel.New(opts.Clock, timingwheel.DefaultTick),
		queue:      queue.NewPriorityQueue(),
		flow:       control.NewFlowControl(cfg.Flow),
		pid:        control.NewPIDController(cfg.PID),
		ewma:       control.NewEWMASet(cfg.EWMAAlpha),
		events:     newBus(),
		home:       opts.Home,
		log:        logger.With().Str("component", "scheduler").Logger(),
		cfg:        cfg,
		active:     make(map[string]*record),
		finished:   finished,
	}
	s.breaker = breaker.New(opts.Clock, cfg.Breaker, circuitNotifier{s})
	s.monitor = resource.NewMonitor(opts.Clock, opts.Sampler, resource.MonitorOptions{Interval: cfg.SampleInterval, Logger: &s.log})
	s.monitor.OnSample(s.sweep)
	opts.Config.OnChange(func(c config.Config, v uint64) { s.applyConfig(c, v) })
	return s, nil
}

// Start begins resource sampling and the concurrency control loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.monitor.Start()
	s.scheduleControl()
	s.log.Info().Float64("admission_limit", s.admissionLimit()).Msg("scheduler started")
}

// Shutdown cancels all work and waits until it has finished or ctx is done,
// then closes the scheduler. Running processes get SIGTERM first and are
// killed by Close if they outlive ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	ids := s.activeIDs()
	for _, id := range ids {
		_ = s.Cancel(id)
	}
	var err error
	for _, id := range ids {
		if _, err = s.Wait(ctx, id); err != nil {
			break
		}
	}
	s.Close()
	return err
}

// Close stops background loops, cancels queued work and kills running
// processes. It does not wait for them to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.control != nil {
		s.control.Stop()
	}
	var handles []process.Handle
	for _, rec := range s.active {
		if rec.handle != nil {
			handles = append(handles, rec.handle)
		}
	}
	s.mu.Unlock()

	ids := s.activeIDs()
	s.monitor.Stop()
	for _, id := range ids {
		_ = s.Cancel(id)
	}
	for _, h := range handles {
		_ = h.Signal(sigkill)
	}
	s.wheel.Close()
	s.events.closeAll()
	s.log.Info().Int("cancelled", len(ids)).Msg("scheduler closed")
}

func (s *Scheduler) activeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Submission reports how Submit handled a task.
type Submission struct {
	ID          string           `json:"id"`
	Status      domain.Status    `json:"status"`
	Risk        domain.RiskLevel `json:"risk"`
	Reasons     []string         `json:"reasons,omitempty"`
	Warning     string           `json:"warning,omitempty"`
	DuplicateOf string           `json:"duplicate_of,omitempty"`
}

// Submit validates and admits t into the queue. Malformed tasks return an
// ErrValidation error. Refused tasks return an *domain.AdmissionError and are
// recorded as failed so Status and Wait still report them.
func (s *Scheduler) Submit(ctx context.Context, t domain.Task) (Submission, error) {
	ctx, span := startSpan(ctx, "scheduler.submit", attribute.String("command", t.Command))
	defer span.End()

	if err := t.Validate(); err != nil {
		return Submission{}, err
	}
	s.mu.Lock()
	cfg := s.cfg
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Submission{}, fmt.Errorf("%w: scheduler is closed", domain.ErrValidation)
	}

	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	span.SetAttributes(attribute.String("task_id", t.ID))
	if t.Session != "" {
		sc := s.shell.Get(t.Session)
		if t.Cwd == "" {
			t.Cwd = sc.Cwd
		}
		if len(sc.Env) > 0 {
			env := make(map[string]string, len(sc.Env)+len(t.Env))
			for k, v := range sc.Env {
				env[k] = v
			}
			for k, v := range t.Env {
				env[k] = v
			}
			t.Env = env
		}
	}
	if t.Timeout == 0 {
		t.Timeout = cfg.Timeouts.Default
	}
	if t.Scope == "" {
		t.Scope = breaker.ScopeFor(cfg.Breaker.Scope, commandLine(t))
	}
	t.SubmittedAt = s.clk.Now()
	t.Seq = s.seq.Add(1)
	t.Status = domain.StatusQueued
	t.DedupKey = domain.DedupKey(t.Command, t.Cwd, t.Args)

	line := commandLine(t)
	a := s.classifier.Classify(line, risk.Context{Cwd: t.Cwd, Home: s.home, Flags: t.Flags})
	t.Risk = a.Level
	t.RiskReasons = a.Reasons
	sub := Submission{ID: t.ID, Status: domain.StatusQueued, Risk: a.Level, Reasons: a.Reasons}
	if a.Level != domain.RiskGreen {
		sub.Warning = risk.FormatRiskWarning(line, a)
	}

	if s.dedup.Check(t.DedupKey) {
		s.metrics.IncCounter("duplicates_total", map[string]string{"policy": string(cfg.Dedup.Policy)}, 1)
		owner, live := s.dedup.Owner(t.DedupKey)
		switch cfg.Dedup.Policy {
		case dedup.PolicyReject:
			msg := fmt.Sprintf("duplicate of a command submitted in the last %s: %s", cfg.Dedup.Window, line)
			return s.deny(t, sub, domain.DenyDuplicate, msg)
		case dedup.PolicyMerge:
			if live {
				st, _ := s.Status(owner)
				s.log.Info().Str("task_id", owner).Str("command", line).Msg("merged duplicate submission")
				return Submission{ID: owner, Status: st.Status, Risk: a.Level, Reasons: a.Reasons, DuplicateOf: owner}, nil
			}
		default:
			s.log.Warn().Str("task_id", t.ID).Str("command", line).Msg("probable duplicate submission")
		}
	}

	if risk.ShouldBlockCommand(a.Level, risk.Policy{BlockAt: cfg.Risk.BlockAt}) {
		return s.deny(t, sub, domain.DenyRisk, risk.FormatRiskWarning(line, a))
	}
	if !s.breaker.Peek(t.Scope) {
		st := s.breaker.Status(t.Scope)
		msg := fmt.Sprintf("circuit %q is open until %s: %s", t.Scope, st.RetryAt.Format(time.RFC3339), st.Reason)
		return s.deny(t, sub, domain.DenyCircuit, msg)
	}

	rec := &record{task: t, done: make(chan struct{})}
	s.mu.Lock()
	s.active[t.ID] = rec
	s.queue.Push(t)
	s.mu.Unlock()
	s.dedup.Track(t.DedupKey, t.ID)
	s.metrics.IncCounter("tasks_submitted_total", map[string]string{"priority": t.Priority.String()}, 1)
	s.log.Debug().Str("task_id", t.ID).Str("priority", t.Priority.String()).Str("risk", string(a.Level)).Str("scope", t.Scope).Msg("task queued")
	s.kick()
	return sub, nil
}

func (s *Scheduler) deny(t domain.Task, sub Submission, reason, msg string) (Submission, error) {
	err := domain.Denied(reason, msg)
	t.Status = domain.StatusFailed
	rec := &record{task: t, done: make(chan struct{})}
	rec.result = domain.TaskResult{TaskID: t.ID, Status: domain.StatusFailed, ExitCode: -1, Error: msg, Err: err}
	close(rec.done)
	s.mu.Lock()
	s.finished.Add(t.ID, rec)
	s.mu.Unlock()
	s.metrics.IncCounter("admission_denied_total", map[string]string{"reason": reason}, 1)
	s.log.Warn().Str("task_id", t.ID).Str("reason", reason).Msg(msg)
	sub.Status = domain.StatusFailed
	sub.Warning = msg
	return sub, err
}

func commandLine(t domain.Task) string {
	if len(t.Args) == 0 {
		return t.Command
	}
	return t.Command + " " + strings.Join(t.Args, " ")
}

func (s *Scheduler) lookup(id string) (*record, bool) {
	if rec, ok := s.active[id]; ok {
		return rec, true
	}
	return s.finished.Get(id)
}

// Wait blocks until task id reaches a terminal status or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, id string) (domain.TaskResult, error) {
	s.mu.Lock()
	rec, ok := s.lookup(id)
	s.mu.Unlock()
	if !ok {
		return domain.TaskResult{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	select {
	case <-rec.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return rec.result, nil
	case <-ctx.Done():
		return domain.TaskResult{}, ctx.Err()
	}
}

// Run submits t and waits for its outcome. Cancelling ctx cancels the task.
func (s *Scheduler) Run(ctx context.Context, t domain.Task) domain.TaskResult {
	sub, err := s.Submit(ctx, t)
	if err != nil {
		return domain.TaskResult{TaskID: sub.ID, Status: domain.StatusFailed, ExitCode: -1, Error: err.Error(), Err: err}
	}
	res, err := s.Wait(ctx, sub.ID)
	if err == nil {
		if sub.DuplicateOf != "" {
			res.DuplicateOf = sub.DuplicateOf
		}
		return res
	}
	_ = s.Cancel(sub.ID)
	res, werr := s.Wait(context.Background(), sub.ID)
	if werr != nil {
		return domain.TaskResult{TaskID: sub.ID, Status: domain.StatusCancelled, Error: err.Error(), Err: err}
	}
	return res
}

// Cancel stops task id: queued or retry-pending tasks end immediately,
// running ones get SIGTERM and, after the grace period, SIGKILL.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	rec, ok := s.active[id]
	if !ok {
		_, done := s.finished.Get(id)
		s.mu.Unlock()
		if done {
			return fmt.Errorf("%w: task %s already finished", domain.ErrInvalidTransition, id)
		}
		return fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	if rec.handle != nil {
		if rec.cancelRequested {
			s.mu.Unlock()
			return nil
		}
		rec.cancelRequested = true
		handle := rec.handle
		s.armGrace(rec)
		s.mu.Unlock()
		s.log.Info().Str("task_id", id).Int("pid", handle.PID()).Msg("cancelling running task")
		return handle.Signal(sigterm)
	}
	s.queue.Remove(id)
	if rec.pending != nil {
		rec.pending.Stop()
		rec.pending = nil
	}
	if rec.probe {
		s.breaker.ReleaseProbe(rec.task.Scope)
		rec.probe = false
	}
	if rec.task.Status == domain.StatusDispatched {
		s.running--
	}
	ev := s.finalize(rec, domain.StatusCancelled, -1, "", 0, domain.ErrCancelled)
	s.mu.Unlock()
	s.emit(ev)
	s.kick()
	return nil
}
