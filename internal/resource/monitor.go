// Package resource samples the host process tree and turns the samples into
// admission verdicts.
package resource

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"execguard/internal/clock"
	"execguard/internal/domain"
)

// Sampler reads current usage. Implementations need not set Timestamp.
type Sampler interface {
	Sample() (domain.ResourceSnapshot, error)
}

// ProcfsSampler sums usage over a process and all its descendants.
type ProcfsSampler struct {
	fs   procfs.FS
	root int
	clk  clock.Clock

	mu       sync.Mutex
	prevCPU  float64
	prevWall time.Time
}

// NewProcfsSampler samples the tree rooted at pid; pid <= 0 means this process.
// CPU percent is CPU time over clk time between samples; nil clk means real time.
func NewProcfsSampler(pid int, clk clock.Clock) (*ProcfsSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	if pid <= 0 {
		pid = os.Getpid()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &ProcfsSampler{fs: fs, root: pid, clk: clk}, nil
}

func (s *ProcfsSampler) Sample() (domain.ResourceSnapshot, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return domain.ResourceSnapshot{}, err
	}
	stats := make(map[int]procfs.ProcStat, len(procs))
	children := make(map[int][]int)
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			continue
		}
		stats[p.PID] = st
		children[st.PPID] = append(children[st.PPID], p.PID)
	}
	if _, ok := stats[s.root]; !ok {
		return domain.ResourceSnapshot{}, os.ErrNotExist
	}

	var snap domain.ResourceSnapshot
	var cpu float64
	queue := []int{s.root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		st := stats[pid]
		cpu += st.CPUTime()
		snap.MemoryBytes += uint64(st.ResidentMemory())
		if pid != s.root {
			snap.ProcessCount++
		}
		if p, err := s.fs.Proc(pid); err == nil {
			if n, err := p.FileDescriptorsLen(); err == nil {
				snap.OpenFDs += n
			}
		}
		queue = append(queue, children[pid]...)
	}

	now := s.clk.Now()
	s.mu.Lock()
	if !s.prevWall.IsZero() {
		if wall := now.Sub(s.prevWall).Seconds(); wall > 0 && cpu > s.prevCPU {
			snap.CPUPercent = (cpu - s.prevCPU) / wall * 100
		}
	}
	s.prevCPU, s.prevWall = cpu, now
	s.mu.Unlock()
	return snap, nil
}

// Monitor samples on a clock-driven period and publishes each snapshot
// atomically. A failed sample republishes the last good one marked stale.
type Monitor struct {
	clk      clock.Clock
	sampler  Sampler
	interval time.Duration
	log      zerolog.Logger

	current  atomic.Pointer[domain.ResourceSnapshot]
	failures atomic.Uint64

	mu      sync.Mutex
	timer   clock.Timer
	running bool
	hooks   []func(domain.ResourceSnapshot)
}

type MonitorOptions struct {
	Interval time.Duration
	Logger   *zerolog.Logger
}

func NewMonitor(clk clock.Clock, sampler Sampler, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	m := &Monitor{clk: clk, sampler: sampler, interval: opts.Interval, log: logger.With().Str("component", "resource_monitor").Logger()}
	m.current.Store(&domain.ResourceSnapshot{Timestamp: clk.Now(), Stale: true})
	return m
}

// OnSample registers fn to run after every sample, successful or not. The
// scheduler hangs its zombie sweep here.
func (m *Monitor) OnSample(fn func(domain.ResourceSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	m.tick()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) tick() {
	m.SampleNow()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.timer = m.clk.AfterFunc(m.interval, m.tick)
	}
}

// SampleNow takes one sample outside the periodic schedule.
func (m *Monitor) SampleNow() domain.ResourceSnapshot {
	snap, err := m.sampler.Sample()
	if err != nil {
		m.failures.Add(1)
		last := *m.current.Load()
		last.Stale = true
		snap = last
		m.log.Warn().Err(err).Time("last_good", last.Timestamp).Msg("resource sample failed; keeping last snapshot")
	} else {
		snap.Timestamp = m.clk.Now()
		snap.Stale = false
	}
	m.current.Store(&snap)

	m.mu.Lock()
	hooks := append([]func(domain.ResourceSnapshot){}, m.hooks...)
	m.mu.Unlock()
	for _, h := range hooks {
		h(snap)
	}
	return snap
}

// Snapshot returns the latest published sample.
func (m *Monitor) Snapshot() domain.ResourceSnapshot { return *m.current.Load() }

func (m *Monitor) Failures() uint64 { return m.failures.Load() }

// StaticSampler returns a fixed reading; handy for hosts without /proc.
type StaticSampler struct {
	Snapshot domain.ResourceSnapshot
	Err      error
}

func (s StaticSampler) Sample() (domain.ResourceSnapshot, error) { return s.Snapshot, s.Err }
