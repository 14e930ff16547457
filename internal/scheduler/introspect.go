package scheduler

import (
	"fmt"
	"sort"
	"time"

	"execguard/internal/breaker"
	"execguard/internal/config"
	"execguard/internal/dedup"
	"execguard/internal/domain"
	"execguard/internal/metrics"
	"execguard/internal/resource"
	"execguard/internal/risk"
	"execguard/internal/shellctx"
	"execguard/internal/snapshot"
)

// TaskStatus is a read-only view of one task.
type TaskStatus struct {
	ID          string             `json:"id"`
	Command     string             `json:"command"`
	Status      domain.Status      `json:"status"`
	Priority    domain.Priority    `json:"priority"`
	Risk        domain.RiskLevel   `json:"risk"`
	RiskReasons []string           `json:"risk_reasons,omitempty"`
	Scope       string             `json:"scope"`
	Session     string             `json:"session,omitempty"`
	Attempts    int                `json:"attempts"`
	Retries     int                `json:"retries"`
	MaxRetries  int                `json:"max_retries"`
	SubmittedAt time.Time          `json:"submitted_at"`
	PID         int                `json:"pid,omitempty"`
	SnapshotID  string             `json:"snapshot_id,omitempty"`
	Result      *domain.TaskResult `json:"result,omitempty"`
}

func (s *Scheduler) Status(id string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookup(id)
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return rec.view(), nil
}

// view copies rec. Caller holds s.mu.
func (rec *record) view() TaskStatus {
	t := rec.task
	st := TaskStatus{
		ID:          t.ID,
		Command:     commandLine(t),
		Status:      t.Status,
		Priority:    t.Priority,
		Risk:        t.Risk,
		RiskReasons: append([]string(nil), t.RiskReasons...),
		Scope:       t.Scope,
		Session:     t.Session,
		Attempts:    rec.attempts,
		Retries:     t.Retries,
		MaxRetries:  t.MaxRetries,
		SubmittedAt: t.SubmittedAt,
		SnapshotID:  t.SnapshotID,
	}
	if rec.proc != nil {
		st.PID = rec.proc.PID
	}
	if t.Status.Terminal() {
		res := rec.result
		st.Result = &res
	}
	return st
}

func (s *Scheduler) CircuitStatus(scope string) breaker.Status { return s.breaker.Status(scope) }

func (s *Scheduler) Circuits() []breaker.Status { return s.breaker.All() }

// TripCircuit opens scope by hand, e.g. while an operator investigates.
func (s *Scheduler) TripCircuit(scope, reason string) {
	s.breaker.Trip(scope, reason)
	s.log.Warn().Str("scope", scope).Str("reason", reason).Msg("circuit tripped manually")
}

func (s *Scheduler) ResetCircuit(scope string) {
	s.breaker.Reset(scope)
	s.log.Info().Str("scope", scope).Msg("circuit reset manually")
	s.kick()
}

// ForgetSubmissions starts a fresh duplicate-detection window.
func (s *Scheduler) ForgetSubmissions() dedup.Stats {
	s.dedup.Rotate()
	s.log.Info().Msg("duplicate window reset")
	return s.dedup.Stats()
}

type ResourceStatus struct {
	Snapshot        domain.ResourceSnapshot `json:"snapshot"`
	Limits          resource.Limits         `json:"limits"`
	Verdict         resource.Verdict        `json:"verdict"`
	Running         int                     `json:"running"`
	Queued          int                     `json:"queued"`
	QueueByPriority map[string]int          `json:"queue_by_priority"`
	AdmissionLimit  float64                 `json:"admission_limit"`
	FlowWindow      int                     `json:"flow_window"`
	PIDSetpoint     float64                 `json:"pid_setpoint"`
	// Blocked explains why the queue head is waiting, if it is.
	Blocked        string `json:"blocked,omitempty"`
	SampleFailures uint64 `json:"sample_failures"`
	ZombiesReaped  uint64 `json:"zombies_reaped"`
	ConfigVersion  uint64 `json:"config_version"`
	EventsDropped  uint64 `json:"events_dropped"`
}

func (s *Scheduler) ResourceStatus() ResourceStatus {
	snap := s.monitor.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	counted := snap
	if s.running > counted.ProcessCount {
		counted.ProcessCount = s.running
	}
	depth := make(map[string]int)
	for p, n := range s.queue.DepthByPriority() {
		depth[p.String()] = n
	}
	return ResourceStatus{
		Snapshot:        snap,
		Limits:          s.cfg.Limits,
		Verdict:         resource.CanStartProcess(s.cfg.Limits, counted),
		Running:         s.running,
		Queued:          s.queue.Len(),
		AdmissionLimit:  s.admissionLimit(),
		FlowWindow:      s.flow.Window(),
		PIDSetpoint:     s.pid.Setpoint(),
		Blocked:         s.blocked,
		SampleFailures:  s.monitor.Failures(),
		ZombiesReaped:   s.zombies,
		ConfigVersion:   s.cfgs.Version(),
		EventsDropped:   s.events.dropped.Load(),
		QueueByPriority: depth,
	}
}

// DebugInfo is a point-in-time dump of scheduler internals.
type DebugInfo struct {
	Queue       []TaskStatus       `json:"queue"`
	Active      []TaskStatus       `json:"active"`
	Resources   ResourceStatus     `json:"resources"`
	Circuits    []breaker.Status   `json:"circuits"`
	Dedup       dedup.Stats        `json:"dedup"`
	EWMA        map[string]float64 `json:"ewma"`
	PIDIntegral float64            `json:"pid_integral"`
	Sessions    []string           `json:"sessions"`
	Metrics     metrics.Snapshot   `json:"metrics"`
}

func (s *Scheduler) DebugInfo() DebugInfo {
	res := s.ResourceStatus()
	s.mu.Lock()
	queued := s.queue.Snapshot()
	q := make([]TaskStatus, 0, len(queued))
	for _, t := range queued {
		if rec, ok := s.active[t.ID]; ok {
			q = append(q, rec.view())
		}
	}
	active := make([]TaskStatus, 0, len(s.active))
	for _, rec := range s.active {
		active = append(active, rec.view())
	}
	s.mu.Unlock()
	sort.Slice(active, func(i, j int) bool { return active[i].SubmittedAt.Before(active[j].SubmittedAt) })

	return DebugInfo{
		Queue:       q,
		Active:      active,
		Resources:   res,
		Circuits:    s.breaker.All(),
		Dedup:       s.dedup.Stats(),
		EWMA:        s.ewma.Snapshot(),
		PIDIntegral: s.pid.Integral(),
		Sessions:    s.shell.Sessions(),
		Metrics:     s.metrics.Snapshot(),
	}
}

type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// HealthCheck reports "down" once closed, "degraded" when sampling is
// stale, a circuit is open or the queue head is held by the governor.
func (s *Scheduler) HealthCheck() Health {
	res := s.ResourceStatus()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	h := Health{Status: HealthOK, Checks: map[string]string{}}
	degrade := func(check, msg string) {
		h.Checks[check] = msg
		if h.Status == HealthOK {
			h.Status = HealthDegraded
		}
	}
	if closed {
		h.Status = HealthDown
		h.Checks["scheduler"] = "closed"
		return h
	}
	h.Checks["scheduler"] = HealthOK
	if res.Snapshot.Stale {
		degrade("resources", fmt.Sprintf("resource samples are stale (%d failures)", res.SampleFailures))
	} else if !res.Verdict.Allowed {
		degrade("resources", res.Verdict.Reason)
	} else {
		h.Checks["resources"] = HealthOK
	}
	var open []string
	for _, c := range s.breaker.All() {
		if c.State == breaker.StateOpen {
			open = append(open, c.Scope)
		}
	}
	if len(open) > 0 {
		degrade("circuits", fmt.Sprintf("%d open: %v", len(open), open))
	} else {
		h.Checks["circuits"] = HealthOK
	}
	return h
}

// Classify assesses command without submitting it.
func (s *Scheduler) Classify(command, cwd string, flags []string) risk.Assessment {
	return s.classifier.Classify(command, risk.Context{Cwd: cwd, Home: s.home, Flags: flags})
}

func (s *Scheduler) Metrics() *metrics.Collector { return s.metrics }

func (s *Scheduler) Shell() *shellctx.Manager { return s.shell }

// Snapshots is nil when the scheduler was built without a snapshot manager.
func (s *Scheduler) Snapshots() *snapshot.Manager { return s.snapshots }

// Config returns the configuration currently in effect and its version.
func (s *Scheduler) Config() (config.Config, uint64) { return s.cfgs.Get() }
