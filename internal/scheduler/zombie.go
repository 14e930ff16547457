package scheduler

import (
	"fmt"

	"execguard/internal/domain"
	"execguard/internal/process"
	"execguard/internal/resource"
)

// sweep runs after every resource sample. It publishes the sample, checks
// the liveness of every running process and reaps the ones that exited
// without being collected or stayed stopped past the liveness timeout.
func (s *Scheduler) sweep(snap domain.ResourceSnapshot) {
	s.mu.Lock()
	cfg := s.cfg
	now := s.clk.Now()
	var flagged []*record
	for _, rec := range s.active {
		p := rec.proc
		if p == nil || rec.handle == nil || rec.reapReason != "" {
			continue
		}
		p.LastSample = snap
		l := s.prober.Probe(p.PID)
		switch {
		case !l.Alive || l.Zombie:
			if p.State != domain.ProcessZombie {
				p.State = domain.ProcessZombie
				p.ExitedAt = now
			}
			if now.Sub(p.ExitedAt) >= cfg.Timeouts.Zombie {
				rec.reapReason = fmt.Sprintf("process %d exited but was not collected within %s", p.PID, cfg.Timeouts.Zombie)
				flagged = append(flagged, rec)
			}
		case l.Stopped:
			if now.Sub(p.LastSeenAlive) >= cfg.Timeouts.Liveness {
				rec.reapReason = fmt.Sprintf("process %d stopped for longer than %s", p.PID, cfg.Timeouts.Liveness)
				flagged = append(flagged, rec)
			}
		default:
			p.State = domain.ProcessRunning
			p.LastSeenAlive = now
		}
	}
	queued := s.queue.Len()
	running := s.running
	// The process count limit is saturation by our own tasks, not overload.
	pressure := cfg.Limits
	pressure.MaxConcurrent = 0
	v := resource.CanStartProcess(pressure, snap)
	onset := !v.Allowed && !s.overloaded
	s.overloaded = !v.Allowed
	s.mu.Unlock()

	if onset {
		s.congestion("resource", v.Reason)
	}

	s.metrics.SetGauge("resource_cpu_percent", nil, snap.CPUPercent)
	s.metrics.SetGauge("resource_memory_bytes", nil, float64(snap.MemoryBytes))
	s.metrics.SetGauge("resource_open_fds", nil, float64(snap.OpenFDs))
	s.metrics.SetGauge("resource_process_count", nil, float64(snap.ProcessCount))
	s.metrics.SetGauge("tasks_queued", nil, float64(queued))
	s.metrics.SetGauge("tasks_running", nil, float64(running))

	for _, rec := range flagged {
		s.reap(rec)
	}
	s.kick()
}

// congestion shrinks the AIMD window once for an overload or failure signal.
func (s *Scheduler) congestion(source, reason string) {
	s.flow.OnCongestion()
	s.metrics.IncCounter("congestion_signals_total", map[string]string{"source": source}, 1)
	s.log.Warn().Str("source", source).Str("reason", reason).Int("flow_window", s.flow.Window()).Msg("congestion signal; shrinking window")
}

// reap kills a flagged process and fails its attempt.
func (s *Scheduler) reap(rec *record) {
	s.mu.Lock()
	h := rec.handle
	if h == nil {
		s.mu.Unlock()
		return
	}
	attempt := rec.attempts
	pid := h.PID()
	reason := rec.reapReason
	id, scope := rec.task.ID, rec.task.Scope
	s.zombies++
	s.mu.Unlock()

	s.log.Warn().Str("task_id", id).Int("pid", pid).Str("reason", reason).Msg("reaping process")
	s.metrics.IncCounter("zombies_reaped_total", nil, 1)
	s.emit(Event{Kind: EventZombieDetected, TaskID: id, Scope: scope, PID: pid, Attempt: attempt, Reason: reason})
	_ = h.Signal(sigkill)
	s.prober.Reap(pid)
	s.onExit(rec, attempt, process.Exit{Code: -1})
}
