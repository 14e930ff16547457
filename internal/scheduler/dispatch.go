package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"execguard/internal/breaker"
	"execguard/internal/chaos"
	"execguard/internal/domain"
	"execguard/internal/process"
	"execguard/internal/resource"
	"execguard/internal/risk"
	"execguard/internal/timingwheel"
)

const (
	sigterm = syscall.SIGTERM
	sigkill = syscall.SIGKILL
)

// kick runs the dispatch loop. Submissions, exits, timer fires and resource
// samples all call it; a kick that arrives while another goroutine is
// dispatching makes that goroutine loop once more instead of running twice.
func (s *Scheduler) kick() {
	s.mu.Lock()
	if s.pumping {
		s.pumpAgain = true
		s.mu.Unlock()
		return
	}
	s.pumping = true
	s.mu.Unlock()
	for {
		s.dispatchReady()
		s.mu.Lock()
		if !s.pumpAgain {
			s.pumping = false
			s.mu.Unlock()
			return
		}
		s.pumpAgain = false
		s.mu.Unlock()
	}
}

// admissionLimit is the tighter of the PID setpoint and the AIMD window.
func (s *Scheduler) admissionLimit() float64 {
	limit := s.pid.Setpoint()
	if w := float64(s.flow.Window()); w < limit {
		limit = w
	}
	return limit
}

func (s *Scheduler) slots() int {
	n := int(math.Floor(s.admissionLimit()))
	if n < 1 {
		n = 1
	}
	return n
}

// dispatchReady starts queued tasks in priority order until the queue is
// empty or the head is held back. A held head blocks everything behind it,
// so lower priorities never overtake.
func (s *Scheduler) dispatchReady() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		head, err := s.queue.Peek()
		if err != nil {
			s.blocked = ""
			s.mu.Unlock()
			return
		}
		rec, ok := s.active[head.ID]
		if !ok {
			s.queue.Remove(head.ID)
			s.mu.Unlock()
			continue
		}
		if !s.breaker.Peek(head.Scope) {
			st := s.breaker.Status(head.Scope)
			if st.State == breaker.StateHalfOpen {
				// One half-open attempt is running; its outcome decides the rest.
				s.hold(fmt.Sprintf("circuit %q half-open trial in flight", head.Scope))
				s.mu.Unlock()
				return
			}
			s.queue.Remove(head.ID)
			msg := fmt.Sprintf("circuit %q opened while task was queued: %s", head.Scope, st.Reason)
			ev := s.finalize(rec, domain.StatusFailed, -1, "", 0, domain.Denied(domain.DenyCircuit, msg))
			s.mu.Unlock()
			s.emit(ev)
			continue
		}
		snap := s.monitor.Snapshot()
		if s.running > snap.ProcessCount {
			snap.ProcessCount = s.running
		}
		if v := resource.CanStartProcess(s.cfg.Limits, snap); !v.Allowed {
			s.hold(v.Reason)
			s.mu.Unlock()
			return
		}
		if n := s.slots(); s.running >= n {
			s.hold(fmt.Sprintf("concurrency limit %d reached", n))
			s.mu.Unlock()
			return
		}
		if !s.breaker.CanExecute(head.Scope) {
			s.hold(fmt.Sprintf("circuit %q is not accepting work", head.Scope))
			s.mu.Unlock()
			return
		}
		rec.probe = s.breaker.Status(head.Scope).State == breaker.StateHalfOpen

		s.queue.Remove(head.ID)
		s.blocked = ""
		rec.task.Status = domain.StatusAdmitted
		admitted := Event{Kind: EventTaskAdmitted, TaskID: head.ID, Scope: head.Scope, Status: domain.StatusAdmitted, Attempt: rec.attempts + 1}
		rec.task.Status = domain.StatusDispatched
		rec.attempts++
		s.running++
		attempt := rec.attempts
		s.mu.Unlock()

		s.emit(admitted)
		s.launch(rec, attempt)
	}
}

func (s *Scheduler) hold(reason string) {
	if s.blocked != reason {
		s.log.Debug().Str("reason", reason).Int("queued", s.queue.Len()).Msg("dispatch held")
	}
	s.blocked = reason
}

// launch applies any injected fault, then spawns the attempt.
func (s *Scheduler) launch(rec *record, attempt int) {
	s.mu.Lock()
	inj := s.chaos
	id := rec.task.ID
	rec.startedAt = s.clk.Now()
	s.mu.Unlock()

	fault := inj.Perturb(id, attempt)
	if fault.Active() {
		s.metrics.IncCounter("chaos_faults_total", map[string]string{"kind": string(fault.Kind)}, 1)
		s.log.Info().Str("task_id", id).Int("attempt", attempt).Str("fault", string(fault.Kind)).Msg("injecting fault")
	}
	switch fault.Kind {
	case chaos.Fail:
		s.onExit(rec, attempt, process.Exit{Code: -1, Err: errors.New("injected failure")})
		return
	case chaos.Timeout:
		s.mu.Lock()
		rec.timedOut = true
		s.mu.Unlock()
		s.onExit(rec, attempt, process.Exit{Code: -1, Err: errors.New("injected timeout")})
		return
	case chaos.Latency:
		s.mu.Lock()
		rec.pending = s.wheel.Schedule(fault.Delay, func() {
			s.mu.Lock()
			rec.pending = nil
			s.mu.Unlock()
			s.spawn(rec, attempt)
		})
		s.mu.Unlock()
		return
	}
	s.spawn(rec, attempt)
}

func (s *Scheduler) spawn(rec *record, attempt int) {
	s.mu.Lock()
	if rec.attempts != attempt || rec.task.Status != domain.StatusDispatched {
		s.mu.Unlock()
		return
	}
	t := rec.task
	cfg := s.cfg
	s.mu.Unlock()

	ctx, span := startSpan(context.Background(), "scheduler.execute",
		attribute.String("task_id", t.ID),
		attribute.String("scope", t.Scope),
		attribute.Int("attempt", attempt),
		attribute.String("risk", string(t.Risk)),
	)

	if attempt == 1 && cfg.Risk.AutoSnapshot && s.snapshots != nil && t.Risk != domain.RiskGreen && len(t.Track) > 0 {
		label := "before: " + risk.Truncate(commandLine(t), 60)
		if id, err := s.snapshots.Create(ctx, label, t.Track); err != nil {
			s.log.Warn().Err(err).Str("task_id", t.ID).Msg("automatic snapshot failed")
		} else {
			s.mu.Lock()
			rec.task.SnapshotID = id
			s.mu.Unlock()
		}
	}

	h, err := s.spawner.Spawn(ctx, process.Spec{TaskID: t.ID, Command: t.Command, Args: t.Args, Dir: t.Cwd, Env: t.Env})
	s.mu.Lock()
	rec.span = span
	if err != nil {
		s.mu.Unlock()
		s.congestion("spawn", err.Error())
		s.onExit(rec, attempt, process.Exit{Code: -1, Err: fmt.Errorf("spawn: %w", err)})
		return
	}
	if rec.attempts != attempt || rec.task.Status != domain.StatusDispatched {
		// Cancelled while the process was starting.
		endSpan(rec, domain.ErrCancelled)
		s.mu.Unlock()
		_ = h.Signal(sigkill)
		return
	}
	now := s.clk.Now()
	rec.handle = h
	rec.startedAt = now
	rec.proc = &domain.ProcessRecord{PID: h.PID(), TaskID: t.ID, StartedAt: now, LastSeenAlive: now, State: domain.ProcessRunning}
	rec.task.Status = domain.StatusRunning
	rec.timeout = s.wheel.Schedule(t.Timeout, func() { s.onTimeout(rec, attempt) })
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("pid", h.PID()))
	s.log.Info().Str("task_id", t.ID).Int("pid", h.PID()).Int("attempt", attempt).Str("command", risk.Truncate(commandLine(t), 120)).Msg("task started")
	s.emit(Event{Kind: EventTaskStarted, TaskID: t.ID, Scope: t.Scope, Status: domain.StatusRunning, Attempt: attempt, PID: h.PID()})

	go func() {
		<-h.Done()
		s.onExit(rec, attempt, h.Wait())
	}()
}

func (s *Scheduler) onTimeout(rec *record, attempt int) {
	s.mu.Lock()
	if rec.attempts != attempt || rec.handle == nil || rec.task.Status != domain.StatusRunning {
		s.mu.Unlock()
		return
	}
	rec.timeout = nil
	rec.timedOut = true
	h := rec.handle
	s.armGrace(rec)
	s.mu.Unlock()
	s.log.Warn().Str("task_id", rec.task.ID).Int("pid", h.PID()).Dur("timeout", rec.task.Timeout).Msg("task timed out; sending SIGTERM")
	_ = h.Signal(sigterm)
}

// armGrace schedules SIGKILL for a process that ignores SIGTERM. Caller
// holds s.mu.
func (s *Scheduler) armGrace(rec *record) {
	if rec.grace != nil || rec.handle == nil {
		return
	}
	h := rec.handle
	attempt := rec.attempts
	rec.grace = s.wheel.Schedule(s.cfg.Timeouts.Grace, func() {
		s.mu.Lock()
		live := rec.handle == h && rec.attempts == attempt
		if live {
			rec.grace = nil
		}
		s.mu.Unlock()
		if live {
			s.log.Warn().Str("task_id", rec.task.ID).Int("pid", h.PID()).Msg("grace period elapsed; sending SIGKILL")
			_ = h.Signal(sigkill)
		}
	})
}

// onExit records the outcome of one attempt and either schedules a retry or
// finalizes the task.
func (s *Scheduler) onExit(rec *record, attempt int, exit process.Exit) {
	s.mu.Lock()
	if rec.attempts != attempt || rec.task.Status.Terminal() || rec.task.Status == domain.StatusQueued {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	now := s.clk.Now()
	dur := now.Sub(rec.startedAt)
	stopTimer(&rec.timeout)
	stopTimer(&rec.grace)
	rec.handle = nil
	rec.proc = nil
	s.running--
	t := rec.task

	var status domain.Status
	var err error
	switch {
	case rec.cancelRequested:
		status, err = domain.StatusCancelled, domain.ErrCancelled
	case rec.reapReason != "":
		status, err = domain.StatusFailed, fmt.Errorf("%w: %s", domain.ErrExecutionFailure, rec.reapReason)
	case rec.timedOut:
		status, err = domain.StatusTimedOut, fmt.Errorf("%w after %s", domain.ErrTimeout, t.Timeout)
	case exit.Code == 0 && exit.Err == nil:
		status = domain.StatusCompleted
	case exit.Err != nil:
		status, err = domain.StatusFailed, fmt.Errorf("%w: exit code %d: %v", domain.ErrExecutionFailure, exit.Code, exit.Err)
	default:
		status, err = domain.StatusFailed, fmt.Errorf("%w: exit code %d", domain.ErrExecutionFailure, exit.Code)
	}
	rec.timedOut = false
	rec.reapReason = ""

	switch status {
	case domain.StatusCompleted:
		s.breaker.Record(t.Scope, breaker.Success)
		s.flow.OnSuccess()
	case domain.StatusFailed:
		s.breaker.Record(t.Scope, breaker.Failure)
	case domain.StatusTimedOut:
		s.breaker.Record(t.Scope, breaker.Failure)
		s.congestion("timeout", err.Error())
	case domain.StatusCancelled:
		if rec.probe {
			s.breaker.ReleaseProbe(t.Scope)
		}
	}
	rec.probe = false

	errRate := 0.0
	if status != domain.StatusCompleted {
		errRate = 1
	}
	s.ewma.Update(latencyKey, dur.Seconds())
	s.ewma.Update("error_rate", errRate)
	s.metrics.Observe("task_latency_seconds", dur.Seconds(), now, map[string]string{"scope": t.Scope})
	if t.Session != "" {
		s.shell.RecordCommand(t.Session, domain.CommandHistory{Command: commandLine(t), ExitCode: exit.Code, Duration: dur, Timestamp: now})
	}

	var ev Event
	retry := (status == domain.StatusFailed || status == domain.StatusTimedOut) && t.Retries < t.MaxRetries && !s.closed
	if retry {
		rec.task.Retries++
		rec.task.Status = domain.StatusQueued
		delay := retryDelay(cfg.Retry, rec.task.Retries)
		rec.pending = s.wheel.Schedule(delay, func() { s.requeue(rec) })
		endSpan(rec, err)
		ev = Event{Kind: eventFor(status), TaskID: t.ID, Scope: t.Scope, Status: status, Attempt: attempt, Reason: err.Error(), Retrying: true}
		s.log.Warn().Err(err).Str("task_id", t.ID).Int("retry", rec.task.Retries).Int("max_retries", t.MaxRetries).Dur("backoff", delay).Msg("attempt failed; retrying")
	} else {
		ev = s.finalize(rec, status, exit.Code, exit.Output, dur, err)
	}
	s.mu.Unlock()

	s.emit(ev)
	s.kick()
}

func (s *Scheduler) requeue(rec *record) {
	s.mu.Lock()
	if rec.task.Status != domain.StatusQueued || s.closed {
		s.mu.Unlock()
		return
	}
	rec.pending = nil
	s.queue.Push(rec.task)
	s.mu.Unlock()
	s.kick()
}

// finalize moves rec to its terminal status. Caller holds s.mu and emits the
// returned event after unlocking.
func (s *Scheduler) finalize(rec *record, status domain.Status, code int, output string, dur time.Duration, err error) Event {
	t := &rec.task
	if !t.Status.CanTransition(status) {
		s.log.Error().Str("task_id", t.ID).Str("from", string(t.Status)).Str("to", string(status)).Msg("invalid status transition")
	}
	t.Status = status
	rec.result = domain.TaskResult{
		TaskID:     t.ID,
		Status:     status,
		ExitCode:   code,
		Attempts:   rec.attempts,
		Duration:   dur,
		Output:     output,
		SnapshotID: t.SnapshotID,
		Err:        err,
	}
	if err != nil {
		rec.result.Error = err.Error()
	}
	close(rec.done)
	delete(s.active, t.ID)
	s.finished.Add(t.ID, rec)
	s.dedup.Release(t.DedupKey, t.ID)
	s.metrics.IncCounter("tasks_total", map[string]string{"status": string(status)}, 1)
	endSpan(rec, err)

	l := s.log.Info()
	if status != domain.StatusCompleted {
		l = s.log.Warn().Err(err)
	}
	l.Str("task_id", t.ID).Str("status", string(status)).Int("exit_code", code).Int("attempts", rec.attempts).Dur("duration", dur).Msg("task finished")

	ev := Event{Kind: eventFor(status), TaskID: t.ID, Scope: t.Scope, Status: status, Attempt: rec.attempts}
	if err != nil {
		ev.Reason = err.Error()
	}
	return ev
}

func endSpan(rec *record, err error) {
	if rec.span == nil {
		return
	}
	if err != nil {
		rec.span.RecordError(err)
		rec.span.SetStatus(codes.Error, err.Error())
	}
	rec.span.End()
	rec.span = nil
}

func eventFor(status domain.Status) EventKind {
	switch status {
	case domain.StatusCompleted:
		return EventTaskCompleted
	case domain.StatusTimedOut:
		return EventTaskTimedOut
	case domain.StatusCancelled:
		return EventTaskCancelled
	}
	return EventTaskFailed
}

func stopTimer(t **timingwheel.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
