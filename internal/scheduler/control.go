package scheduler

import (
	"fmt"

	"execguard/internal/chaos"
	"execguard/internal/config"
)

const latencyKey = "latency_seconds"

func (s *Scheduler) scheduleControl() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.control = s.clk.AfterFunc(s.cfg.ControlInterval, s.controlTick)
}

// controlTick steers the PID setpoint toward the target latency using the
// smoothed latency of recent attempts. Without samples the setpoint holds.
func (s *Scheduler) controlTick() {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if observed, ok := s.ewma.Value(latencyKey); ok {
		sp := s.pid.Update(cfg.TargetLatency.Seconds(), observed, cfg.ControlInterval)
		s.log.Debug().Float64("observed_latency", observed).Float64("setpoint", sp).Msg("control tick")
	}
	s.metrics.SetGauge("pid_setpoint", nil, s.pid.Setpoint())
	s.metrics.SetGauge("flow_window", nil, float64(s.flow.Window()))
	s.metrics.SetGauge("admission_limit", nil, s.admissionLimit())
	if v, ok := s.ewma.Value("error_rate"); ok {
		s.metrics.SetGauge("error_rate", nil, v)
	}
	s.scheduleControl()
	s.kick()
}

// applyConfig pushes a newly published config into every live component.
// Dedup sizing, EWMA alpha and the sample interval take effect on restart.
func (s *Scheduler) applyConfig(c config.Config, version uint64) {
	inj, err := chaos.New(c.Chaos.Enabled, c.Chaos.Seed, c.Chaos.Probability, c.Chaos.Kinds, c.Chaos.Latency)
	s.mu.Lock()
	s.cfg = c
	if err == nil {
		s.chaos = inj
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Warn().Err(fmt.Errorf("chaos: %w", err)).Uint64("version", version).Msg("keeping previous fault injector")
	}

	s.breaker.Reconfigure(c.Breaker)
	s.flow.Reconfigure(c.Flow)
	s.pid.Reconfigure(c.PID)
	s.shell.SetHistorySize(c.HistorySize)
	if s.snapshots != nil {
		s.snapshots.SetRetention(c.Snapshot.MaxCount, c.Snapshot.MaxAge, c.Snapshot.OnConflict)
	}
	s.metrics.SetGauge("config_version", nil, float64(version))
	s.log.Info().Uint64("version", version).Float64("admission_limit", s.admissionLimit()).Msg("configuration applied")
	s.kick()
}
