package control

import (
	"math"
	"sync"
	"time"
)

// PIDConfig tunes the setpoint controller. Error is measured relative to the
// target, (target - observed) / target, so gains are dimensionless.
type PIDConfig struct {
	Kp            float64 `yaml:"kp" json:"kp"`
	Ki            float64 `yaml:"ki" json:"ki"`
	Kd            float64 `yaml:"kd" json:"kd"`
	IntegralLimit float64 `yaml:"integral_limit" json:"integral_limit"`
	MaxStep       float64 `yaml:"max_step" json:"max_step"`
	Min           float64 `yaml:"min" json:"min"`
	Max           float64 `yaml:"max" json:"max"`
	Initial       float64 `yaml:"initial" json:"initial"`
}

func DefaultPIDConfig() PIDConfig {
	return PIDConfig{Kp: 2.0, Ki: 0.2, Kd: 0.5, IntegralLimit: 10, MaxStep: 4, Min: 1, Max: 32, Initial: 4}
}

// PIDController adjusts a concurrency setpoint toward a latency target.
// Anti-windup: the integral is clamped to IntegralLimit and frozen while the
// step or the setpoint is saturated in the direction of the error.
type PIDController struct {
	mu       sync.Mutex
	cfg      PIDConfig
	integral float64
	prevErr  float64
	hasPrev  bool
	setpoint float64
}

func NewPIDController(cfg PIDConfig) *PIDController {
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = math.Inf(1)
	}
	initial := cfg.Initial
	if initial == 0 {
		initial = cfg.Min
	}
	return &PIDController{cfg: cfg, setpoint: clamp(initial, cfg.Min, cfg.Max)}
}

// Update feeds one observation and returns the new setpoint.
func (p *PIDController) Update(target, observed float64, dt time.Duration) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if target <= 0 || dt <= 0 || math.IsNaN(observed) {
		return p.setpoint
	}
	e := (target - observed) / target
	secs := dt.Seconds()

	deriv := 0.0
	if p.hasPrev {
		deriv = (e - p.prevErr) / secs
	}
	p.prevErr, p.hasPrev = e, true

	candidate := clamp(p.integral+e*secs, -p.cfg.IntegralLimit, p.cfg.IntegralLimit)
	if p.cfg.IntegralLimit <= 0 {
		candidate = p.integral + e*secs
	}
	raw := p.cfg.Kp*e + p.cfg.Ki*candidate + p.cfg.Kd*deriv
	step := clamp(raw, -p.cfg.MaxStep, p.cfg.MaxStep)
	next := p.setpoint + step

	saturated := step != raw || next > p.cfg.Max || next < p.cfg.Min
	pushingOut := (e > 0 && (next >= p.cfg.Max || step == p.cfg.MaxStep)) ||
		(e < 0 && (next <= p.cfg.Min || step == -p.cfg.MaxStep))
	if !(saturated && pushingOut) {
		p.integral = candidate
	}
	p.setpoint = clamp(next, p.cfg.Min, p.cfg.Max)
	return p.setpoint
}

func (p *PIDController) Setpoint() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setpoint
}

func (p *PIDController) Integral() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.integral
}

// Reconfigure swaps gains and bounds, keeping the current setpoint clamped
// into the new range.
func (p *PIDController) Reconfigure(cfg PIDConfig) {
	n := NewPIDController(cfg)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = n.cfg
	p.integral = clamp(p.integral, -math.Abs(n.cfg.IntegralLimit), math.Abs(n.cfg.IntegralLimit))
	p.setpoint = clamp(p.setpoint, n.cfg.Min, n.cfg.Max)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
