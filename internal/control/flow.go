package control

import (
	"math"
	"sync"
)

// FlowConfig tunes the AIMD window.
type FlowConfig struct {
	Initial  float64 `yaml:"initial" json:"initial"`
	Min      float64 `yaml:"min" json:"min"`
	Max      float64 `yaml:"max" json:"max"`
	Increase float64 `yaml:"increase" json:"increase"`
	Decrease float64 `yaml:"decrease" json:"decrease"`
}

func DefaultFlowConfig() FlowConfig {
	return FlowConfig{Initial: 4, Min: 1, Max: 64, Increase: 1, Decrease: 0.5}
}

// FlowControl is a TCP-style congestion window over concurrent processes.
// Each success grows the window by Increase/window, so a full window of
// successes adds Increase slots; a congestion signal multiplies it by Decrease.
type FlowControl struct {
	mu     sync.Mutex
	cfg    FlowConfig
	window float64
}

func NewFlowControl(cfg FlowConfig) *FlowControl {
	cfg = normalizeFlow(cfg)
	return &FlowControl{cfg: cfg, window: clamp(cfg.Initial, cfg.Min, cfg.Max)}
}

func normalizeFlow(cfg FlowConfig) FlowConfig {
	d := DefaultFlowConfig()
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = math.Max(cfg.Min, d.Max)
	}
	if cfg.Initial <= 0 {
		cfg.Initial = d.Initial
	}
	if cfg.Increase <= 0 {
		cfg.Increase = d.Increase
	}
	if cfg.Decrease <= 0 || cfg.Decrease >= 1 {
		cfg.Decrease = d.Decrease
	}
	return cfg
}

func (f *FlowControl) OnSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.window = math.Min(f.cfg.Max, f.window+f.cfg.Increase/f.window)
}

func (f *FlowControl) OnCongestion() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.window = math.Max(f.cfg.Min, f.window*f.cfg.Decrease)
}

// Window returns the whole number of slots currently allowed.
func (f *FlowControl) Window() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(math.Floor(f.window))
}

// Allow reports whether one more process fits beside inFlight running ones.
func (f *FlowControl) Allow(inFlight int) bool { return inFlight < f.Window() }

func (f *FlowControl) Reconfigure(cfg FlowConfig) {
	cfg = normalizeFlow(cfg)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	f.window = clamp(f.window, cfg.Min, cfg.Max)
}
