package control

import (
	"math"
	"testing"
	"time"
)

func TestEWMASeedsAndSmooths(t *testing.T) {
	e := NewEWMA(0.5)
	if got := e.Update(10); got != 10 {
		t.Fatalf("first sample should seed, got %v", got)
	}
	if got := e.Update(20); got != 15 {
		t.Fatalf("expected 15, got %v", got)
	}
	e.Reset()
	if e.Count() != 0 || e.Value() != 0 {
		t.Fatalf("reset did not clear state")
	}
	if NewEWMA(0).alpha != DefaultAlpha || NewEWMA(2).alpha != DefaultAlpha {
		t.Fatalf("invalid alpha should fall back to default")
	}
}

func TestEWMASet(t *testing.T) {
	s := NewEWMASet(1)
	if _, ok := s.Value("latency"); ok {
		t.Fatalf("unknown signal should report no value")
	}
	s.Update("latency", 3)
	s.Update("errors", 1)
	if v, ok := s.Value("latency"); !ok || v != 3 {
		t.Fatalf("latency = %v, %v", v, ok)
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap["errors"] != 1 {
		t.Fatalf("unexpected snapshot %v", snap)
	}
}

func TestPIDRaisesSetpointWhenFast(t *testing.T) {
	p := NewPIDController(DefaultPIDConfig())
	start := p.Setpoint()
	for i := 0; i < 5; i++ {
		p.Update(2.0, 0.2, time.Second)
	}
	if p.Setpoint() <= start {
		t.Fatalf("setpoint should grow when latency is under target: %v -> %v", start, p.Setpoint())
	}
}

func TestPIDLowersSetpointWhenSlow(t *testing.T) {
	cfg := DefaultPIDConfig()
	cfg.Initial = 16
	p := NewPIDController(cfg)
	for i := 0; i < 3; i++ {
		p.Update(1.0, 3.0, time.Second)
	}
	if p.Setpoint() >= 16 {
		t.Fatalf("setpoint should shrink when latency exceeds target, got %v", p.Setpoint())
	}
}

func TestPIDAntiWindupAndBounds(t *testing.T) {
	cfg := DefaultPIDConfig()
	cfg.Max = 8
	p := NewPIDController(cfg)
	for i := 0; i < 200; i++ {
		p.Update(10, 0, time.Second)
	}
	if p.Setpoint() != 8 {
		t.Fatalf("setpoint should saturate at max, got %v", p.Setpoint())
	}
	if math.Abs(p.Integral()) > cfg.IntegralLimit {
		t.Fatalf("integral %v exceeds limit %v", p.Integral(), cfg.IntegralLimit)
	}
	// Once latency degrades the controller must come off the ceiling promptly
	// rather than unwinding a huge accumulated integral.
	for i := 0; i < 3; i++ {
		p.Update(1, 4, time.Second)
	}
	if p.Setpoint() >= 8 {
		t.Fatalf("setpoint stuck at max after overload, got %v", p.Setpoint())
	}
	for i := 0; i < 200; i++ {
		p.Update(1, 100, time.Second)
	}
	if p.Setpoint() != cfg.Min {
		t.Fatalf("setpoint should saturate at min, got %v", p.Setpoint())
	}
}

func TestPIDIgnoresInvalidInput(t *testing.T) {
	p := NewPIDController(DefaultPIDConfig())
	before := p.Setpoint()
	p.Update(0, 1, time.Second)
	p.Update(1, math.NaN(), time.Second)
	p.Update(1, 0, 0)
	if p.Setpoint() != before {
		t.Fatalf("invalid updates changed setpoint")
	}
}

func TestFlowControlAIMD(t *testing.T) {
	f := NewFlowControl(FlowConfig{Initial: 4, Min: 1, Max: 10, Increase: 1, Decrease: 0.5})
	if f.Window() != 4 {
		t.Fatalf("initial window = %d", f.Window())
	}
	for i := 0; i < 4; i++ {
		f.OnSuccess()
	}
	if f.Window() != 4 {
		// 4 + 1/4 + 1/4.25 + ... stays just under 5
		t.Fatalf("a window of successes should add just under one slot, got %d", f.Window())
	}
	for i := 0; i < 40; i++ {
		f.OnSuccess()
	}
	if f.Window() < 5 {
		t.Fatalf("window should have grown, got %d", f.Window())
	}
	f.OnCongestion()
	w := f.Window()
	if w > 5 {
		t.Fatalf("congestion should halve window, got %d", w)
	}
	for i := 0; i < 10; i++ {
		f.OnCongestion()
	}
	if f.Window() != 1 {
		t.Fatalf("window should floor at min, got %d", f.Window())
	}
	if !f.Allow(0) || f.Allow(1) {
		t.Fatalf("Allow should admit exactly one at window 1")
	}
	for i := 0; i < 10000; i++ {
		f.OnSuccess()
	}
	if f.Window() != 10 {
		t.Fatalf("window should cap at max, got %d", f.Window())
	}
}
