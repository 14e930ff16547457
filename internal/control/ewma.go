// Package control holds the feedback primitives that size the scheduler's
// concurrency: EWMA smoothing, a PID setpoint controller and an AIMD window.
package control

import (
	"sort"
	"sync"
)

const DefaultAlpha = 0.2

// EWMA is an exponentially weighted moving average. The first sample seeds
// the average directly.
type EWMA struct {
	mu    sync.Mutex
	alpha float64
	value float64
	count uint64
}

// NewEWMA returns an average with weight alpha for new samples. Values
// outside (0, 1] fall back to DefaultAlpha.
func NewEWMA(alpha float64) *EWMA {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &EWMA{alpha: alpha}
}

func (e *EWMA) Update(v float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.count == 0 {
		e.value = v
	} else {
		e.value += e.alpha * (v - e.value)
	}
	e.count++
	return e.value
}

func (e *EWMA) Value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

func (e *EWMA) Count() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *EWMA) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value, e.count = 0, 0
}

// EWMASet keeps one smoothed scalar per named signal.
type EWMASet struct {
	mu      sync.Mutex
	alpha   float64
	signals map[string]*EWMA
}

func NewEWMASet(alpha float64) *EWMASet {
	return &EWMASet{alpha: alpha, signals: make(map[string]*EWMA)}
}

func (s *EWMASet) get(name string) *EWMA {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.signals[name]
	if !ok {
		e = NewEWMA(s.alpha)
		s.signals[name] = e
	}
	return e
}

func (s *EWMASet) Update(name string, v float64) float64 { return s.get(name).Update(v) }

// Value returns the smoothed value and whether the signal has any samples.
func (s *EWMASet) Value(name string) (float64, bool) {
	s.mu.Lock()
	e, ok := s.signals[name]
	s.mu.Unlock()
	if !ok || e.Count() == 0 {
		return 0, false
	}
	return e.Value(), true
}

func (s *EWMASet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.signals))
	for n := range s.signals {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *EWMASet) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, n := range s.Names() {
		if v, ok := s.Value(n); ok {
			out[n] = v
		}
	}
	return out
}
