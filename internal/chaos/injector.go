// Package chaos injects faults into task execution for resilience testing.
// Decisions are a pure function of (seed, task id, attempt), so a run can be
// replayed exactly regardless of scheduling order.
package chaos

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type Kind string

const (
	None    Kind = ""
	Latency Kind = "latency"
	Fail    Kind = "failure"
	Timeout Kind = "timeout"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Latency, Fail, Timeout:
		return k, nil
	case "fail":
		return Fail, nil
	}
	return None, fmt.Errorf("unknown fault kind %q", s)
}

// Fault is what to do to one attempt. The zero Fault means run normally.
type Fault struct {
	Kind  Kind
	Delay time.Duration
}

func (f Fault) Active() bool { return f.Kind != None }

type Injector interface {
	Perturb(taskID string, attempt int) Fault
}

// Noop never injects.
type Noop struct{}

func (Noop) Perturb(string, int) Fault { return Fault{} }

// Seeded injects one of Kinds with the given probability.
type Seeded struct {
	Seed        uint64
	Probability float64
	Kinds       []Kind
	// Delay is used for latency faults.
	Delay time.Duration
}

func (s Seeded) Perturb(taskID string, attempt int) Fault {
	if s.Probability <= 0 || len(s.Kinds) == 0 {
		return Fault{}
	}
	h := s.hash(taskID, attempt)
	// Top 53 bits give a uniform float in [0, 1).
	u := float64(h>>11) / float64(uint64(1)<<53)
	if u >= s.Probability {
		return Fault{}
	}
	k := s.Kinds[h%uint64(len(s.Kinds))]
	f := Fault{Kind: k}
	if k == Latency {
		f.Delay = s.Delay
		if f.Delay <= 0 {
			f.Delay = 100 * time.Millisecond
		}
	}
	return f
}

func (s Seeded) hash(taskID string, attempt int) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], s.Seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(attempt))
	d := xxhash.New()
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(taskID)
	return d.Sum64()
}

// New builds an injector from config values. A disabled or zero-probability
// config yields Noop.
func New(enabled bool, seed uint64, probability float64, kinds []string, delay time.Duration) (Injector, error) {
	if !enabled || probability <= 0 {
		return Noop{}, nil
	}
	if probability > 1 || math.IsNaN(probability) {
		return nil, fmt.Errorf("chaos probability %v out of range", probability)
	}
	s := Seeded{Seed: seed, Probability: probability, Delay: delay}
	if len(kinds) == 0 {
		s.Kinds = []Kind{Latency, Fail, Timeout}
	}
	for _, raw := range kinds {
		k, err := ParseKind(raw)
		if err != nil {
			return nil, err
		}
		s.Kinds = append(s.Kinds, k)
	}
	return s, nil
}
