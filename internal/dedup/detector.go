// Package dedup flags repeated submissions of the same work within a sliding
// window. It only flags; what to do with a duplicate is the caller's policy.
package dedup

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"execguard/internal/clock"
	"execguard/internal/sketch"
)

type Policy string

const (
	PolicyAllow  Policy = "allow"
	PolicyReject Policy = "reject"
	PolicyMerge  Policy = "merge"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAllow, nil
	case PolicyAllow, PolicyReject, PolicyMerge:
		return p, nil
	}
	return "", fmt.Errorf("unknown dedup policy %q", s)
}

type Config struct {
	Window            time.Duration `yaml:"window" json:"window"`
	ExpectedItems     uint64        `yaml:"expected_items" json:"expected_items"`
	FalsePositiveRate float64       `yaml:"fp_rate" json:"fp_rate"`
	Policy            Policy        `yaml:"policy" json:"policy"`
}

func DefaultConfig() Config {
	return Config{Window: 30 * time.Second, ExpectedItems: 10000, FalsePositiveRate: 0.01, Policy: PolicyAllow}
}

type generation struct {
	filter *sketch.BloomFilter
	start  time.Time
}

// Detector holds one bloom filter per window. When the clock crosses a window
// boundary the filter is replaced wholesale, so within a window it is
// append-only and readers never see a half-cleared filter.
type Detector struct {
	clk clock.Clock
	cfg Config
	cur atomic.Pointer[generation]

	mu   sync.Mutex
	live map[string]string
}

func New(clk clock.Clock, cfg Config) *Detector {
	d := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = d.ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = d.FalsePositiveRate
	}
	if cfg.Policy == "" {
		cfg.Policy = d.Policy
	}
	det := &Detector{clk: clk, cfg: cfg, live: make(map[string]string)}
	det.cur.Store(det.fresh(clk.Now()))
	return det
}

func (d *Detector) fresh(start time.Time) *generation {
	return &generation{filter: sketch.NewBloomFilter(d.cfg.ExpectedItems, d.cfg.FalsePositiveRate), start: start}
}

func (d *Detector) Policy() Policy { return d.cfg.Policy }

// Check reports whether key was probably seen earlier in the current window,
// and records it. False positives are possible at the configured rate.
func (d *Detector) Check(key string) bool {
	return d.generation().filter.TestAndAdd(key)
}

func (d *Detector) generation() *generation {
	now := d.clk.Now()
	g := d.cur.Load()
	if now.Sub(g.start) < d.cfg.Window {
		return g
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	g = d.cur.Load()
	if elapsed := now.Sub(g.start); elapsed >= d.cfg.Window {
		boundary := g.start.Add(elapsed / d.cfg.Window * d.cfg.Window)
		g = d.fresh(boundary)
		d.cur.Store(g)
	}
	return g
}

// Rotate starts a new window immediately.
func (d *Detector) Rotate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cur.Store(d.fresh(d.clk.Now()))
}

// Track remembers which live task owns key so a merge policy can point
// duplicates at it.
func (d *Detector) Track(key, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live[key] = taskID
}

func (d *Detector) Release(key, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.live[key] == taskID {
		delete(d.live, key)
	}
}

func (d *Detector) Owner(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.live[key]
	return id, ok
}

type Stats struct {
	WindowStart      time.Time `json:"window_start"`
	Items            uint64    `json:"items"`
	EstimatedFPRate  float64   `json:"estimated_fp_rate"`
	ConfiguredFPRate float64   `json:"configured_fp_rate"`
	LiveTrackedTasks int       `json:"live_tracked_tasks"`
}

func (d *Detector) Stats() Stats {
	g := d.cur.Load()
	d.mu.Lock()
	live := len(d.live)
	d.mu.Unlock()
	return Stats{
		WindowStart:      g.start,
		Items:            g.filter.Count(),
		EstimatedFPRate:  g.filter.EstimatedFalsePositiveRate(),
		ConfiguredFPRate: d.cfg.FalsePositiveRate,
		LiveTrackedTasks: live,
	}
}
