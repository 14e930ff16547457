// Package breaker isolates repeatedly failing command classes. Each scope has
// its own closed/open/half-open state machine, so one failing class does not
// block unrelated ones.
package breaker

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"execguard/internal/clock"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

type ScopeMode string

const (
	ScopePerClass ScopeMode = "per-class"
	ScopeGlobal   ScopeMode = "global"
)

type Outcome int

const (
	Success Outcome = iota
	Failure
)

type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	Window           time.Duration `yaml:"window" json:"window"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
	Scope            ScopeMode     `yaml:"scope" json:"scope"`
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Window: 60 * time.Second, Cooldown: 30 * time.Second, Scope: ScopePerClass}
}

// Notifier hears about state changes. Calls happen outside the breaker lock.
type Notifier interface {
	CircuitOpened(scope, reason string)
	CircuitClosed(scope string)
}

type circuit struct {
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
	reason       string
	trips        int
}

type Breaker struct {
	mu       sync.Mutex
	clk      clock.Clock
	cfg      Config
	circuits map[string]*circuit
	notify   Notifier
	log      zerolog.Logger
}

func New(clk clock.Clock, cfg Config, notify Notifier) *Breaker {
	return &Breaker{
		clk:      clk,
		cfg:      normalize(cfg),
		circuits: make(map[string]*circuit),
		notify:   notify,
		log:      log.With().Str("component", "circuit_breaker").Logger(),
	}
}

func normalize(cfg Config) Config {
	d := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if cfg.Scope == "" {
		cfg.Scope = d.Scope
	}
	return cfg
}

func (b *Breaker) Reconfigure(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = normalize(cfg)
}

var subcommandTools = map[string]bool{"git": true, "go": true, "npm": true, "docker": true, "kubectl": true, "cargo": true, "make": true}

// ScopeFor derives a command class: the program name, plus the subcommand
// for multi-tool binaries such as git or docker.
func ScopeFor(mode ScopeMode, command string) string {
	if mode == ScopeGlobal {
		return "global"
	}
	fields := strings.Fields(command)
	for len(fields) > 0 && (strings.Contains(fields[0], "=") || fields[0] == "sudo" || fields[0] == "env") {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return "unknown"
	}
	name := path.Base(fields[0])
	if subcommandTools[name] && len(fields) > 1 && !strings.HasPrefix(fields[1], "-") {
		return name + " " + fields[1]
	}
	return name
}

func (b *Breaker) get(scope string) *circuit {
	c, ok := b.circuits[scope]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[scope] = c
	}
	return c
}

// Peek reports whether a call in scope would currently be let through,
// without claiming the half-open probe.
func (b *Breaker) Peek(scope string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[scope]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		return !b.clk.Now().Before(c.openedAt.Add(b.cfg.Cooldown))
	case StateHalfOpen:
		return !c.probing
	}
	return true
}

// CanExecute reports whether a call in scope may proceed. Once the cooldown
// of an open circuit has elapsed, exactly one caller is admitted as the
// half-open probe; everyone else is refused until that probe is recorded.
func (b *Breaker) CanExecute(scope string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(scope)
	switch c.state {
	case StateOpen:
		if b.clk.Now().Before(c.openedAt.Add(b.cfg.Cooldown)) {
			return false
		}
		c.state = StateHalfOpen
		c.probing = true
		b.log.Info().Str("scope", scope).Msg("circuit half-open; admitting probe")
		return true
	case StateHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return true
}

// ReleaseProbe gives back a probe slot claimed by CanExecute whose call never
// produced an outcome (for example because it was cancelled).
func (b *Breaker) ReleaseProbe(scope string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[scope]; ok && c.state == StateHalfOpen {
		c.probing = false
	}
}

// Record updates scope with the outcome of one call.
func (b *Breaker) Record(scope string, outcome Outcome) {
	var opened, closed bool
	var reason string
	b.mu.Lock()
	c := b.get(scope)
	now := b.clk.Now()
	switch outcome {
	case Success:
		if c.state == StateHalfOpen {
			c.state = StateClosed
			c.probing = false
			closed = true
		}
		if c.state == StateClosed {
			c.failures = 0
		}
	case Failure:
		switch c.state {
		case StateClosed:
			if c.failures == 0 || now.Sub(c.firstFailure) > b.cfg.Window {
				c.failures = 1
				c.firstFailure = now
			} else {
				c.failures++
			}
			if c.failures >= b.cfg.FailureThreshold {
				reason = "consecutive failures reached threshold"
				b.open(c, now, reason)
				opened = true
			}
		case StateHalfOpen:
			reason = "half-open probe failed"
			b.open(c, now, reason)
			opened = true
		}
	}
	b.mu.Unlock()
	b.emit(scope, opened, closed, reason)
}

func (b *Breaker) open(c *circuit, now time.Time, reason string) {
	c.state = StateOpen
	c.openedAt = now
	c.probing = false
	c.reason = reason
	c.trips++
}

// Trip forces scope open, e.g. after a cascade of blocked high-risk commands.
func (b *Breaker) Trip(scope, reason string) {
	b.mu.Lock()
	c := b.get(scope)
	if reason == "" {
		reason = "tripped manually"
	}
	b.open(c, b.clk.Now(), reason)
	b.mu.Unlock()
	b.emit(scope, true, false, reason)
}

// Reset forces scope closed and clears its counters.
func (b *Breaker) Reset(scope string) {
	b.mu.Lock()
	c := b.get(scope)
	wasClosed := c.state == StateClosed
	c.state = StateClosed
	c.failures = 0
	c.probing = false
	c.reason = ""
	b.mu.Unlock()
	b.emit(scope, false, !wasClosed, "")
}

func (b *Breaker) emit(scope string, opened, closed bool, reason string) {
	if opened {
		b.log.Warn().Str("scope", scope).Str("reason", reason).Msg("circuit opened")
		if b.notify != nil {
			b.notify.CircuitOpened(scope, reason)
		}
	}
	if closed {
		b.log.Info().Str("scope", scope).Msg("circuit closed")
		if b.notify != nil {
			b.notify.CircuitClosed(scope)
		}
	}
}

type Status struct {
	Scope               string    `json:"scope"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	RetryAt             time.Time `json:"retry_at,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	Trips               int       `json:"trips"`
}

func (b *Breaker) Status(scope string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked(scope, b.circuits[scope])
}

func (b *Breaker) statusLocked(scope string, c *circuit) Status {
	s := Status{Scope: scope, State: StateClosed, FailureThreshold: b.cfg.FailureThreshold}
	if c == nil {
		return s
	}
	s.State = c.state
	s.ConsecutiveFailures = c.failures
	s.Reason = c.reason
	s.Trips = c.trips
	if c.state != StateClosed {
		s.OpenedAt = c.openedAt
		s.RetryAt = c.openedAt.Add(b.cfg.Cooldown)
	}
	return s
}

// All returns every known scope sorted by name.
func (b *Breaker) All() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Status, 0, len(b.circuits))
	for scope, c := range b.circuits {
		out = append(out, b.statusLocked(scope, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}
