// Package shellctx carries working directory, environment and command
// history across sequential executions in one agent session.
package shellctx

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"execguard/internal/domain"
)

const (
	DefaultHistorySize  = 100
	DefaultSummaryLines = 10
)

type Options struct {
	HistorySize  int
	SummaryLines int
	// DefaultCwd seeds new sessions. Home resolves `cd`, `cd ~` and `~/x`.
	DefaultCwd string
	Home       string
}

// Context is a copy of one session's state.
type Context struct {
	Session string                  `json:"session"`
	Cwd     string                  `json:"cwd"`
	Env     map[string]string       `json:"env,omitempty"`
	History []domain.CommandHistory `json:"history,omitempty"`
	Total   int                     `json:"total_commands"`
}

type session struct {
	cwd     string
	prevCwd string
	env     map[string]string
	ring    []domain.CommandHistory
	next    int
	total   int
}

type Manager struct {
	mu       sync.Mutex
	opts     Options
	sessions map[string]*session
}

func NewManager(opts Options) *Manager {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.SummaryLines <= 0 {
		opts.SummaryLines = DefaultSummaryLines
	}
	if opts.DefaultCwd == "" {
		opts.DefaultCwd = "/"
	}
	return &Manager{opts: opts, sessions: make(map[string]*session)}
}

func (m *Manager) get(id string) *session {
	s, ok := m.sessions[id]
	if !ok {
		s = &session{cwd: m.opts.DefaultCwd, env: make(map[string]string)}
		m.sessions[id] = s
	}
	return s
}

// SetHistorySize changes the ring size for sessions created afterwards.
func (m *Manager) SetHistorySize(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.HistorySize = n
}

// RecordCommand appends entry to the session history, evicting the oldest
// entry when the ring is full. A successful `cd` moves the session cwd.
func (m *Manager) RecordCommand(id string, entry domain.CommandHistory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(id)
	if s.ring == nil {
		s.ring = make([]domain.CommandHistory, 0, m.opts.HistorySize)
	}
	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, entry)
	} else {
		s.ring[s.next] = entry
		s.next = (s.next + 1) % len(s.ring)
	}
	s.total++
	if entry.ExitCode == 0 {
		if target, ok := cdTarget(entry.Command); ok {
			m.chdir(s, target)
		}
	}
}

// cdTarget extracts the directory from `cd X` or a leading `cd X && ...`.
func cdTarget(command string) (string, bool) {
	cmd := strings.TrimSpace(command)
	if i := strings.Index(cmd, "&&"); i >= 0 {
		cmd = strings.TrimSpace(cmd[:i])
	}
	if strings.ContainsAny(cmd, ";|") {
		return "", false
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 || fields[0] != "cd" || len(fields) > 2 {
		return "", false
	}
	if len(fields) == 1 {
		return "~", true
	}
	return strings.Trim(fields[1], `"'`), true
}

func (m *Manager) chdir(s *session, target string) {
	home := m.opts.Home
	switch {
	case target == "-":
		if s.prevCwd == "" {
			return
		}
		target = s.prevCwd
	case target == "~":
		if home == "" {
			return
		}
		target = home
	case strings.HasPrefix(target, "~/"):
		if home == "" {
			return
		}
		target = filepath.Join(home, target[2:])
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.cwd, target)
	}
	s.prevCwd = s.cwd
	s.cwd = filepath.Clean(target)
}

func (m *Manager) SetCwd(id, cwd string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chdir(m.get(id), cwd)
}

func (m *Manager) SetEnv(id, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(id).env[key] = value
}

func (m *Manager) UnsetEnv(id, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.get(id).env, key)
}

// Get returns a copy of the session, history oldest first. An unknown
// session reads as a fresh one and is not created.
func (m *Manager) Get(id string) Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Context{Session: id, Cwd: m.opts.DefaultCwd}
	}
	c := Context{Session: id, Cwd: s.cwd, Total: s.total, History: s.ordered()}
	if len(s.env) > 0 {
		c.Env = make(map[string]string, len(s.env))
		for k, v := range s.env {
			c.Env[k] = v
		}
	}
	return c
}

func (s *session) ordered() []domain.CommandHistory {
	out := make([]domain.CommandHistory, 0, len(s.ring))
	out = append(out, s.ring[s.next:]...)
	return append(out, s.ring[:s.next]...)
}

// GetContextSummary renders the session as stable text: identical state
// always yields identical output.
func (m *Manager) GetContextSummary(id string) string {
	c := m.Get(id)
	m.mu.Lock()
	limit := m.opts.SummaryLines
	m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "session: %s\n", c.Session)
	fmt.Fprintf(&b, "cwd: %s\n", c.Cwd)
	if len(c.Env) == 0 {
		b.WriteString("env: (none)\n")
	} else {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("env:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s=%s\n", k, c.Env[k])
		}
	}
	hist := c.History
	if len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	fmt.Fprintf(&b, "history (last %d of %d):\n", len(hist), c.Total)
	for _, h := range hist {
		fmt.Fprintf(&b, "  $ %s  [exit %d, %s]\n", h.Command, h.ExitCode, h.Duration.Round(time.Millisecond))
	}
	return b.String()
}

// Reset discards the session; the next use starts from defaults.
func (m *Manager) Reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
