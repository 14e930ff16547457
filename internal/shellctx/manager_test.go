package shellctx

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"execguard/internal/domain"
)

func entry(cmd string, code int) domain.CommandHistory {
	return domain.CommandHistory{Command: cmd, ExitCode: code, Duration: 1500 * time.Microsecond}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	m := NewManager(Options{HistorySize: 3})
	for i := 1; i <= 5; i++ {
		m.RecordCommand("s", entry(fmt.Sprintf("echo %d", i), 0))
	}
	c := m.Get("s")
	if c.Total != 5 || len(c.History) != 3 {
		t.Fatalf("total=%d len=%d", c.Total, len(c.History))
	}
	for i, want := range []string{"echo 3", "echo 4", "echo 5"} {
		if c.History[i].Command != want {
			t.Fatalf("history[%d] = %q, want %q", i, c.History[i].Command, want)
		}
	}
}

func TestCdUpdatesCwd(t *testing.T) {
	m := NewManager(Options{DefaultCwd: "/work", Home: "/home/agent"})
	tests := []struct {
		cmd  string
		code int
		want string
	}{
		{"cd src", 0, "/work/src"},
		{"cd ../docs && ls", 0, "/work/docs"},
		{"cd /nope", 1, "/work/docs"},
		{"cd -", 0, "/work/src"},
		{"cd", 0, "/home/agent"},
		{"cd ~/proj", 0, "/home/agent/proj"},
		{"ls; cd /tmp", 0, "/home/agent/proj"},
		{"cd '/opt/app'", 0, "/opt/app"},
	}
	for _, tt := range tests {
		m.RecordCommand("s", entry(tt.cmd, tt.code))
		if got := m.Get("s").Cwd; got != tt.want {
			t.Fatalf("after %q cwd = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestSummaryIsDeterministic(t *testing.T) {
	build := func() string {
		m := NewManager(Options{DefaultCwd: "/repo", SummaryLines: 2})
		m.SetEnv("s", "ZETA", "1")
		m.SetEnv("s", "ALPHA", "2")
		m.SetEnv("s", "GONE", "x")
		m.UnsetEnv("s", "GONE")
		m.RecordCommand("s", entry("git status", 0))
		m.RecordCommand("s", entry("go build ./...", 0))
		m.RecordCommand("s", entry("go test ./...", 1))
		return m.GetContextSummary("s")
	}
	first := build()
	for i := 0; i < 10; i++ {
		if got := build(); got != first {
			t.Fatalf("summary changed between runs:\n%s\n---\n%s", first, got)
		}
	}
	want := "session: s\n" +
		"cwd: /repo\n" +
		"env:\n  ALPHA=2\n  ZETA=1\n" +
		"history (last 2 of 3):\n" +
		"  $ go build ./...  [exit 0, 2ms]\n" +
		"  $ go test ./...  [exit 1, 2ms]\n"
	if first != want {
		t.Fatalf("summary =\n%s\nwant\n%s", first, want)
	}
}

func TestResetStartsFresh(t *testing.T) {
	m := NewManager(Options{DefaultCwd: "/work"})
	m.RecordCommand("a", entry("cd sub", 0))
	m.SetEnv("a", "K", "V")
	m.RecordCommand("b", entry("true", 0))
	m.Reset("a")
	c := m.Get("a")
	if c.Cwd != "/work" || len(c.Env) != 0 || len(c.History) != 0 {
		t.Fatalf("reset context = %+v", c)
	}
	if got := m.Sessions(); strings.Join(got, ",") != "a,b" {
		t.Fatalf("sessions = %v", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewManager(Options{})
	m.SetEnv("s", "K", "V")
	c := m.Get("s")
	c.Env["K"] = "mutated"
	if m.Get("s").Env["K"] != "V" {
		t.Fatal("Get leaked internal env map")
	}
}

func TestReadingUnknownSessionDoesNotCreateIt(t *testing.T) {
	m := NewManager(Options{DefaultCwd: "/repo"})
	if c := m.Get("ghost"); c.Cwd != "/repo" || c.Total != 0 || len(c.History) != 0 {
		t.Fatalf("Get = %+v, want defaults", c)
	}
	if !strings.Contains(m.GetContextSummary("ghost"), "cwd: /repo") {
		t.Fatal("summary should show the default cwd")
	}
	if got := m.Sessions(); len(got) != 0 {
		t.Fatalf("Sessions = %v, want none after reads", got)
	}
	m.SetEnv("ghost", "A", "1")
	if got := m.Sessions(); len(got) != 1 {
		t.Fatalf("Sessions = %v, want ghost after a write", got)
	}
}
