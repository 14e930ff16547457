package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Priority orders tasks across tiers. Higher values win the next free slot.
// The zero value is PriorityNormal.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p-PriorityLow]
}

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityCritical }

// ParsePriority accepts the tier names; an empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Status string

const (
	StatusQueued     Status = "queued"
	StatusAdmitted   Status = "admitted"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed-out"
	StatusCancelled  Status = "cancelled"
)

var statusRank = map[Status]int{
	StatusQueued:     0,
	StatusAdmitted:   1,
	StatusDispatched: 2,
	StatusRunning:    3,
	StatusCompleted:  4,
	StatusFailed:     4,
	StatusTimedOut:   4,
	StatusCancelled:  4,
}

func (s Status) Terminal() bool { return statusRank[s] == 4 }

// CanTransition reports whether moving from s to next keeps the lifecycle
// monotonic. Any non-terminal state may be cancelled or failed directly.
func (s Status) CanTransition(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok || s.Terminal() {
		return false
	}
	if next == StatusCancelled || next == StatusFailed {
		return true
	}
	return to > from
}

// RiskLevel is the coarse danger rating of a command.
type RiskLevel string

const (
	RiskGreen  RiskLevel = "GREEN"
	RiskYellow RiskLevel = "YELLOW"
	RiskRed    RiskLevel = "RED"
)

func (l RiskLevel) Rank() int {
	switch l {
	case RiskGreen:
		return 0
	case RiskRed:
		return 2
	}
	return 1
}

func ParseRiskLevel(s string) (RiskLevel, error) {
	switch RiskLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case RiskGreen:
		return RiskGreen, nil
	case RiskYellow:
		return RiskYellow, nil
	case RiskRed:
		return RiskRed, nil
	}
	return "", fmt.Errorf("%w: unknown risk level %q", ErrValidation, s)
}

type Task struct {
	ID          string
	Command     string
	Args        []string
	Cwd         string
	Env         map[string]string
	Session     string
	Scope       string
	Flags       []string
	Priority    Priority
	SubmittedAt time.Time
	Seq         uint64
	Risk        RiskLevel
	RiskReasons []string
	DedupKey    string
	Retries     int
	MaxRetries  int
	Timeout     time.Duration
	Status      Status
	SnapshotID  string
	Track       []string
}

// Validate rejects malformed tasks before they reach the queue.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Command) == "" {
		return fmt.Errorf("%w: command is required", ErrValidation)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %d", ErrValidation, int(t.Priority))
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0", ErrValidation)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrValidation)
	}
	return nil
}

// DedupKey hashes the fields that make two submissions the same piece of work.
func DedupKey(command, cwd string, args []string) string {
	d := xxhash.New()
	_, _ = d.WriteString(command)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(cwd)
	for _, a := range args {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(a)
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

type ProcessState string

const (
	ProcessSpawning ProcessState = "spawning"
	ProcessRunning  ProcessState = "running"
	ProcessZombie   ProcessState = "zombie"
	ProcessExited   ProcessState = "exited"
)

type ProcessRecord struct {
	PID           int
	TaskID        string
	StartedAt     time.Time
	LastSample    ResourceSnapshot
	LastSeenAlive time.Time
	ExitedAt      time.Time
	State         ProcessState
}

// ResourceSnapshot is published whole; holders must never modify one in place.
type ResourceSnapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemoryBytes  uint64    `json:"memory_bytes"`
	OpenFDs      int       `json:"open_fds"`
	ProcessCount int       `json:"process_count"`
	Stale        bool      `json:"stale,omitempty"`
}

type CommandHistory struct {
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

type MetricEntry struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// TaskResult is the structured outcome returned for every submitted task.
type TaskResult struct {
	TaskID      string        `json:"task_id"`
	Status      Status        `json:"status"`
	ExitCode    int           `json:"exit_code"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	DuplicateOf string        `json:"duplicate_of,omitempty"`
	SnapshotID  string        `json:"snapshot_id,omitempty"`
	Err         error         `json:"-"`
}

func (r TaskResult) Succeeded() bool { return r.Status == StatusCompleted }
