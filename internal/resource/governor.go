package resource

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"execguard/internal/domain"
)

// Limits caps what the process tree may consume before new admissions are
// refused. Zero disables a limit.
type Limits struct {
	MaxConcurrent  int     `yaml:"max_concurrent" json:"max_concurrent"`
	MaxCPUPercent  float64 `yaml:"max_cpu_percent" json:"max_cpu_percent"`
	MaxMemoryBytes uint64  `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	MaxOpenFDs     int     `yaml:"max_open_fds" json:"max_open_fds"`
}

type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CanStartProcess denies iff some configured limit is already met or
// exceeded by snap. The verdict only gates new work; nothing running is
// touched.
func CanStartProcess(l Limits, snap domain.ResourceSnapshot) Verdict {
	switch {
	case l.MaxConcurrent > 0 && snap.ProcessCount >= l.MaxConcurrent:
		return deny("process count %d has reached the limit of %d", snap.ProcessCount, l.MaxConcurrent)
	case l.MaxCPUPercent > 0 && snap.CPUPercent >= l.MaxCPUPercent:
		return deny("cpu usage %.1f%% has reached the limit of %.1f%%", snap.CPUPercent, l.MaxCPUPercent)
	case l.MaxMemoryBytes > 0 && snap.MemoryBytes >= l.MaxMemoryBytes:
		return deny("memory usage %s has reached the limit of %s", humanize.Bytes(snap.MemoryBytes), humanize.Bytes(l.MaxMemoryBytes))
	case l.MaxOpenFDs > 0 && snap.OpenFDs >= l.MaxOpenFDs:
		return deny("open file descriptors %d have reached the limit of %d", snap.OpenFDs, l.MaxOpenFDs)
	}
	return Verdict{Allowed: true}
}

func deny(format string, args ...any) Verdict {
	return Verdict{Reason: "resource limit: " + fmt.Sprintf(format, args...)}
}
