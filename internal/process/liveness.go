package process

import (
	"errors"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

type Liveness struct {
	Alive  bool
	Zombie bool
	// Stopped is true for processes halted by job control or a tracer.
	Stopped bool
	State   string
}

// Prober inspects and reaps processes by pid.
type Prober interface {
	Probe(pid int) Liveness
	Reap(pid int) bool
}

// OSProber reads process state from /proc and falls back to kill(pid, 0)
// where procfs is unavailable.
type OSProber struct {
	fs *procfs.FS
}

func NewOSProber() OSProber {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return OSProber{}
	}
	return OSProber{fs: &fs}
}

func (p OSProber) Probe(pid int) Liveness {
	if !IsProcessAlive(pid) {
		return Liveness{}
	}
	l := Liveness{Alive: true}
	if p.fs == nil {
		return l
	}
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return l
	}
	st, err := proc.Stat()
	if err != nil {
		return l
	}
	l.State = st.State
	switch st.State {
	case "Z", "X":
		l.Zombie = true
	case "T", "t":
		l.Stopped = true
	}
	return l
}

func (OSProber) Reap(pid int) bool { return Reap(pid) }

// IsProcessAlive reports whether pid exists, zombies included.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// IsProcessRunning reports whether pid exists and has not exited into a
// zombie.
func IsProcessRunning(pid int) bool {
	l := NewOSProber().Probe(pid)
	return l.Alive && !l.Zombie
}

// Reap collects the exit status of a child without blocking. It reports
// whether pid was reaped or is already gone.
func Reap(pid int) bool {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if errors.Is(err, unix.ECHILD) {
		return !IsProcessAlive(pid)
	}
	return err == nil && wpid == pid
}
