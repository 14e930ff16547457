// Package process starts and supervises the OS processes behind tasks.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Spec describes one process to start. Without Args the command line is run
// through sh -c.
type Spec struct {
	TaskID  string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

type Exit struct {
	Code   int
	Output string
	// Err is set when the process could not be waited on or died by signal.
	Err error
}

type Handle interface {
	PID() int
	Wait() Exit
	Done() <-chan struct{}
	Signal(sig syscall.Signal) error
}

type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

const DefaultOutputLimit = 64 << 10

// ExecSpawner runs commands with os/exec in their own process group, so
// signals reach every child of the command.
type ExecSpawner struct {
	OutputLimit int
}

func (s ExecSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cmd *exec.Cmd
	if len(spec.Args) == 0 {
		cmd = exec.Command("/bin/sh", "-c", spec.Command)
	} else {
		cmd = exec.Command(spec.Command, spec.Args...)
	}
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	limit := s.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	out := &tailBuffer{limit: limit}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}
	h := &execHandle{cmd: cmd, out: out, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	out  *tailBuffer
	done chan struct{}
	exit Exit
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	e := Exit{Code: -1, Output: h.out.String()}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		e.Err = err
	}
	if ps := h.cmd.ProcessState; ps != nil {
		e.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			e.Err = fmt.Errorf("killed by %s", ws.Signal())
		}
	}
	h.exit = e
	close(h.done)
}

func (h *execHandle) PID() int              { return h.cmd.Process.Pid }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Wait() Exit {
	<-h.done
	return h.exit
}

// Signal delivers sig to the whole process group.
func (h *execHandle) Signal(sig syscall.Signal) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	err := unix.Kill(-h.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := cutEnv(kv)
		if _, ok := overrides[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

func cutEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(p) > b.limit {
		p = p[len(p)-b.limit:]
	}
	if over := b.buf.Len() + len(p) - b.limit; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
