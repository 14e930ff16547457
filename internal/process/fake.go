package process

import (
	"context"
	"fmt"
	"sync"
	"syscall"
)

// FakeSpawner records spawns and hands out handles that exit only when told
// to. It is used by tests of packages that supervise processes.
type FakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	handles []*FakeHandle
	// OnSpawn runs after each spawn, e.g. to exit the handle immediately.
	OnSpawn func(h *FakeHandle)
	// SpawnErr, when set, fails spawns it returns an error for.
	SpawnErr func(spec Spec) error
	// IgnoreSignals keeps handles running after SIGTERM and SIGKILL.
	IgnoreSignals bool
}

func (f *FakeSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.SpawnErr != nil {
		if err := f.SpawnErr(spec); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	if f.nextPID == 0 {
		f.nextPID = 1000
	}
	f.nextPID++
	h := &FakeHandle{Spec: spec, pid: f.nextPID, done: make(chan struct{}), ignore: f.IgnoreSignals}
	f.handles = append(f.handles, h)
	hook := f.OnSpawn
	f.mu.Unlock()
	if hook != nil {
		hook(h)
	}
	return h, nil
}

// Handles returns every handle spawned so far, in spawn order.
func (f *FakeSpawner) Handles() []*FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeHandle(nil), f.handles...)
}

func (f *FakeSpawner) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

type FakeHandle struct {
	Spec   Spec
	pid    int
	ignore bool

	mu      sync.Mutex
	signals []syscall.Signal
	done    chan struct{}
	exit    Exit
	exited  bool
}

func (h *FakeHandle) PID() int              { return h.pid }
func (h *FakeHandle) Done() <-chan struct{} { return h.done }

func (h *FakeHandle) Wait() Exit {
	<-h.done
	return h.exit
}

// Exit finishes the process with code and output. Later calls are no-ops.
func (h *FakeHandle) Exit(code int, output string) {
	h.finish(Exit{Code: code, Output: output})
}

func (h *FakeHandle) finish(e Exit) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.exit = e
	h.mu.Unlock()
	close(h.done)
}

func (h *FakeHandle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	ignore := h.ignore
	h.mu.Unlock()
	if !ignore && (sig == syscall.SIGTERM || sig == syscall.SIGKILL) {
		h.finish(Exit{Code: -1, Err: fmt.Errorf("killed by %s", sig)})
	}
	return nil
}

func (h *FakeHandle) Signals() []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syscall.Signal(nil), h.signals...)
}

func (h *FakeHandle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// FakeProber reports scripted liveness per pid. Unknown pids are alive.
type FakeProber struct {
	mu     sync.Mutex
	states map[int]Liveness
	reaped map[int]bool
}

func NewFakeProber() *FakeProber {
	return &FakeProber{states: make(map[int]Liveness), reaped: make(map[int]bool)}
}

func (p *FakeProber) Set(pid int, l Liveness) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[pid] = l
}

func (p *FakeProber) Probe(pid int) Liveness {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.states[pid]; ok {
		return l
	}
	return Liveness{Alive: true, State: "S"}
}

func (p *FakeProber) Reap(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reaped[pid] = true
	p.states[pid] = Liveness{}
	return true
}

func (p *FakeProber) Reaped(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reaped[pid]
}
