package config

import (
	"sync"
	"sync/atomic"
)

type versioned struct {
	cfg     Config
	version uint64
}

// Versioned publishes validated configurations atomically. Readers never
// observe a partially applied update, and a rejected update leaves the
// current value in place.
type Versioned struct {
	current atomic.Pointer[versioned]

	mu        sync.Mutex
	listeners []func(Config, uint64)
}

// NewVersioned starts at version 1 with cfg, which must be valid.
func NewVersioned(cfg Config) (*Versioned, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v := &Versioned{}
	v.current.Store(&versioned{cfg: cfg, version: 1})
	return v, nil
}

func (v *Versioned) Get() (Config, uint64) {
	cur := v.current.Load()
	return cur.cfg, cur.version
}

func (v *Versioned) Version() uint64 { return v.current.Load().version }

// Set validates cfg and, if valid, publishes it as the next version.
// Listeners run synchronously after publication, in registration order.
func (v *Versioned) Set(cfg Config) (uint64, error) {
	if err := cfg.Validate(); err != nil {
		return v.Version(), err
	}
	v.mu.Lock()
	next := &versioned{cfg: cfg, version: v.current.Load().version + 1}
	v.current.Store(next)
	listeners := append([]func(Config, uint64){}, v.listeners...)
	v.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg, next.version)
	}
	return next.version, nil
}

// OnChange registers fn to run after every successful Set.
func (v *Versioned) OnChange(fn func(Config, uint64)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, fn)
}
