package scheduler

import (
	"errors"
	"sync"
)

var (
	instanceMu sync.Mutex
	instance   *Scheduler
)

// ErrNotInitialized is returned by Default before Init.
var ErrNotInitialized = errors.New("scheduler not initialized")

// Init builds and starts the process-wide scheduler. Calling Init again
// without ResetDefault returns the existing instance.
func Init(opts Options) (*Scheduler, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return instance, nil
	}
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	s.Start()
	instance = s
	return s, nil
}

func Default() (*Scheduler, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		return nil, ErrNotInitialized
	}
	return instance, nil
}

// ResetDefault closes and forgets the process-wide scheduler.
func ResetDefault() {
	instanceMu.Lock()
	s := instance
	instance = nil
	instanceMu.Unlock()
	if s != nil {
		s.Close()
	}
}
