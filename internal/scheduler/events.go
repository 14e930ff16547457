package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"execguard/internal/domain"
)

type EventKind string

const (
	EventTaskAdmitted   EventKind = "taskAdmitted"
	EventTaskStarted    EventKind = "taskStarted"
	EventTaskCompleted  EventKind = "taskCompleted"
	EventTaskFailed     EventKind = "taskFailed"
	EventTaskTimedOut   EventKind = "taskTimedOut"
	EventTaskCancelled  EventKind = "taskCancelled"
	EventCircuitOpened  EventKind = "circuitOpened"
	EventCircuitClosed  EventKind = "circuitClosed"
	EventZombieDetected EventKind = "zombieDetected"
)

type Event struct {
	Kind    EventKind     `json:"kind"`
	Time    time.Time     `json:"time"`
	TaskID  string        `json:"task_id,omitempty"`
	Scope   string        `json:"scope,omitempty"`
	Status  domain.Status `json:"status,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	PID     int           `json:"pid,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	// Retrying is set on failure events that will be followed by another attempt.
	Retrying bool `json:"retrying,omitempty"`
}

// bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event instead of stalling the scheduler.
type bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped atomic.Uint64
}

func newBus() *bus { return &bus{subs: make(map[int]chan Event)} }

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribe returns a channel of scheduler events and a function that
// unsubscribes and closes it.
func (s *Scheduler) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

func (s *Scheduler) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = s.clk.Now()
	}
	s.events.publish(e)
}

// circuitNotifier forwards breaker transitions onto the event bus.
type circuitNotifier struct{ s *Scheduler }

func (n circuitNotifier) CircuitOpened(scope, reason string) {
	n.s.metrics.IncCounter("circuit_opened_total", map[string]string{"scope": scope}, 1)
	n.s.congestion("circuit", reason)
	n.s.emit(Event{Kind: EventCircuitOpened, Scope: scope, Reason: reason})
}

func (n circuitNotifier) CircuitClosed(scope string) {
	n.s.emit(Event{Kind: EventCircuitClosed, Scope: scope})
}
