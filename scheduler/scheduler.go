package scheduler

import (
	"sync"
	"time"
)

// Scheduler runs named one-shot callbacks. Scheduling a name that is already
// pending replaces the earlier timer.
type Scheduler interface {
	Schedule(name string, d time.Duration, fn func())
	Cancel(name string)
	CancelAll()
	Now() time.Time
}

var _ Scheduler = (*Timers)(nil)

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// Timers is the wall-clock Scheduler. Callbacks never run concurrently with
// each other.
type Timers struct {
	mu      sync.Mutex
	callMu  sync.Mutex
	entries map[string]timerEntry
	gen     uint64
}

func New() *Timers {
	return &Timers{entries: make(map[string]timerEntry)}
}

func (t *Timers) Now() time.Time {
	return time.Now()
}

func (t *Timers) Schedule(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[name]; ok {
		e.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.entries[name] = timerEntry{
		gen: gen,
		timer: time.AfterFunc(d, func() {
			t.fire(name, gen, fn)
		}),
	}
}

func (t *Timers) fire(name string, gen uint64, fn func()) {
	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok || e.gen != gen {
		// replaced or cancelled after the timer had already fired
		t.mu.Unlock()
		return
	}
	delete(t.entries, name)
	t.mu.Unlock()

	t.callMu.Lock()
	defer t.callMu.Unlock()
	fn()
}

func (t *Timers) Cancel(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[name]; ok {
		e.timer.Stop()
		delete(t.entries, name)
	}
}

func (t *Timers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for name, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, name)
	}
}

// Pending reports whether name is scheduled.
func (t *Timers) Pending(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[name]
	return ok
}
