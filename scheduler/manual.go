package scheduler

import (
	"sort"
	"sync"
	"time"
)

var _ Scheduler = (*Manual)(nil)

type manualTask struct {
	name string
	at   time.Time
	seq  uint64
	fn   func()
}

// Manual is a Scheduler driven by Advance. Callbacks run synchronously on the
// goroutine calling Advance, in due-time order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks map[string]manualTask
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tasks: make(map[string]manualTask)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Schedule(name string, d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.tasks[name] = manualTask{name: name, at: m.now.Add(d), seq: m.seq, fn: fn}
}

func (m *Manual) Cancel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, name)
}

func (m *Manual) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]manualTask)
}

// Pending returns the scheduled names ordered by due time.
func (m *Manual) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.sorted()
	names := make([]string, 0, len(tasks))
	for _, t := range tasks {
		names = append(names, t.name)
	}
	return names
}

// DueIn returns how long until name fires, or false if it is not scheduled.
func (m *Manual) DueIn(name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	if !ok {
		return 0, false
	}
	return t.at.Sub(m.now), true
}

func (m *Manual) sorted() []manualTask {
	tasks := make([]manualTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].at.Equal(tasks[j].at) {
			return tasks[i].seq < tasks[j].seq
		}
		return tasks[i].at.Before(tasks[j].at)
	})
	return tasks
}

// Advance moves the clock forward by d, firing every task that falls due,
// including tasks scheduled by callbacks along the way.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		tasks := m.sorted()
		if len(tasks) == 0 || tasks[0].at.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		next := tasks[0]
		delete(m.tasks, next.name)
		if next.at.After(m.now) {
			m.now = next.at
		}
		m.mu.Unlock()

		next.fn()
	}
}

// Set jumps the clock to t without firing anything that falls due in between.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
