package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucianoaf8/lucaverse-auth/scheduler"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func TestManual_FiresInOrder(t *testing.T) {
	m := scheduler.NewManual(start)
	var fired []string
	m.Schedule("b", 2*time.Minute, func() { fired = append(fired, "b") })
	m.Schedule("a", time.Minute, func() { fired = append(fired, "a") })
	m.Schedule("c", 10*time.Minute, func() { fired = append(fired, "c") })

	m.Advance(5 * time.Minute)
	require.Equal(t, []string{"a", "b"}, fired)
	require.Equal(t, []string{"c"}, m.Pending())
	require.Equal(t, start.Add(5*time.Minute), m.Now())
}

func TestManual_ClockDuringCallback(t *testing.T) {
	m := scheduler.NewManual(start)
	var at time.Time
	m.Schedule("x", 90*time.Second, func() { at = m.Now() })
	m.Advance(time.Hour)
	require.Equal(t, start.Add(90*time.Second), at)
}

func TestManual_ReplaceAndCancel(t *testing.T) {
	m := scheduler.NewManual(start)
	count := 0
	m.Schedule("x", time.Minute, func() { count++ })
	m.Schedule("x", 3*time.Minute, func() { count += 10 })

	m.Advance(2 * time.Minute)
	require.Equal(t, 0, count)

	due, ok := m.DueIn("x")
	require.True(t, ok)
	require.Equal(t, time.Minute, due)

	m.Cancel("x")
	m.Advance(time.Hour)
	require.Equal(t, 0, count)
}

func TestManual_CallbackReschedules(t *testing.T) {
	m := scheduler.NewManual(start)
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		m.Schedule("tick", 15*time.Minute, tick)
	}
	m.Schedule("tick", 15*time.Minute, tick)

	m.Advance(time.Hour)
	require.Equal(t, 4, ticks)
}

func TestManual_CancelAll(t *testing.T) {
	m := scheduler.NewManual(start)
	m.Schedule("a", time.Second, func() { t.Fatal("should not fire") })
	m.Schedule("b", time.Second, func() { t.Fatal("should not fire") })
	m.CancelAll()
	m.Advance(time.Minute)
	require.Empty(t, m.Pending())
}

func TestTimers_FireAndCancel(t *testing.T) {
	s := scheduler.New()
	var fired atomic.Int32
	done := make(chan struct{})

	s.Schedule("cancelled", 20*time.Millisecond, func() { fired.Add(100) })
	s.Schedule("kept", 10*time.Millisecond, func() {
		fired.Add(1)
		close(done)
	})
	s.Cancel("cancelled")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
	require.False(t, s.Pending("kept"))
}

func TestTimers_Replace(t *testing.T) {
	s := scheduler.New()
	var value atomic.Int32
	done := make(chan struct{})

	s.Schedule("x", 10*time.Millisecond, func() { value.Store(1) })
	s.Schedule("x", 20*time.Millisecond, func() {
		value.Store(2)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	require.Equal(t, int32(2), value.Load())
}
