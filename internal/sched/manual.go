package sched

import (
	"sort"
	"sync"
	"time"
)

// Manual is a virtual clock. Timers fire synchronously inside Advance, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

func NewManual(start time.Time) *Manual { return &Manual{now: start} }

type manualTimer struct {
	m        *Manual
	at       time.Time
	every    time.Duration
	fn       func()
	seq      int
	canceled bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.canceled {
		return false
	}
	t.canceled = true
	for i, x := range t.m.timers {
		if x == t {
			t.m.timers = append(t.m.timers[:i], t.m.timers[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer { return m.add(d, 0, fn) }

func (m *Manual) Every(d time.Duration, fn func()) Timer { return m.add(d, d, fn) }

func (m *Manual) add(d, every time.Duration, fn func()) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, at: m.now.Add(d), every: every, fn: fn, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward by d and runs every timer that comes due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.SliceStable(m.timers, func(i, j int) bool {
			if m.timers[i].at.Equal(m.timers[j].at) {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].at.Before(m.timers[j].at)
		})
		if len(m.timers) == 0 || m.timers[0].at.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		t := m.timers[0]
		m.now = t.at
		if t.every > 0 {
			t.at = t.at.Add(t.every)
		} else {
			m.timers = m.timers[1:]
			t.canceled = true
		}
		fn := t.fn
		m.mu.Unlock()

		fn()
	}
}
