// Package sched centralizes timers so components can be driven by virtual time in tests.
package sched

import (
	"context"
	"time"
)

type Timer interface {
	// Stop cancels the timer. It reports whether a pending run was cancelled.
	Stop() bool
}

type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
}

// Sleep waits for d on s, or until ctx is done.
func Sleep(ctx context.Context, s Scheduler, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	t := s.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// Real runs timers on the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

func (Real) Every(d time.Duration, fn func()) Timer {
	t := &ticker{t: time.NewTicker(d), stop: make(chan struct{})}
	go func() {
		for {
			select {
			case <-t.t.C:
				fn()
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

type ticker struct {
	t    *time.Ticker
	stop chan struct{}
}

func (t *ticker) Stop() bool {
	select {
	case <-t.stop:
		return false
	default:
	}
	t.t.Stop()
	close(t.stop)
	return true
}
