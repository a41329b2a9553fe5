// Package bandwidth averages observed throughput and keeps the estimate across sessions.
package bandwidth

import (
	"context"
	"log"
	"math"
	"sync"
)

const maxSamples = 256

type Estimator struct {
	mu      sync.Mutex
	window  int
	samples []int64

	store   Store
	subject string

	prior    int64
	hasPrior bool
}

// New returns an estimator averaging the last window samples. store may be nil.
func New(window int, store Store, subject string) *Estimator {
	if window <= 0 {
		window = 5
	}
	return &Estimator{window: window, store: store, subject: subject}
}

// Add records a throughput observation in bytes/sec. Non-positive samples are ignored.
func (e *Estimator) Add(bps int64) {
	if bps <= 0 {
		return
	}
	e.mu.Lock()
	e.samples = append(e.samples, bps)
	if len(e.samples) > maxSamples {
		e.samples = append(e.samples[:0], e.samples[len(e.samples)-maxSamples:]...)
	}
	e.mu.Unlock()
}

// Estimate is the rounded mean of the most recent window samples.
func (e *Estimator) Estimate() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimateLocked()
}

func (e *Estimator) estimateLocked() (int64, bool) {
	n := len(e.samples)
	if n == 0 {
		return 0, false
	}
	from := n - e.window
	if from < 0 {
		from = 0
	}
	var sum int64
	for _, s := range e.samples[from:] {
		sum += s
	}
	return int64(math.Round(float64(sum) / float64(n-from))), true
}

// Current returns the live estimate, falling back to the persisted prior.
func (e *Estimator) Current() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.estimateLocked(); ok {
		return v, true
	}
	return e.prior, e.hasPrior
}

func (e *Estimator) Samples() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

// Prior is the value read by LoadPersisted; false means "no prior", not zero.
func (e *Estimator) Prior() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prior, e.hasPrior
}

// LoadPersisted reads the stored estimate once.
func (e *Estimator) LoadPersisted(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	v, ok, err := e.store.Load(ctx, e.subject)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.prior, e.hasPrior = v, ok && v > 0
	e.mu.Unlock()
	if ok {
		log.Printf("[bandwidth] prior estimate %d B/s for %q", v, e.subject)
	}
	return nil
}

// Persist writes the current estimate, if any.
func (e *Estimator) Persist(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	v, ok := e.Estimate()
	if !ok {
		return nil
	}
	return e.store.Save(ctx, e.subject, v)
}
