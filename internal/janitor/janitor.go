// Package janitor keeps the swarm cache under its age and size limits.
package janitor

import (
	"context"
	"log"
	"time"

	"swarmplay/internal/sched"
	"swarmplay/internal/torrentx"
)

// Cache is the swarm client's view of what it holds on disk.
type Cache interface {
	Entries() []torrentx.CacheEntry
	Evict(id string) bool
	UsedBytes() int64
}

type Options struct {
	TTL      time.Duration // idle entries older than this are dropped; 0 disables
	MaxBytes int64         // size cap; 0 disables
	Every    time.Duration
}

type Janitor struct {
	cache Cache
	opts  Options
	clock sched.Scheduler
}

func New(cache Cache, opts Options, clock sched.Scheduler) *Janitor {
	if opts.Every <= 0 {
		opts.Every = 2 * time.Minute
	}
	if clock == nil {
		clock = sched.Real{}
	}
	return &Janitor{cache: cache, opts: opts, clock: clock}
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	t := j.clock.Every(j.opts.Every, func() {
		if ctx.Err() == nil {
			j.Sweep(j.clock.Now())
		}
	})
	defer t.Stop()
	<-ctx.Done()
}

// Sweep drops idle entries past the TTL, then evicts until the cache fits MaxBytes.
// It returns the ids it evicted.
func (j *Janitor) Sweep(now time.Time) []string {
	var evicted []string

	if ttl := j.opts.TTL; ttl > 0 {
		for _, e := range j.cache.Entries() {
			if e.Active || e.LastTouch.IsZero() || now.Sub(e.LastTouch) <= ttl {
				continue
			}
			log.Printf("[janitor] dropping idle %s (%s)", e.Name, e.ID)
			if j.cache.Evict(e.ID) {
				evicted = append(evicted, e.ID)
			}
		}
	}

	max := j.opts.MaxBytes
	if max <= 0 {
		return evicted
	}
	used := j.cache.UsedBytes()
	tried := map[string]bool{}
	for used > max {
		var cands []torrentx.CacheEntry
		for _, e := range j.cache.Entries() {
			if !e.Active && !tried[e.ID] {
				cands = append(cands, e)
			}
		}
		if len(cands) == 0 {
			log.Printf("[janitor] cache %d > %d but no safe candidate to evict; will retry later", used, max)
			break
		}
		best := pickBest(cands)
		tried[best.ID] = true
		if !j.cache.Evict(best.ID) {
			continue
		}
		log.Printf("[janitor] evicting %s id=%s (age=%s size=%d) | used=%d max=%d",
			best.Name, best.ID, now.Sub(best.LastTouch).Truncate(time.Second), best.Size, used, max)
		evicted = append(evicted, best.ID)
		used = j.cache.UsedBytes()
	}
	return evicted
}

// pickBest prefers the oldest entry; within two minutes of age the bigger one wins.
func pickBest(cands []torrentx.CacheEntry) torrentx.CacheEntry {
	best := cands[0]
	for _, x := range cands[1:] {
		older := x.LastTouch.Before(best.LastTouch)
		closeAge := x.LastTouch.Sub(best.LastTouch)
		if closeAge < 0 {
			closeAge = -closeAge
		}
		bigger := x.Size > best.Size
		if older || (closeAge < 2*time.Minute && bigger) {
			best = x
		}
	}
	return best
}
