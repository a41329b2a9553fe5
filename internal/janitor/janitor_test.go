package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmplay/internal/sched"
	"swarmplay/internal/torrentx"
)

type fakeCache struct {
	entries []torrentx.CacheEntry
	evicted []string
}

func (c *fakeCache) Entries() []torrentx.CacheEntry {
	return append([]torrentx.CacheEntry(nil), c.entries...)
}

func (c *fakeCache) Evict(id string) bool {
	for i, e := range c.entries {
		if e.ID == id {
			if e.Active {
				return false
			}
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			c.evicted = append(c.evicted, id)
			return true
		}
	}
	return false
}

func (c *fakeCache) UsedBytes() int64 {
	var n int64
	for _, e := range c.entries {
		n += e.Size
	}
	return n
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSweep_TTLSkipsActive(t *testing.T) {
	c := &fakeCache{entries: []torrentx.CacheEntry{
		{ID: "old", LastTouch: t0.Add(-2 * time.Hour), Size: 10},
		{ID: "busy", LastTouch: t0.Add(-3 * time.Hour), Size: 10, Active: true},
		{ID: "fresh", LastTouch: t0.Add(-time.Minute), Size: 10},
	}}
	j := New(c, Options{TTL: time.Hour}, sched.NewManual(t0))

	got := j.Sweep(t0)
	assert.Equal(t, []string{"old"}, got)
	assert.Len(t, c.entries, 2)
}

func TestSweep_SizeCapEvictsOldestFirst(t *testing.T) {
	c := &fakeCache{entries: []torrentx.CacheEntry{
		{ID: "a", LastTouch: t0.Add(-10 * time.Minute), Size: 40},
		{ID: "b", LastTouch: t0.Add(-30 * time.Minute), Size: 40},
		{ID: "c", LastTouch: t0.Add(-20 * time.Minute), Size: 40, Active: true},
	}}
	j := New(c, Options{MaxBytes: 50}, sched.NewManual(t0))

	got := j.Sweep(t0)
	assert.Equal(t, []string{"b", "a"}, got)
	require.Len(t, c.entries, 1)
	assert.Equal(t, "c", c.entries[0].ID)
}

func TestSweep_NoCandidateStops(t *testing.T) {
	c := &fakeCache{entries: []torrentx.CacheEntry{{ID: "x", Size: 100, Active: true}}}
	j := New(c, Options{MaxBytes: 1}, sched.NewManual(t0))
	assert.Empty(t, j.Sweep(t0))
}

func TestPickBest_PrefersBiggerWhenAgesClose(t *testing.T) {
	got := pickBest([]torrentx.CacheEntry{
		{ID: "small", LastTouch: t0, Size: 1},
		{ID: "big", LastTouch: t0.Add(time.Minute), Size: 100},
	})
	assert.Equal(t, "big", got.ID)
}

func TestRun_SweepsOnInterval(t *testing.T) {
	c := &fakeCache{entries: []torrentx.CacheEntry{{ID: "old", LastTouch: t0.Add(-2 * time.Hour), Size: 1}}}
	clock := sched.NewManual(t0)
	j := New(c, Options{TTL: time.Hour, Every: time.Minute}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { j.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	clock.Advance(time.Minute)
	assert.Equal(t, []string{"old"}, c.evicted)

	cancel()
	<-done
	assert.Zero(t, clock.Pending())
}
