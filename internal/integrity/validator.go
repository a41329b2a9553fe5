// Package integrity checks received segments against the published hash manifest.
package integrity

import (
	"context"
	"log"
	"net/url"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"swarmplay/internal/httpx"
	"swarmplay/internal/sched"
	"swarmplay/pkg/types"
)

type Options struct {
	IsLive           bool
	MaxRetries       int           // manifest refetches allowed for one segment
	RetryDelay       time.Duration // wait before each refetch
	LiveInitialDelay time.Duration // live only: wait before the first manifest fetch
	Scheduler        sched.Scheduler
}

func (o *Options) defaults() {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Scheduler == nil {
		o.Scheduler = sched.Real{}
	}
}

type Validator struct {
	url   string
	opts  Options
	fetch *httpx.Fetcher

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu       sync.Mutex
	manifest *Manifest
	fetched  bool

	fetches    atomic.Int64
	mismatches atomic.Int64
}

func New(manifestURL string, opts Options, fetcher *httpx.Fetcher) *Validator {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Validator{url: manifestURL, opts: opts, fetch: fetcher, ctx: ctx, cancel: cancel}
}

// Validate checks data against the manifest entry of seg.
// A missing entry triggers up to MaxRetries refetches before failing with *UnknownSegmentError.
func (v *Validator) Validate(ctx context.Context, seg types.SegmentIdentity, data []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(v.ctx, cancel)
	defer stop()

	m, err := v.current(ctx)
	if err != nil {
		return err
	}

	var expected string
	for attempt := 0; ; attempt++ {
		h, ok := m.Lookup(seg)
		if ok {
			expected = h
			break
		}
		if attempt >= v.opts.MaxRetries {
			return &types.UnknownSegmentError{Segment: seg, Attempts: attempt + 1}
		}
		log.Printf("[integrity] %s missing from manifest, refetching (%d/%d)", seg, attempt+1, v.opts.MaxRetries)
		if err := sched.Sleep(ctx, v.opts.Scheduler, v.opts.RetryDelay); err != nil {
			return err
		}
		if m, err = v.load(ctx); err != nil {
			return err
		}
	}

	if actual := Digest(data); actual != expected {
		v.mismatches.Add(1)
		return &types.IntegrityMismatchError{Segment: seg, Expected: expected, Actual: actual}
	}
	return nil
}

// current returns the cached manifest, fetching it the first time.
func (v *Validator) current(ctx context.Context) (Manifest, error) {
	v.mu.Lock()
	m := v.manifest
	v.mu.Unlock()
	if m != nil {
		return *m, nil
	}
	return v.load(ctx)
}

// load fetches the manifest; concurrent callers share one in-flight request.
func (v *Validator) load(ctx context.Context) (Manifest, error) {
	ch := v.group.DoChan("manifest", func() (any, error) {
		v.mu.Lock()
		first := !v.fetched
		v.fetched = true
		v.mu.Unlock()

		if first && v.opts.IsLive {
			if err := sched.Sleep(v.ctx, v.opts.Scheduler, v.opts.LiveInitialDelay); err != nil {
				return nil, err
			}
		}

		v.fetches.Add(1)
		b, err := v.fetch.Get(v.ctx, v.url, nil)
		if err != nil {
			return nil, err
		}
		m, err := ParseManifest(b)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.manifest = &m
		v.mu.Unlock()
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Manifest{}, res.Err
		}
		return res.Val.(Manifest), nil
	case <-ctx.Done():
		return Manifest{}, ctx.Err()
	}
}

// Fetches returns how many manifest requests were issued.
func (v *Validator) Fetches() int64 { return v.fetches.Load() }

func (v *Validator) Mismatches() int64 { return v.mismatches.Load() }

// Destroy aborts pending waits and fetches.
func (v *Validator) Destroy() { v.cancel() }

// SegmentFor builds the manifest key of a segment URL.
func SegmentFor(segmentURL string, rng *types.ByteRange) types.SegmentIdentity {
	name := segmentURL
	if u, err := url.Parse(segmentURL); err == nil {
		name = u.Path
	}
	return types.SegmentIdentity{Filename: path.Base(name), Range: rng}
}
