package httpapi

import (
	"log"
	"sync"
	"time"

	"swarmplay/internal/media"
)

const maxQueuedSegments = 64

type outputKind int

const (
	outputNone outputKind = iota
	outputFile
	outputSegments
	outputURL
)

type queued struct {
	n   uint64
	seg media.Segment
}

// Output is the media element behind GET /stream. The engine renders into it and
// HTTP clients read whatever is current: a swarm file, a segment stream or a redirect.
type Output struct {
	mu       sync.Mutex
	kind     outputKind
	file     media.File
	url      string
	opts     media.RenderOptions
	segs     []queued
	init     *media.Segment
	next     uint64
	gen      uint64
	changed  chan struct{}
	recovers int
	swaps    int
}

func NewOutput() *Output {
	return &Output{changed: make(chan struct{})}
}

// notifyLocked wakes every waiting reader.
func (o *Output) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *Output) RenderFile(f media.File, opts media.RenderOptions) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
	o.kind = outputFile
	o.file = f
	o.opts = opts
	log.Printf("[output] file %q seek=%s play=%v", f.Name(), opts.SeekTo, opts.Play)
	o.notifyLocked()
	return nil
}

func (o *Output) AppendSegment(seg media.Segment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.kind != outputSegments {
		o.resetLocked()
		o.kind = outputSegments
	}
	if seg.Init {
		s := seg
		o.init = &s
	}
	o.next++
	o.segs = append(o.segs, queued{n: o.next, seg: seg})
	if len(o.segs) > maxQueuedSegments {
		o.segs = append([]queued(nil), o.segs[len(o.segs)-maxQueuedSegments:]...)
	}
	o.notifyLocked()
	return nil
}

func (o *Output) SetURL(url string, opts media.RenderOptions) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
	o.kind = outputURL
	o.url = url
	o.opts = opts
	log.Printf("[output] url %s seek=%s", url, opts.SeekTo)
	o.notifyLocked()
	return nil
}

// RecoverMediaError restarts the segment stream: connected readers end and reconnect
// from the latest init section.
func (o *Output) RecoverMediaError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recovers++
	o.gen++
	log.Printf("[output] recover media error (#%d)", o.recovers)
	o.notifyLocked()
}

func (o *Output) SwapAudioCodec() {
	o.mu.Lock()
	o.swaps++
	o.mu.Unlock()
	log.Printf("[output] swap audio codec")
}

func (o *Output) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
	o.notifyLocked()
}

func (o *Output) resetLocked() {
	o.kind = outputNone
	o.file = nil
	o.url = ""
	o.opts = media.RenderOptions{}
	o.segs = nil
	o.init = nil
	o.gen++
}

type outputSnapshot struct {
	kind    outputKind
	file    media.File
	url     string
	opts    media.RenderOptions
	gen     uint64
	changed <-chan struct{}
}

func (o *Output) snapshot() outputSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return outputSnapshot{kind: o.kind, file: o.file, url: o.url, opts: o.opts, gen: o.gen, changed: o.changed}
}

// segmentsAfter returns queued segments numbered above n. When the reader fell behind
// the queue, it restarts from the init section. ok is false once gen is stale.
func (o *Output) segmentsAfter(n, gen uint64) (out []media.Segment, last uint64, changed <-chan struct{}, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen || o.kind != outputSegments {
		return nil, n, nil, false
	}
	last = n
	if len(o.segs) > 0 && o.segs[0].n > n+1 && o.init != nil && !o.segs[0].seg.Init {
		out = append(out, *o.init)
	}
	for _, q := range o.segs {
		if q.n > n {
			out = append(out, q.seg)
			last = q.n
		}
	}
	return out, last, o.changed, true
}

// Counters reports element recoveries, for state output and tests.
func (o *Output) Counters() (recovers, swaps int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recovers, o.swaps
}

// waitFor blocks until the output changes, ctx is done or d passes.
func waitFor(done <-chan struct{}, changed <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-changed:
		return true
	case <-t.C:
		return true
	}
}
