// Package segstream plays HLS renditions segment by segment, with mirror
// failover, integrity checks and optional peer-assisted fetching.
package segstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/grafov/m3u8"

	"swarmplay/internal/abr"
	"swarmplay/internal/httpx"
	"swarmplay/internal/integrity"
	"swarmplay/internal/media"
	"swarmplay/internal/redundancy"
	"swarmplay/internal/sched"
	"swarmplay/pkg/types"
)

// live playback starts this many segments behind the edge
const liveSyncSegments = 3

var ErrDisposed = errors.New("segments: driver disposed")

// PeerSource serves segments held by other viewers.
type PeerSource interface {
	Fetch(ctx context.Context, segmentURL string, rng *types.ByteRange) ([]byte, bool)
}

type Options struct {
	PlaylistURL string
	IsLive      bool

	Validator *integrity.Validator // nil skips integrity checks
	Resolver  *redundancy.Resolver // nil fetches from the origin only
	Peers     PeerSource           // nil or P2P off: HTTP only
	P2P       bool
	Estimate  func() (int64, bool) // bandwidth for the pick after a level is dropped
	Params    abr.Params

	RetryDelay     time.Duration // between network retries
	MaxRetriesVOD  int
	MaxRetriesLive int
	LiveReload     time.Duration // 0: the playlist target duration
	InfoInterval   time.Duration
	Scheduler      sched.Scheduler
	Events         media.Events
}

func (o *Options) defaults() {
	if o.Scheduler == nil {
		o.Scheduler = sched.Real{}
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.MaxRetriesVOD <= 0 {
		o.MaxRetriesVOD = 5
	}
	if o.MaxRetriesLive <= 0 {
		o.MaxRetriesLive = 30
	}
	if o.InfoInterval <= 0 {
		o.InfoInterval = time.Second
	}
}

// Driver fetches, validates and appends segments of one level at a time.
// Level changes apply at the next segment boundary.
type Driver struct {
	fetch *httpx.Fetcher
	el    media.Element
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	levels    []*level
	level     int // level being played, -1 before the first segment
	want      int
	started   bool
	disposed  bool
	needInit  bool
	playhead  time.Duration // VOD: start of the next segment
	nextSeq   uint64        // live: media sequence of the next segment
	seqKnown  bool
	liveEnded bool

	netFailures   int
	mediaFailures int

	httpDown   int64
	p2pDown    int64
	lastHTTP   int64
	lastP2P    int64
	info       types.NetworkInfo
	statsTimer sched.Timer
	onBytes    []func(media.ByteEvent)
}

func New(fetch *httpx.Fetcher, el media.Element, opts Options) *Driver {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		fetch:  fetch,
		el:     el,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		level:  -1,
		info:   types.NetworkInfo{Transport: types.TransportSegments},
	}
}

// Open loads the master playlist and returns its levels as rendition files (ID = level index).
func (d *Driver) Open(ctx context.Context) ([]types.RenditionFile, error) {
	body, err := d.fetch.Get(ctx, d.opts.PlaylistURL, nil)
	if err != nil {
		return nil, fmt.Errorf("load playlist: %w", err)
	}
	levels, _, err := parsePlaylist(d.opts.PlaylistURL, body)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.levels = levels
	d.mu.Unlock()
	log.Printf("[segments] opened %s levels=%d live=%v", d.opts.PlaylistURL, len(levels), d.opts.IsLive)
	return d.Levels(), nil
}

// Levels returns the levels still playable.
func (d *Driver) Levels() []types.RenditionFile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filesLocked()
}

func (d *Driver) filesLocked() []types.RenditionFile {
	var out []types.RenditionFile
	for _, l := range d.levels {
		if !l.removed {
			out = append(out, l.file)
		}
	}
	return out
}

// Done is closed when the session loop exits.
func (d *Driver) Done() <-chan struct{} { return d.done }

// Activate asks for file's level. The first call starts the session at opts.SeekTo.
func (d *Driver) Activate(file types.RenditionFile, opts media.ActivateOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return ErrDisposed
	}
	if file.ID < 0 || file.ID >= len(d.levels) || d.levels[file.ID].removed {
		return fmt.Errorf("segments: unknown level %d", file.ID)
	}
	if d.started && d.want == file.ID {
		return nil
	}
	d.want = file.ID
	if d.started {
		log.Printf("[segments] level %d requested, switching at next segment", file.ID)
		return nil
	}
	d.started = true
	d.playhead = opts.SeekTo
	d.statsTimer = d.opts.Scheduler.Every(d.opts.InfoInterval, d.tick)
	go d.run(d.ctx)
	return nil
}

func (d *Driver) CurrentFile() (types.RenditionFile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return types.RenditionFile{}, false
	}
	return d.levels[d.want].file, true
}

// CurrentLevel returns the level whose segments are being appended, or -1.
func (d *Driver) CurrentLevel() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// Switching reports a requested level that has not reached a segment boundary yet.
func (d *Driver) Switching() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started && d.want != d.level
}

func (d *Driver) Pick(avgBandwidth int64, playerHeight int) (types.RenditionFile, bool) {
	d.mu.Lock()
	files := d.filesLocked()
	var cur *types.RenditionFile
	if d.started {
		c := d.levels[d.want].file
		cur = &c
	}
	d.mu.Unlock()
	return abr.Pick(files, avgBandwidth, playerHeight, cur, d.opts.Params)
}

// LiveEnded reports whether the live playlist has been closed.
func (d *Driver) LiveEnded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveEnded
}

// Latency is how far playback trails the live edge.
func (d *Driver) Latency() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latencyLocked()
}

func (d *Driver) latencyLocked() time.Duration {
	if !d.opts.IsLive || d.level < 0 || d.levels[d.level].pl == nil {
		return 0
	}
	pl := d.levels[d.level].pl
	var behind time.Duration
	for i, s := range segments(pl) {
		if pl.SeqNo+uint64(i) >= d.nextSeq {
			behind += seconds(s.Duration)
		}
	}
	return behind
}

func (d *Driver) OnBytes(fn func(media.ByteEvent)) {
	d.mu.Lock()
	d.onBytes = append(d.onBytes, fn)
	d.mu.Unlock()
}

func (d *Driver) Stats() types.NetworkInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := d.info
	info.HTTPDownBytes = d.httpDown
	info.P2PDownBytes = d.p2pDown
	info.LiveLatencyMs = d.latencyLocked().Milliseconds()
	return info
}

func (d *Driver) tick() {
	d.mu.Lock()
	secs := d.opts.InfoInterval.Seconds()
	httpDelta, p2pDelta := d.httpDown-d.lastHTTP, d.p2pDown-d.lastP2P
	d.lastHTTP, d.lastP2P = d.httpDown, d.p2pDown
	d.info.HTTPDownSpeed = int64(float64(httpDelta) / secs)
	d.info.P2PDownSpeed = int64(float64(p2pDelta) / secs)
	fns := make([]func(media.ByteEvent), len(d.onBytes))
	copy(fns, d.onBytes)
	d.mu.Unlock()

	for _, fn := range fns {
		if p2pDelta > 0 {
			fn(media.ByteEvent{Source: media.FromP2P, Down: p2pDelta})
		}
		if httpDelta > 0 {
			fn(media.ByteEvent{Source: media.FromHTTP, Down: httpDelta})
		}
	}
}

func (d *Driver) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	if d.statsTimer != nil {
		d.statsTimer.Stop()
	}
	d.mu.Unlock()

	d.cancel()
	if d.opts.Validator != nil {
		d.opts.Validator.Destroy()
	}
	log.Printf("[segments] disposed")
}

// ----- session loop -----

func (d *Driver) run(ctx context.Context) {
	defer close(d.done)
	for ctx.Err() == nil {
		lvl, file, switched := d.applyLevel()
		if switched {
			log.Printf("[segments] playing level %d (%dp)", lvl, file.Height)
			d.opts.Events.EmitRendition(file)
		}

		pl, err := d.mediaPlaylist(ctx, lvl)
		if err != nil {
			if !d.networkFailure(ctx, err) {
				return
			}
			continue
		}

		seg, seq, start, ok := d.nextSegment(pl)
		if !ok {
			if !d.opts.IsLive || pl.Closed {
				if d.opts.IsLive {
					d.markLiveEnded()
				}
				log.Printf("[segments] end of stream")
				return
			}
			if sched.Sleep(ctx, d.opts.Scheduler, d.reloadInterval(pl)) != nil {
				return
			}
			d.markStale(lvl)
			continue
		}

		if d.takeNeedInit() {
			if m := initMap(pl, seg); m != nil {
				uri := resolve(d.levelURI(lvl), m.URI)
				data, err := d.fetchSegment(ctx, uri, byteRange(m.Limit, m.Offset))
				if err != nil {
					d.setNeedInit()
					if !d.networkFailure(ctx, err) {
						return
					}
					continue
				}
				appended, cont := d.appendOrRecover(ctx, media.Segment{Level: lvl, URL: uri, Data: data, Init: true})
				if !cont {
					return
				}
				if !appended {
					d.setNeedInit()
					continue
				}
			}
		}

		uri := resolve(d.levelURI(lvl), seg.URI)
		data, err := d.fetchSegment(ctx, uri, byteRange(seg.Limit, seg.Offset))
		if err != nil {
			if !d.networkFailure(ctx, err) {
				return
			}
			continue
		}
		d.mu.Lock()
		d.netFailures = 0
		d.mu.Unlock()

		out := media.Segment{Level: lvl, Seq: seq, URL: uri, Duration: seconds(seg.Duration), Data: data}
		appended, cont := d.appendOrRecover(ctx, out)
		if !cont {
			return
		}
		if appended {
			d.advance(seq, start+seconds(seg.Duration))
		}
	}
}

// applyLevel moves to the wanted level at a segment boundary.
func (d *Driver) applyLevel() (int, types.RenditionFile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.want == d.level {
		return d.level, d.levels[d.level].file, false
	}
	d.level = d.want
	d.needInit = true
	d.mediaFailures = 0
	if d.opts.IsLive {
		d.levels[d.level].stale = true
	}
	return d.level, d.levels[d.level].file, true
}

func (d *Driver) levelURI(lvl int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levels[lvl].uri
}

func (d *Driver) takeNeedInit() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.needInit
	d.needInit = false
	return v
}

func (d *Driver) setNeedInit() {
	d.mu.Lock()
	d.needInit = true
	d.mu.Unlock()
}

func (d *Driver) markStale(lvl int) {
	d.mu.Lock()
	d.levels[lvl].stale = true
	d.mu.Unlock()
}

func (d *Driver) markLiveEnded() {
	d.mu.Lock()
	if !d.liveEnded {
		log.Printf("[segments] live ended")
	}
	d.liveEnded = true
	d.mu.Unlock()
}

func (d *Driver) reloadInterval(pl *m3u8.MediaPlaylist) time.Duration {
	if d.opts.LiveReload > 0 {
		return d.opts.LiveReload
	}
	if pl.TargetDuration > 0 {
		return seconds(pl.TargetDuration)
	}
	return time.Second
}

// mediaPlaylist returns the cached playlist of lvl, reloading it when stale.
func (d *Driver) mediaPlaylist(ctx context.Context, lvl int) (*m3u8.MediaPlaylist, error) {
	d.mu.Lock()
	l := d.levels[lvl]
	pl, stale, uri := l.pl, l.stale, l.uri
	d.mu.Unlock()
	if pl != nil && !stale {
		return pl, nil
	}

	body, err := d.fetch.Get(ctx, uri, nil)
	if err != nil {
		return nil, err
	}
	pl, err = decodeMedia(uri, body)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	l.pl, l.stale = pl, false
	d.mu.Unlock()
	if d.opts.IsLive && pl.Closed {
		d.markLiveEnded()
	}
	return pl, nil
}

// nextSegment finds the segment after the last appended one.
func (d *Driver) nextSegment(pl *m3u8.MediaPlaylist) (*m3u8.MediaSegment, uint64, time.Duration, bool) {
	segs := segments(pl)
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opts.IsLive {
		if !d.seqKnown {
			first := len(segs) - liveSyncSegments
			if first < 0 {
				first = 0
			}
			d.nextSeq = pl.SeqNo + uint64(first)
			d.seqKnown = true
		}
		if d.nextSeq < pl.SeqNo {
			log.Printf("[segments] fell behind the live window, jumping to %d", pl.SeqNo)
			d.nextSeq = pl.SeqNo
		}
		i := int(d.nextSeq - pl.SeqNo)
		if i >= len(segs) {
			return nil, 0, 0, false
		}
		return segs[i], d.nextSeq, 0, true
	}

	var start time.Duration
	for i, s := range segs {
		end := start + seconds(s.Duration)
		if d.playhead < end {
			return s, pl.SeqNo + uint64(i), start, true
		}
		start = end
	}
	return nil, 0, 0, false
}

func (d *Driver) advance(seq uint64, end time.Duration) {
	d.mu.Lock()
	d.nextSeq = seq + 1
	d.playhead = end
	d.mu.Unlock()
}

func initMap(pl *m3u8.MediaPlaylist, seg *m3u8.MediaSegment) *m3u8.Map {
	if seg.Map != nil {
		return seg.Map
	}
	return pl.Map
}

// fetchSegment tries peers first, then the origin and its mirrors.
// A mirror that fails or serves bytes that mismatch the manifest is demoted and the next
// pick is tried. When the manifest itself cannot vouch for the segment, no mirror is blamed.
func (d *Driver) fetchSegment(ctx context.Context, uri string, rng *types.ByteRange) ([]byte, error) {
	id := integrity.SegmentFor(uri, rng)

	if d.opts.P2P && d.opts.Peers != nil {
		if data, ok := d.opts.Peers.Fetch(ctx, uri, rng); ok {
			err := d.validate(ctx, id, data)
			if err == nil {
				d.account(media.FromP2P, len(data))
				return data, nil
			}
			log.Printf("[segments] peer copy of %s rejected: %v", id, err)
		}
	}

	attempts := 1
	if d.opts.Resolver != nil {
		attempts += d.opts.Resolver.Count()
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		target := uri
		if d.opts.Resolver != nil {
			target = d.opts.Resolver.PickURL(uri)
		}
		data, err := d.fetch.Get(ctx, target, rng)
		if err == nil {
			err = d.validate(ctx, id, data)
			// a manifest outage or lag says nothing about the mirror
			if err != nil && !types.IsIntegrityMismatch(err) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				log.Printf("[segments] %s from %s not verifiable: %v", id, target, err)
				return nil, err
			}
		}
		if err == nil {
			if d.opts.Resolver != nil {
				d.opts.Resolver.MarkSuccess(target)
			}
			d.account(media.FromHTTP, len(data))
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if types.IsIntegrityMismatch(err) {
			d.opts.Events.EmitError(err)
		}
		log.Printf("[segments] %s from %s failed (%d/%d): %v", id, target, i+1, attempts, err)
		if d.opts.Resolver != nil && target != uri {
			d.opts.Resolver.Demote(target)
		}
	}
	return nil, lastErr
}

func (d *Driver) validate(ctx context.Context, id types.SegmentIdentity, data []byte) error {
	if d.opts.Validator == nil {
		return nil
	}
	return d.opts.Validator.Validate(ctx, id, data)
}

func (d *Driver) account(src media.ByteSource, n int) {
	d.mu.Lock()
	if src == media.FromP2P {
		d.p2pDown += int64(n)
	} else {
		d.httpDown += int64(n)
	}
	d.mu.Unlock()
}

// appendOrRecover hands seg to the element. On a media error it runs the
// recovery ladder: recover, then swap codec and recover, then give up on the level.
func (d *Driver) appendOrRecover(ctx context.Context, seg media.Segment) (appended, cont bool) {
	if ctx.Err() != nil {
		return false, false
	}
	err := d.el.AppendSegment(seg)
	if err == nil {
		d.mu.Lock()
		d.mediaFailures = 0
		d.mu.Unlock()
		return true, true
	}

	d.mu.Lock()
	d.mediaFailures++
	n := d.mediaFailures
	d.needInit = true
	d.mu.Unlock()

	switch n {
	case 1:
		log.Printf("[segments] media error on level %d, recovering: %v", seg.Level, err)
		d.el.RecoverMediaError()
		return false, true
	case 2:
		log.Printf("[segments] media error on level %d again, swapping audio codec: %v", seg.Level, err)
		d.el.SwapAudioCodec()
		d.el.RecoverMediaError()
		return false, true
	}
	return false, d.giveUp(fmt.Errorf("%w: %v", types.ErrUnrecoverableMedia, err))
}

// networkFailure waits and reports whether to retry. Past the retry ceiling the level is given up.
func (d *Driver) networkFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	d.mu.Lock()
	if d.liveEnded {
		d.mu.Unlock()
		log.Printf("[segments] live has ended, stopping on network error: %v", err)
		return false
	}
	d.netFailures++
	n := d.netFailures
	max := d.opts.MaxRetriesVOD
	if d.opts.IsLive {
		max = d.opts.MaxRetriesLive
	}
	d.mu.Unlock()

	if n > max {
		return d.giveUp(fmt.Errorf("%w: %d network failures: %v", types.ErrUnrecoverableMedia, n, err))
	}
	log.Printf("[segments] network error, retry %d/%d in %s: %v", n, max, d.opts.RetryDelay, err)
	return sched.Sleep(ctx, d.opts.Scheduler, d.opts.RetryDelay) == nil
}

// giveUp drops the current level and moves to the automatic pick among the rest.
// With no level left the error goes to the engine.
func (d *Driver) giveUp(err error) bool {
	d.mu.Lock()
	cur := d.level
	var rest []types.RenditionFile
	for i, l := range d.levels {
		if i != cur && !l.removed {
			rest = append(rest, l.file)
		}
	}
	if len(rest) == 0 {
		d.mu.Unlock()
		log.Printf("[segments] unrecoverable on last level: %v", err)
		d.opts.Events.EmitUnrecoverable(err)
		return false
	}
	d.levels[cur].removed = true
	next := d.autoPick(rest)
	d.want = next.ID
	d.netFailures = 0
	d.mediaFailures = 0
	d.mu.Unlock()

	log.Printf("[segments] dropping level %d: %v", cur, err)
	d.opts.Events.EmitRemoved(cur)
	return true
}

func (d *Driver) autoPick(files []types.RenditionFile) types.RenditionFile {
	if d.opts.Estimate != nil {
		if bw, ok := d.opts.Estimate(); ok {
			if f, ok := abr.Pick(files, bw, 0, nil, d.opts.Params); ok {
				return f
			}
		}
	}
	if f, ok := abr.PickAverage(files); ok {
		return f
	}
	return files[0]
}
