package swarm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"swarmplay/internal/abr"
	"swarmplay/internal/buffer"
	"swarmplay/internal/httpx"
	"swarmplay/internal/media"
	"swarmplay/internal/sched"
	"swarmplay/pkg/types"
)

// the hidden sink reads from slightly before where playback will be at swap time
const prefetchLead = 2 * time.Second

var ErrDisposed = errors.New("swarm: driver disposed")

type Options struct {
	Files        []types.RenditionFile
	Duration     time.Duration
	Env          types.Environment
	Trackers     []string
	Auth         httpx.Auth
	Params       abr.Params
	InfoInterval time.Duration
	Scheduler    sched.Scheduler
	// Position reports the current playback position.
	Position func() time.Duration
	Events   media.Events
}

// Driver plays one rendition file at a time through its swarm.
// During a switch the previous download stays paused while the next one is prefetched.
type Driver struct {
	client Client
	el     media.Element
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	gen        uint64
	disposed   bool
	current    types.RenditionFile
	hasCurrent bool

	active      Download
	activeFile  types.RenditionFile
	pending     Download
	pendingFile types.RenditionFile
	warmer      *buffer.Warmer
	swapTimer   sched.Timer
	joinCancel  context.CancelFunc

	statsTimer sched.Timer
	last       map[Download]Stats
	info       types.NetworkInfo
	onBytes    []func(media.ByteEvent)
}

func New(client Client, el media.Element, opts Options) *Driver {
	if opts.Scheduler == nil {
		opts.Scheduler = sched.Real{}
	}
	if opts.InfoInterval <= 0 {
		opts.InfoInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		client: client,
		el:     el,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		last:   make(map[Download]Stats),
		info:   types.NetworkInfo{Transport: types.TransportSwarm},
	}
}

func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Switching reports whether a join or a prefetch swap is in flight.
func (d *Driver) Switching() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateJoining || d.state == StateSwitching
}

func (d *Driver) transitionLocked(to State) {
	if !canTransition(d.state, to) {
		log.Printf("[swarm] %v", transitionError{from: d.state, to: to})
		return
	}
	d.state = to
}

// CurrentFile returns the file most recently asked for.
func (d *Driver) CurrentFile() (types.RenditionFile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.hasCurrent
}

// Pick runs the rendition selection against the current file.
func (d *Driver) Pick(avgBandwidth int64, playerHeight int) (types.RenditionFile, bool) {
	d.mu.Lock()
	files := d.opts.Files
	var cur *types.RenditionFile
	if d.hasCurrent {
		c := d.current
		cur = &c
	}
	d.mu.Unlock()
	return abr.Pick(files, avgBandwidth, playerHeight, cur, d.opts.Params)
}

// OnBytes registers fn for per-tick byte events.
func (d *Driver) OnBytes(fn func(media.ByteEvent)) {
	d.mu.Lock()
	d.onBytes = append(d.onBytes, fn)
	d.mu.Unlock()
}

func (d *Driver) Stats() types.NetworkInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

func (d *Driver) position() time.Duration {
	if d.opts.Position == nil {
		return 0
	}
	return d.opts.Position()
}

// Activate makes file the playing rendition. Any in-flight switch is superseded.
func (d *Driver) Activate(file types.RenditionFile, opts media.ActivateOptions) error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return ErrDisposed
	}
	if d.hasCurrent && d.current.ID == file.ID && d.state != StateIdle {
		d.mu.Unlock()
		return nil
	}

	d.gen++
	gen := d.gen
	cleanup := d.cancelSwitchLocked()
	d.current, d.hasCurrent = file, true

	if d.opts.Env.RefuseP2P || !d.opts.Env.P2PSupported || file.Locator == "" {
		cleanup = append(cleanup, d.detachActiveLocked()...)
		d.info.Transport = types.TransportHTTP
		d.transitionLocked(StateActive)
		d.mu.Unlock()
		runAll(cleanup)
		return d.activateHTTP(file, opts)
	}

	if d.active != nil && d.activeFile.ID == file.ID {
		// back to the file that is still on screen
		d.active.Resume()
		d.transitionLocked(StateActive)
		d.mu.Unlock()
		runAll(cleanup)
		return nil
	}

	ctx, cancel := context.WithCancel(d.ctx)
	d.joinCancel = cancel
	if d.active != nil {
		d.active.Pause()
		d.transitionLocked(StateSwitching)
	} else {
		d.transitionLocked(StateJoining)
	}
	d.mu.Unlock()
	runAll(cleanup)

	log.Printf("[swarm] activating %s (delay=%s)", label(file), opts.Delay)
	go d.join(ctx, gen, file, opts)
	return nil
}

func (d *Driver) activateHTTP(file types.RenditionFile, opts media.ActivateOptions) error {
	if file.FileURL == "" {
		err := fmt.Errorf("%w: no http url for %s", types.ErrUnsupportedEnvironment, label(file))
		d.opts.Events.EmitUnrecoverable(err)
		return err
	}
	log.Printf("[swarm] peer transport unavailable, playing %s over http", label(file))
	if err := d.el.SetURL(d.opts.Auth.Sign(file.FileURL), media.RenderOptions{SeekTo: opts.SeekTo, Play: opts.ForcePlay}); err != nil {
		return err
	}
	d.opts.Events.EmitRendition(file)
	return nil
}

func (d *Driver) request(file types.RenditionFile, byFile bool) JoinRequest {
	req := JoinRequest{
		Locator:     file.Locator,
		TorrentURL:  file.TorrentURL,
		ByFile:      byFile,
		Trackers:    d.opts.Trackers,
		ReceiveOnly: d.opts.Env.Cellular,
	}
	if file.FileURL != "" {
		req.WebSeeds = []string{d.opts.Auth.Sign(file.FileURL)}
	}
	return req
}

func (d *Driver) join(ctx context.Context, gen uint64, file types.RenditionFile, opts media.ActivateOptions) {
	dl, err := d.client.Join(ctx, d.request(file, false))
	if errors.Is(err, types.ErrIncorrectDescriptor) && file.TorrentURL != "" {
		log.Printf("[swarm] %v, retrying %s with the torrent file", err, label(file))
		dl, err = d.client.Join(ctx, d.request(file, true))
	}
	pos := d.position()

	d.mu.Lock()
	if gen != d.gen || d.disposed {
		d.mu.Unlock()
		if dl != nil {
			dl.Drop()
		}
		return
	}
	d.joinCancel = nil

	if err != nil {
		hadActive := d.active != nil
		if hadActive {
			d.active.Resume()
			d.current = d.activeFile
			d.transitionLocked(StateActive)
		} else {
			d.hasCurrent = false
			d.transitionLocked(StateIdle)
		}
		d.mu.Unlock()

		err = fmt.Errorf("join %s: %w", label(file), err)
		log.Printf("[swarm] %v", err)
		if errors.Is(err, types.ErrOriginUnreachable) {
			d.opts.Events.EmitError(err)
		}
		if !hadActive {
			d.opts.Events.EmitUnrecoverable(err)
		}
		return
	}

	if d.active == nil {
		d.active, d.activeFile = dl, file
		d.transitionLocked(StateActive)
		d.startStatsLocked()
		d.mu.Unlock()
		d.render(dl, file, opts.SeekTo, opts.ForcePlay)
		return
	}

	d.pending, d.pendingFile = dl, file
	if opts.Delay <= 0 {
		d.mu.Unlock()
		d.swap(gen, opts.ForcePlay)
		return
	}
	at := pos + opts.Delay - prefetchLead
	f := dl.File()
	d.warmer = buffer.NewWarmer(f, warmTarget(file, opts.Delay, d.opts.Duration))
	d.warmer.Start(buffer.OffsetAt(f.Length(), d.opts.Duration.Seconds(), at.Seconds()))
	d.swapTimer = d.opts.Scheduler.AfterFunc(opts.Delay, func() { d.swap(gen, opts.ForcePlay) })
	d.mu.Unlock()
}

// swap moves the prefetched download on screen and drops the previous one.
func (d *Driver) swap(gen uint64, play bool) {
	d.mu.Lock()
	if gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	w := d.warmer
	old := d.active
	d.active, d.activeFile = d.pending, d.pendingFile
	d.pending, d.warmer, d.swapTimer = nil, nil, nil
	delete(d.last, old)
	d.transitionLocked(StateActive)
	dl, file := d.active, d.activeFile
	d.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if old != nil {
		old.Drop()
	}
	d.render(dl, file, d.position(), play)
}

func (d *Driver) render(dl Download, file types.RenditionFile, seekTo time.Duration, play bool) {
	if err := d.el.RenderFile(dl.File(), media.RenderOptions{SeekTo: seekTo, Play: play}); err != nil {
		d.opts.Events.EmitUnrecoverable(fmt.Errorf("render %s: %w", label(file), err))
		return
	}
	log.Printf("[swarm] rendering %s", label(file))
	d.opts.Events.EmitRendition(file)
}

// cancelSwitchLocked stops any in-flight join or prefetch and returns the work to run unlocked.
func (d *Driver) cancelSwitchLocked() []func() {
	var out []func()
	if d.joinCancel != nil {
		out = append(out, d.joinCancel)
		d.joinCancel = nil
	}
	if d.swapTimer != nil {
		d.swapTimer.Stop()
		d.swapTimer = nil
	}
	if w := d.warmer; w != nil {
		out = append(out, w.Stop)
		d.warmer = nil
	}
	if p := d.pending; p != nil {
		out = append(out, p.Drop)
		delete(d.last, p)
		d.pending = nil
	}
	return out
}

func (d *Driver) detachActiveLocked() []func() {
	if d.active == nil {
		return nil
	}
	a := d.active
	d.active = nil
	delete(d.last, a)
	return []func(){a.Drop}
}

func (d *Driver) startStatsLocked() {
	if d.statsTimer != nil {
		return
	}
	d.statsTimer = d.opts.Scheduler.Every(d.opts.InfoInterval, d.tick)
}

func (d *Driver) tick() {
	d.mu.Lock()
	var dDown, dUp int64
	peers := 0
	for _, dl := range []Download{d.active, d.pending} {
		if dl == nil {
			continue
		}
		s := dl.Stats()
		prev := d.last[dl]
		dDown += max(s.Down-prev.Down, 0)
		dUp += max(s.Up-prev.Up, 0)
		peers += s.Peers
		d.last[dl] = s
	}
	secs := d.opts.InfoInterval.Seconds()
	d.info.P2PDownBytes += dDown
	d.info.P2PUpBytes += dUp
	d.info.P2PDownSpeed = int64(float64(dDown) / secs)
	d.info.P2PUpSpeed = int64(float64(dUp) / secs)
	d.info.Peers = peers
	fns := make([]func(media.ByteEvent), len(d.onBytes))
	copy(fns, d.onBytes)
	d.mu.Unlock()

	if dDown == 0 && dUp == 0 {
		return
	}
	ev := media.ByteEvent{Source: media.FromP2P, Down: dDown, Up: dUp}
	for _, fn := range fns {
		fn(ev)
	}
}

// Dispose stops timers and drops every download before returning.
func (d *Driver) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	d.gen++
	d.transitionLocked(StateStopping)
	cleanup := d.cancelSwitchLocked()
	cleanup = append(cleanup, d.detachActiveLocked()...)
	if d.statsTimer != nil {
		d.statsTimer.Stop()
		d.statsTimer = nil
	}
	d.hasCurrent = false
	d.transitionLocked(StateIdle)
	d.mu.Unlock()

	d.cancel()
	runAll(cleanup)
}

func warmTarget(file types.RenditionFile, delay, duration time.Duration) int64 {
	bps := file.EffectiveBitrate(duration)
	if bps <= 0 {
		return 0
	}
	return bps * int64(delay/time.Second+1)
}

func label(f types.RenditionFile) string {
	if f.Label != "" {
		return fmt.Sprintf("%s#%d", f.Label, f.ID)
	}
	return fmt.Sprintf("%dp#%d", f.Height, f.ID)
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
