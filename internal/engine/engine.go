// Package engine owns a playback session: it picks the transport, runs the
// adaptive rendition loop and falls back to direct HTTP when transports give up.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarmplay/internal/abr"
	"swarmplay/internal/bandwidth"
	"swarmplay/internal/httpx"
	"swarmplay/internal/media"
	"swarmplay/internal/rendition"
	"swarmplay/internal/sched"
	"swarmplay/pkg/types"
)

var (
	ErrAlreadyLoaded    = errors.New("engine: source already loaded")
	ErrNotLoaded        = errors.New("engine: no source loaded")
	ErrLoading          = errors.New("engine: transport still starting")
	ErrAutoUnavailable  = errors.New("engine: automatic rendition unavailable")
	ErrUnknownRendition = errors.New("engine: unknown rendition")
)

// Driver is what the engine needs from a transport.
type Driver interface {
	Activate(file types.RenditionFile, opts media.ActivateOptions) error
	CurrentFile() (types.RenditionFile, bool)
	Pick(avgBandwidth int64, playerHeight int) (types.RenditionFile, bool)
	OnBytes(fn func(media.ByteEvent))
	Stats() types.NetworkInfo
	Switching() bool
	Dispose()
}

// Hooks are handed to a new driver so it can report back.
type Hooks struct {
	Events   media.Events
	Position func() time.Duration
	Estimate func() (int64, bool)
}

// Factory builds the driver for mode and returns the renditions it can play.
type Factory func(ctx context.Context, mode types.Mode, src types.Source, env types.Environment, hooks Hooks) (Driver, []types.RenditionFile, error)

type Config struct {
	Interval     time.Duration // auto rendition tick
	Observation  time.Duration // no automatic change for this long after one
	UpgradeDelay time.Duration // prefetch window before an upgrade becomes visible
	InfoInterval time.Duration
	Env          types.Environment
	Auth         httpx.Auth
	Scheduler    sched.Scheduler
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.Observation <= 0 {
		c.Observation = 10 * time.Second
	}
	if c.UpgradeDelay < 0 {
		c.UpgradeDelay = 0
	}
	if c.InfoInterval <= 0 {
		c.InfoInterval = time.Second
	}
	if c.Scheduler == nil {
		c.Scheduler = sched.Real{}
	}
}

type Engine struct {
	cfg       Config
	el        media.Element
	est       *bandwidth.Estimator
	reg       *rendition.Registry
	newDriver Factory
	clock     sched.Scheduler
	session   string
	log       *eventLog

	mu          sync.Mutex
	src         types.Source
	loaded      bool
	disposed    bool
	state       types.EngineState
	files       []types.RenditionFile
	driver      Driver
	env         types.Environment
	waiting     bool
	paused      bool
	playing     bool
	width       int
	height      int
	position    time.Duration
	inFallback  bool
	fatalArmed  bool
	tickTimer   sched.Timer
	infoTimer   sched.Timer
	observation sched.Timer
	onBytes     []func(types.Mode, media.ByteEvent)
}

func New(cfg Config, el media.Element, est *bandwidth.Estimator, factory Factory) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:       cfg,
		el:        el,
		est:       est,
		reg:       rendition.New(),
		newDriver: factory,
		clock:     cfg.Scheduler,
		session:   uuid.NewString(),
		log:       newEventLog(),
		env:       cfg.Env,
		paused:    true,
	}
}

func (e *Engine) Session() string               { return e.session }
func (e *Engine) Registry() *rendition.Registry { return e.reg }

func (e *Engine) State() types.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe registers fn for every future event. The returned func unsubscribes.
func (e *Engine) Subscribe(fn func(Event)) func() { return e.log.subscribe(fn) }

// Events replays retained events newer than seq.
func (e *Engine) Events(since uint64) []Event { return e.log.since(since) }

// OnBytes registers fn for transport byte events.
func (e *Engine) OnBytes(fn func(types.Mode, media.ByteEvent)) {
	e.mu.Lock()
	e.onBytes = append(e.onBytes, fn)
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	ev.Session = e.session
	ev.At = e.clock.Now()
	ev.State = e.State()
	e.log.publish(ev)
}

// Source returns the loaded source.
func (e *Engine) Source() (types.Source, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.src, e.loaded
}

// Files returns the renditions the active transport can play.
func (e *Engine) Files() []types.RenditionFile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.RenditionFile(nil), e.files...)
}

// Load picks a transport for src and starts playback of the initial rendition.
// An empty mode lets the source decide: a playlist means streamed segments, else the swarm.
func (e *Engine) Load(ctx context.Context, src types.Source, mode types.Mode) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return errors.New("engine: disposed")
	}
	if e.loaded {
		e.mu.Unlock()
		return ErrAlreadyLoaded
	}
	e.loaded = true
	e.src = src
	e.files = append([]types.RenditionFile(nil), src.Files...)
	e.position = src.StartTime()
	e.state.CurrentRenditionID = types.AutoRenditionID
	env := e.env
	e.mu.Unlock()

	if mode == "" {
		mode = types.ModePeerSwarm
		if src.PlaylistURL != "" {
			mode = types.ModeStreamed
		}
	}
	log.Printf("[engine] load video=%s mode=%s files=%d live=%v session=%s", src.VideoID, mode, len(src.Files), src.IsLive, e.session)

	if mode == types.ModeStreamed && !env.SegmentsSupported {
		e.fallback(fmt.Errorf("%w: segmented playback not supported", types.ErrUnsupportedEnvironment))
		return nil
	}

	if e.est != nil {
		if err := e.est.LoadPersisted(ctx); err != nil {
			log.Printf("[bandwidth] no prior: %v", err)
		}
	}

	hooks := Hooks{
		Events: media.Events{
			Error:         e.onDriverError,
			Unrecoverable: e.fallback,
			Removed:       e.onRemoved,
			Rendition:     e.onRendition,
		},
		Position: e.Position,
		Estimate: e.estimate,
	}
	d, files, err := e.newDriver(ctx, mode, src, env, hooks)
	if err != nil {
		log.Printf("[engine] %s transport failed to start: %v", mode, err)
		e.fallback(err)
		return nil
	}
	if len(files) == 0 {
		d.Dispose()
		e.fallback(fmt.Errorf("%w: no playable rendition", types.ErrUnsupportedEnvironment))
		return nil
	}

	first := e.initialPick(d, files)

	e.mu.Lock()
	if e.disposed || e.state.Mode == types.ModeDirectHTTP {
		e.mu.Unlock()
		d.Dispose()
		return nil
	}
	e.driver = d
	e.files = files
	e.state = types.EngineState{
		Mode:               mode,
		AutoRendition:      true,
		AutoPossible:       true,
		CurrentRenditionID: first.ID,
	}
	e.infoTimer = e.clock.Every(e.cfg.InfoInterval, e.infoTick)
	e.mu.Unlock()

	d.OnBytes(func(ev media.ByteEvent) { e.forwardBytes(mode, ev) })
	e.reg.Populate(files, func(id int) {
		if err := e.ChangeRendition(id); err != nil {
			log.Printf("[engine] select %d: %v", id, err)
		}
	})
	e.reg.Select(types.AutoRenditionID, first.ID, false)
	e.emit(Event{Kind: EventMode, Mode: mode})

	return d.Activate(first, media.ActivateOptions{SeekTo: src.StartTime(), ForcePlay: src.Autoplay})
}

// initialPick uses the persisted bandwidth when there is one, else the middle rendition.
func (e *Engine) initialPick(d Driver, files []types.RenditionFile) types.RenditionFile {
	if e.est != nil {
		if prior, ok := e.est.Prior(); ok {
			e.mu.Lock()
			h := e.height
			e.mu.Unlock()
			if f, ok := d.Pick(prior, h); ok {
				log.Printf("[engine] initial rendition %d from bandwidth prior %d B/s", f.ID, prior)
				return f
			}
		}
	}
	if f, ok := abr.PickAverage(files); ok {
		return f
	}
	return files[0]
}

func (e *Engine) estimate() (int64, bool) {
	if e.est == nil {
		return 0, false
	}
	return e.est.Current()
}

// ----- host signals -----

func (e *Engine) SetWaiting(v bool) {
	e.mu.Lock()
	e.waiting = v
	e.mu.Unlock()
}

func (e *Engine) SetViewport(width, height int) {
	e.mu.Lock()
	e.width, e.height = width, height
	e.mu.Unlock()
}

func (e *Engine) SetPosition(p time.Duration) {
	e.mu.Lock()
	e.position = p
	e.mu.Unlock()
}

func (e *Engine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *Engine) SetPaused(v bool) {
	e.mu.Lock()
	e.paused = v
	e.mu.Unlock()
}

// SetRefuseP2P records the host policy. Refusing while a peer transport runs falls back to HTTP.
func (e *Engine) SetRefuseP2P(v bool) {
	e.mu.Lock()
	e.env.RefuseP2P = v
	active := e.driver != nil && e.state.Mode != types.ModeDirectHTTP
	e.mu.Unlock()
	if v && active {
		e.fallback(fmt.Errorf("%w: peer transport refused", types.ErrUnsupportedEnvironment))
	}
}

// NotifyPlaying starts the auto rendition loop; the first tick comes one interval later.
func (e *Engine) NotifyPlaying() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	if e.playing || e.disposed || e.state.Mode == types.ModeDirectHTTP {
		return
	}
	e.playing = true
	e.tickTimer = e.clock.Every(e.cfg.Interval, e.autoTick)
}

// ----- rendition control -----

// ChangeRendition selects a rendition by id; types.AutoRenditionID re-enables automatic mode.
func (e *Engine) ChangeRendition(id int) error {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return ErrNotLoaded
	}
	mode := e.state.Mode
	d := e.driver
	if d == nil && mode != types.ModeDirectHTTP {
		e.mu.Unlock()
		return ErrLoading
	}

	if id == types.AutoRenditionID {
		if !e.state.AutoPossible || mode == types.ModeDirectHTTP {
			e.mu.Unlock()
			return ErrAutoUnavailable
		}
		e.state.AutoRendition = true
		cur := e.state.CurrentRenditionID
		e.mu.Unlock()

		log.Printf("[engine] auto rendition on")
		e.reg.Select(types.AutoRenditionID, cur, false)
		e.emit(Event{Kind: EventAuto})
		return nil
	}

	file, ok := findFile(e.files, id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownRendition, id)
	}
	e.state.AutoRendition = false
	e.state.Observing = false
	if e.observation != nil {
		e.observation.Stop()
		e.observation = nil
	}
	pos, paused := e.position, e.paused
	e.mu.Unlock()

	log.Printf("[engine] manual rendition %d (%s)", id, rendition.Label(file))
	e.reg.Select(id, id, false)

	if mode == types.ModeDirectHTTP {
		if file.FileURL == "" {
			return fmt.Errorf("%w: %d has no http file", ErrUnknownRendition, id)
		}
		e.setCurrent(file)
		return e.el.SetURL(e.cfg.Auth.Sign(file.FileURL), media.RenderOptions{SeekTo: pos, Play: !paused})
	}
	return d.Activate(file, media.ActivateOptions{SeekTo: pos})
}

func findFile(files []types.RenditionFile, id int) (types.RenditionFile, bool) {
	for _, f := range files {
		if f.ID == id {
			return f, true
		}
	}
	return types.RenditionFile{}, false
}

func (e *Engine) setCurrent(f types.RenditionFile) {
	e.mu.Lock()
	e.state.CurrentRenditionID = f.ID
	e.mu.Unlock()
}

// autoTick is the adaptive rendition decision.
func (e *Engine) autoTick() {
	e.mu.Lock()
	d := e.driver
	skip := d == nil || e.inFallback || !e.state.AutoRendition || e.state.Observing ||
		e.state.Mode == types.ModeDirectHTTP
	waiting, height := e.waiting, e.height
	e.mu.Unlock()
	if skip || d.Switching() {
		return
	}

	avg, ok := e.estimate()
	if !ok {
		return
	}
	next, ok := d.Pick(avg, height)
	cur, hasCur := d.CurrentFile()
	if !ok || !hasCur || next.ID == cur.ID {
		return
	}

	var delay time.Duration
	switch {
	case abr.IsUpgrade(cur, next):
		delay = e.cfg.UpgradeDelay
	case waiting && abr.IsDowngrade(cur, next):
	default:
		return
	}

	e.mu.Lock()
	if e.driver != d || !e.state.AutoRendition {
		e.mu.Unlock()
		return
	}
	e.state.Observing = true
	e.observation = e.clock.AfterFunc(e.cfg.Observation, e.endObservation)
	e.mu.Unlock()

	log.Printf("[engine] auto %s %s -> %s (bw=%d B/s, delay=%s)",
		direction(cur, next), rendition.Label(cur), rendition.Label(next), avg, delay)
	if err := d.Activate(next, media.ActivateOptions{Delay: delay}); err != nil {
		log.Printf("[engine] auto activate %d: %v", next.ID, err)
	}
}

func direction(cur, next types.RenditionFile) string {
	if abr.IsUpgrade(cur, next) {
		return "upgrade"
	}
	return "downgrade"
}

func (e *Engine) endObservation() {
	e.mu.Lock()
	e.state.Observing = false
	e.observation = nil
	e.mu.Unlock()
}

// infoTick publishes telemetry and feeds the bandwidth estimator.
func (e *Engine) infoTick() {
	e.mu.Lock()
	d := e.driver
	mode := e.state.Mode
	e.mu.Unlock()
	if d == nil {
		return
	}

	info := d.Stats()
	speed := info.P2PDownSpeed
	if mode == types.ModeStreamed {
		speed += info.HTTPDownSpeed
	}
	if e.est != nil {
		if speed > 0 {
			e.est.Add(speed)
		}
		if bw, ok := e.est.Current(); ok {
			info.BandwidthEstimate = bw
		}
		if e.est.Samples() > 0 {
			if err := e.est.Persist(context.Background()); err != nil {
				log.Printf("[bandwidth] persist: %v", err)
			}
		}
	}
	e.emit(Event{Kind: EventNetworkInfo, Info: &info})
}

func (e *Engine) forwardBytes(mode types.Mode, ev media.ByteEvent) {
	e.mu.Lock()
	fns := make([]func(types.Mode, media.ByteEvent), len(e.onBytes))
	copy(fns, e.onBytes)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(mode, ev)
	}
}

// ----- driver callbacks -----

func (e *Engine) onDriverError(err error) {
	log.Printf("[engine] transport error: %v", err)
	e.emit(Event{Kind: EventError, Error: err.Error()})
}

func (e *Engine) onRemoved(id int) {
	e.mu.Lock()
	for i, f := range e.files {
		if f.ID == id {
			e.files = append(e.files[:i:i], e.files[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.reg.Remove(id)
	e.emit(Event{Kind: EventRemoved, ID: id})
}

func (e *Engine) onRendition(f types.RenditionFile) {
	e.mu.Lock()
	if e.state.Mode == types.ModeDirectHTTP {
		e.mu.Unlock()
		return
	}
	e.state.CurrentRenditionID = f.ID
	auto := e.state.AutoRendition
	e.mu.Unlock()

	if auto {
		e.reg.Select(types.AutoRenditionID, f.ID, false)
	} else {
		e.reg.Select(f.ID, f.ID, false)
	}
	file := f
	e.emit(Event{Kind: EventRendition, Rendition: &file, ID: f.ID})
}

// Dispose tears the session down. Timers stop and the transport is released before it returns.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	d := e.driver
	e.driver = nil
	for _, t := range []sched.Timer{e.tickTimer, e.infoTimer, e.observation} {
		if t != nil {
			t.Stop()
		}
	}
	e.mu.Unlock()

	if d != nil {
		d.Dispose()
	}
	if e.est != nil && e.est.Samples() > 0 {
		if err := e.est.Persist(context.Background()); err != nil {
			log.Printf("[bandwidth] persist on dispose: %v", err)
		}
	}
	e.el.Reset()
	log.Printf("[engine] disposed session=%s", e.session)
}
