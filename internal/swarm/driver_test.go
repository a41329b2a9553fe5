package swarm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmplay/internal/abr"
	"swarmplay/internal/httpx"
	"swarmplay/internal/media"
	"swarmplay/internal/media/mediatest"
	"swarmplay/internal/sched"
	"swarmplay/pkg/types"
)

var files = []types.RenditionFile{
	{ID: 0, Height: 240, Bitrate: 30_000, Locator: "magnet:240", TorrentURL: "https://o/240.torrent", FileURL: "https://o/240.mp4"},
	{ID: 1, Height: 480, Bitrate: 80_000, Locator: "magnet:480", TorrentURL: "https://o/480.torrent", FileURL: "https://o/480.mp4"},
	{ID: 2, Height: 720, Bitrate: 150_000, Locator: "magnet:720", TorrentURL: "https://o/720.torrent", FileURL: "https://o/720.mp4"},
}

type fakeDownload struct {
	file    *mediatest.File
	paused  atomic.Bool
	dropped atomic.Bool
	down    atomic.Int64
	up      atomic.Int64
}

func (d *fakeDownload) File() media.File { return d.file }
func (d *fakeDownload) Pause()           { d.paused.Store(true) }
func (d *fakeDownload) Resume()          { d.paused.Store(false) }
func (d *fakeDownload) Drop()            { d.dropped.Store(true) }
func (d *fakeDownload) Stats() Stats {
	return Stats{Down: d.down.Load(), Up: d.up.Load(), Peers: 3}
}

type fakeClient struct {
	mu        sync.Mutex
	reqs      []JoinRequest
	errs      map[string]error
	gates     map[string]chan struct{}
	downloads map[string]*fakeDownload
}

func newFakeClient() *fakeClient {
	return &fakeClient{errs: map[string]error{}, gates: map[string]chan struct{}{}, downloads: map[string]*fakeDownload{}}
}

func joinKey(req JoinRequest) string {
	if req.ByFile {
		return "file:" + req.TorrentURL
	}
	return req.Locator
}

func (c *fakeClient) Join(ctx context.Context, req JoinRequest) (Download, error) {
	key := joinKey(req)
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	gate, err := c.gates[key], c.errs[key]
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	dl := &fakeDownload{file: mediatest.NewFile(key, 64<<10)}
	c.mu.Lock()
	c.downloads[key] = dl
	c.mu.Unlock()
	return dl, nil
}

func (c *fakeClient) download(key string) *fakeDownload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloads[key]
}

func (c *fakeClient) requests() []JoinRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]JoinRequest(nil), c.reqs...)
}

type harness struct {
	clock  *sched.Manual
	rec    *mediatest.Recorder
	client *fakeClient
	d      *Driver

	mu            sync.Mutex
	errs          []error
	unrecoverable []error
	shown         []int
}

func newHarness(t *testing.T, env types.Environment, auth httpx.Auth) *harness {
	h := &harness{clock: sched.NewManual(time.Unix(0, 0)), rec: mediatest.NewRecorder(), client: newFakeClient()}
	h.d = New(h.client, h.rec, Options{
		Files:        files,
		Duration:     100 * time.Second,
		Env:          env,
		Trackers:     []string{"wss://tracker.example/tracker/socket"},
		Auth:         auth,
		Params:       abr.DefaultParams,
		InfoInterval: time.Second,
		Scheduler:    h.clock,
		Position:     func() time.Duration { return 10 * time.Second },
		Events: media.Events{
			Error: func(err error) {
				h.mu.Lock()
				h.errs = append(h.errs, err)
				h.mu.Unlock()
			},
			Unrecoverable: func(err error) {
				h.mu.Lock()
				h.unrecoverable = append(h.unrecoverable, err)
				h.mu.Unlock()
			},
			Rendition: func(f types.RenditionFile) {
				h.mu.Lock()
				h.shown = append(h.shown, f.ID)
				h.mu.Unlock()
			},
		},
	})
	t.Cleanup(h.d.Dispose)
	return h
}

func (h *harness) unrecoverableCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.unrecoverable)
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.d.State() == s }, time.Second, time.Millisecond)
}

func (h *harness) waitTimers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.clock.Pending() == n }, time.Second, time.Millisecond)
}

var p2p = types.Environment{P2PSupported: true}

func TestActivate_FirstFileRendersAfterJoin(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	require.NoError(t, h.d.Activate(files[1], media.ActivateOptions{SeekTo: 3 * time.Second, ForcePlay: true}))
	h.waitState(t, StateActive)

	call, ok := h.rec.Last("render")
	require.True(t, ok)
	assert.Equal(t, "magnet:480", call.Name)
	assert.Equal(t, media.RenderOptions{SeekTo: 3 * time.Second, Play: true}, call.Opts)

	cur, ok := h.d.CurrentFile()
	require.True(t, ok)
	assert.Equal(t, 1, cur.ID)
	assert.Equal(t, []int{1}, h.shown)
}

func TestActivate_SameFileIsNoop(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	require.NoError(t, h.d.Activate(files[1], media.ActivateOptions{}))
	require.NoError(t, h.d.Activate(files[1], media.ActivateOptions{}))
	h.waitState(t, StateActive)
	assert.Len(t, h.client.requests(), 1)
}

func TestByteEventsPerTick(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	var mu sync.Mutex
	var events []media.ByteEvent
	h.d.OnBytes(func(ev media.ByteEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, h.d.Activate(files[0], media.ActivateOptions{}))
	h.waitState(t, StateActive)

	dl := h.client.download("magnet:240")
	dl.down.Store(5000)
	dl.up.Store(700)
	h.clock.Advance(time.Second)
	h.clock.Advance(time.Second)
	dl.down.Store(8000)
	h.clock.Advance(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []media.ByteEvent{
		{Source: media.FromP2P, Down: 5000, Up: 700},
		{Source: media.FromP2P, Down: 3000},
	}, events)

	info := h.d.Stats()
	assert.Equal(t, types.TransportSwarm, info.Transport)
	assert.EqualValues(t, 8000, info.P2PDownBytes)
	assert.EqualValues(t, 700, info.P2PUpBytes)
	assert.EqualValues(t, 3000, info.P2PDownSpeed)
	assert.Equal(t, 3, info.Peers)
}

func TestSwitch_PrefetchThenSwapAfterDelay(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	require.NoError(t, h.d.Activate(files[0], media.ActivateOptions{}))
	h.waitState(t, StateActive)
	old := h.client.download("magnet:240")

	require.NoError(t, h.d.Activate(files[2], media.ActivateOptions{Delay: 5 * time.Second, ForcePlay: true}))
	assert.True(t, old.paused.Load(), "previous swarm is paused, not dropped")
	assert.True(t, h.d.Switching())
	h.waitTimers(t, 2) // stats + swap

	assert.Equal(t, 1, h.rec.Count("render"))
	assert.False(t, old.dropped.Load())

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, StateActive, h.d.State())
	assert.True(t, old.dropped.Load())
	call, _ := h.rec.Last("render")
	assert.Equal(t, "magnet:720", call.Name)
	assert.Equal(t, 10*time.Second, call.Opts.SeekTo)
	assert.Equal(t, 1, h.clock.Pending())
}

func TestSwitch_NewActivationSupersedesPending(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	require.NoError(t, h.d.Activate(files[0], media.ActivateOptions{}))
	h.waitState(t, StateActive)

	require.NoError(t, h.d.Activate(files[1], media.ActivateOptions{Delay: 5 * time.Second}))
	h.waitTimers(t, 2)
	mid := h.client.download("magnet:480")

	require.NoError(t, h.d.Activate(files[2], media.ActivateOptions{Delay: 5 * time.Second}))
	assert.True(t, mid.dropped.Load())
	h.waitTimers(t, 2)

	h.clock.Advance(5 * time.Second)
	var names []string
	for _, c := range h.rec.Calls() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"magnet:240", "magnet:720"}, names)
}

func TestSwitch_CancelledJoinNeverRenders(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	h.client.gates["magnet:480"] = make(chan struct{})

	require.NoError(t, h.d.Activate(files[1], media.ActivateOptions{}))
	require.NoError(t, h.d.Activate(files[2], media.ActivateOptions{}))
	h.waitState(t, StateActive)

	call, _ := h.rec.Last("render")
	assert.Equal(t, "magnet:720", call.Name)
	assert.Equal(t, 1, h.rec.Count("render"))
	assert.Nil(t, h.client.download("magnet:480"))
}

func TestSwitch_BackToVisibleFileResumes(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	require.NoError(t, h.d.Activate(files[0], media.ActivateOptions{}))
	h.waitState(t, StateActive)
	old := h.client.download("magnet:240")

	h.client.gates["magnet:720"] = make(chan struct{})
	require.NoError(t, h.d.Activate(files[2], media.ActivateOptions{Delay: time.Second}))
	require.NoError(t, h.d.Activate(files[0], media.ActivateOptions{}))

	assert.Equal(t, StateActive, h.d.State())
	assert.False(t, old.paused.Load())
	assert.False(t, old.dropped.Load())
}

func TestJoin_IncorrectDescriptorRetriesWithFile(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	h.client.errs["magnet:480"] = types.ErrIncorrectDescriptor

	require.NoError(t, h.d.Activate(files[1], media.ActivateOptions{}))
	h.waitState(t, StateActive)

	reqs := h.client.requests()
	require.Len(t, reqs, 2)
	assert.False(t, reqs[0].ByFile)
	assert.True(t, reqs[1].ByFile)
	call, _ := h.rec.Last("render")
	assert.Equal(t, "file:https://o/480.torrent", call.Name)
	assert.Zero(t, h.unrecoverableCount())
}

func TestJoin_OriginUnreachableSurfaces(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	h.client.errs["magnet:480"] = types.ErrIncorrectDescriptor
	h.client.errs["file:https://o/480.torrent"] = types.ErrOriginUnreachable

	require.NoError(t, h.d.Activate(files[1], media.ActivateOptions{}))
	require.Eventually(t, func() bool { return h.unrecoverableCount() == 1 }, time.Second, time.Millisecond)

	h.mu.Lock()
	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], types.ErrOriginUnreachable)
	h.mu.Unlock()
	assert.Equal(t, StateIdle, h.d.State())
	_, ok := h.d.CurrentFile()
	assert.False(t, ok)
}

func TestJoin_FailedSwitchKeepsPlaying(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	require.NoError(t, h.d.Activate(files[0], media.ActivateOptions{}))
	h.waitState(t, StateActive)
	h.client.errs["magnet:720"] = context.DeadlineExceeded

	require.NoError(t, h.d.Activate(files[2], media.ActivateOptions{Delay: time.Second}))
	h.waitState(t, StateActive)

	cur, _ := h.d.CurrentFile()
	assert.Equal(t, 0, cur.ID)
	assert.False(t, h.client.download("magnet:240").paused.Load())
	assert.Zero(t, h.unrecoverableCount())
}

func TestActivate_RefusedP2PPlaysOverHTTP(t *testing.T) {
	h := newHarness(t, types.Environment{P2PSupported: true, RefuseP2P: true},
		httpx.Auth{Token: func() string { return "tok" }, QueryParam: "videoFileToken"})

	require.NoError(t, h.d.Activate(files[1], media.ActivateOptions{SeekTo: time.Second}))
	call, ok := h.rec.Last("url")
	require.True(t, ok)
	assert.Equal(t, "https://o/480.mp4?videoFileToken=tok", call.URL)
	assert.Empty(t, h.client.requests())
	assert.Equal(t, types.TransportHTTP, h.d.Stats().Transport)
	assert.Equal(t, StateActive, h.d.State())
}

func TestActivate_NoHTTPURLIsUnrecoverable(t *testing.T) {
	h := newHarness(t, types.Environment{}, httpx.Auth{})
	err := h.d.Activate(types.RenditionFile{ID: 5, Height: 360}, media.ActivateOptions{})
	assert.ErrorIs(t, err, types.ErrUnsupportedEnvironment)
	assert.Equal(t, 1, h.unrecoverableCount())
}

func TestJoinRequest_CellularAndWebSeeds(t *testing.T) {
	h := newHarness(t, types.Environment{P2PSupported: true, Cellular: true},
		httpx.Auth{Token: func() string { return "tok" }, QueryParam: "videoFileToken"})
	require.NoError(t, h.d.Activate(files[0], media.ActivateOptions{}))
	h.waitState(t, StateActive)

	req := h.client.requests()[0]
	assert.True(t, req.ReceiveOnly)
	assert.Equal(t, []string{"https://o/240.mp4?videoFileToken=tok"}, req.WebSeeds)
	assert.Equal(t, []string{"wss://tracker.example/tracker/socket"}, req.Trackers)
}

func TestDispose_ReleasesEverything(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	require.NoError(t, h.d.Activate(files[0], media.ActivateOptions{}))
	h.waitState(t, StateActive)
	require.NoError(t, h.d.Activate(files[1], media.ActivateOptions{Delay: 5 * time.Second}))
	h.waitTimers(t, 2)

	h.d.Dispose()
	assert.True(t, h.client.download("magnet:240").dropped.Load())
	assert.True(t, h.client.download("magnet:480").dropped.Load())
	assert.Zero(t, h.clock.Pending())
	assert.Equal(t, StateIdle, h.d.State())
	assert.ErrorIs(t, h.d.Activate(files[2], media.ActivateOptions{}), ErrDisposed)
}

func TestPick_UsesCurrentForMargin(t *testing.T) {
	h := newHarness(t, p2p, httpx.Auth{})
	require.NoError(t, h.d.Activate(files[1], media.ActivateOptions{}))

	got, ok := h.d.Pick(150_000, 720)
	require.True(t, ok)
	assert.Equal(t, 1, got.ID)
	got, _ = h.d.Pick(200_000, 720)
	assert.Equal(t, 2, got.ID)
}

func TestTransitions(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateJoining))
	assert.True(t, canTransition(StateActive, StateSwitching))
	assert.False(t, canTransition(StateIdle, StateSwitching))
	assert.False(t, canTransition(StateStopping, StateActive))
	assert.Contains(t, transitionError{from: StateIdle, to: StateSwitching}.Error(), "idle -> switching")
}
