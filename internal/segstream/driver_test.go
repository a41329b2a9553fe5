package segstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmplay/internal/httpx"
	"swarmplay/internal/integrity"
	"swarmplay/internal/media"
	"swarmplay/internal/media/mediatest"
	"swarmplay/internal/redundancy"
	"swarmplay/internal/sched"
	"swarmplay/pkg/types"
)

const master = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,FRAME-RATE=30.000
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000,RESOLUTION=1280x720,FRAME-RATE=60.000
high/index.m3u8
`

func vodPlaylist(prefix string, n int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:4.000,\n%s-%d.ts\n", prefix, i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func payload(name string) []byte { return []byte("segment:" + name) }

// origin serves a two-level VOD with a matching hash manifest.
type origin struct {
	*httptest.Server
	mu      sync.Mutex
	hits    map[string]int
	corrupt map[string]bool
	fail    map[string]int // status to answer with
	gate    map[string]chan struct{}
	seen    chan string
}

func newOrigin(t *testing.T) *origin {
	o := &origin{hits: map[string]int{}, corrupt: map[string]bool{}, fail: map[string]int{}, gate: map[string]chan struct{}{}, seen: make(chan string, 64)}
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, master) })
	mux.HandleFunc("/low/index.m3u8", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, vodPlaylist("low", 3)) })
	mux.HandleFunc("/high/index.m3u8", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, vodPlaylist("high", 3)) })
	mux.HandleFunc("/hashes.json", func(w http.ResponseWriter, r *http.Request) {
		m := map[string]string{}
		for _, p := range []string{"low", "high"} {
			for i := 0; i < 3; i++ {
				name := fmt.Sprintf("%s-%d.ts", p, i)
				m[name] = integrity.Digest(payload(name))
			}
		}
		_ = json.NewEncoder(w).Encode(m)
	})
	serveSeg := func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		o.mu.Lock()
		o.hits[name]++
		corrupt, status, gate := o.corrupt[name], o.fail[name], o.gate[name]
		o.mu.Unlock()
		select {
		case o.seen <- name:
		default:
		}
		if gate != nil {
			<-gate
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if corrupt {
			_, _ = w.Write([]byte("garbage"))
			return
		}
		_, _ = w.Write(payload(name))
	}
	mux.HandleFunc("/low/", serveSeg)
	mux.HandleFunc("/high/", serveSeg)
	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func (o *origin) hitsFor(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[name]
}

type capture struct {
	mu            sync.Mutex
	renditions    []int
	removed       []int
	errs          []error
	unrecoverable []error
}

func (c *capture) events() media.Events {
	return media.Events{
		Error: func(err error) { c.mu.Lock(); c.errs = append(c.errs, err); c.mu.Unlock() },
		Unrecoverable: func(err error) {
			c.mu.Lock()
			c.unrecoverable = append(c.unrecoverable, err)
			c.mu.Unlock()
		},
		Removed:   func(id int) { c.mu.Lock(); c.removed = append(c.removed, id); c.mu.Unlock() },
		Rendition: func(f types.RenditionFile) { c.mu.Lock(); c.renditions = append(c.renditions, f.ID); c.mu.Unlock() },
	}
}

func (c *capture) snapshot() (renditions, removed []int, unrecoverable []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.renditions...), append([]int(nil), c.removed...), append([]error(nil), c.unrecoverable...)
}

func fastOptions(o *origin, ev media.Events) Options {
	fetch := httpx.New(nil, httpx.Auth{})
	return Options{
		PlaylistURL:   o.URL + "/master.m3u8",
		Validator:     integrity.New(o.URL+"/hashes.json", integrity.Options{MaxRetries: 0}, fetch),
		RetryDelay:    time.Millisecond,
		MaxRetriesVOD: 2,
		InfoInterval:  time.Hour,
		Events:        ev,
	}
}

func segURLs(rec *mediatest.Recorder) []string {
	var out []string
	for _, s := range rec.Segments() {
		out = append(out, s.URL[strings.LastIndex(s.URL, "/")+1:])
	}
	return out
}

func waitDone(t *testing.T, d *Driver) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestOpen_ParsesLevels(t *testing.T) {
	o := newOrigin(t)
	d := New(httpx.New(nil, httpx.Auth{}), mediatest.NewRecorder(), fastOptions(o, media.Events{}))
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, types.RenditionFile{ID: 0, Height: 360, Width: 640, Bitrate: 100_000, FPS: 30, Locator: o.URL + "/low/index.m3u8"}, levels[0])
	assert.Equal(t, 720, levels[1].Height)
	assert.Equal(t, 60, levels[1].FPS)
	assert.Equal(t, int64(300_000), levels[1].Bitrate)
}

func TestOpen_MediaPlaylistIsSingleLevel(t *testing.T) {
	o := newOrigin(t)
	opts := fastOptions(o, media.Events{})
	opts.PlaylistURL = o.URL + "/low/index.m3u8"
	rec := mediatest.NewRecorder()
	d := New(httpx.New(nil, httpx.Auth{}), rec, opts)
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.Len(t, levels, 1)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))
	waitDone(t, d)
	assert.Equal(t, []string{"low-0.ts", "low-1.ts", "low-2.ts"}, segURLs(rec))
}

func TestPlaysVODInOrder(t *testing.T) {
	o := newOrigin(t)
	var c capture
	rec := mediatest.NewRecorder()
	d := New(httpx.New(nil, httpx.Auth{}), rec, fastOptions(o, c.events()))
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[1], media.ActivateOptions{}))
	waitDone(t, d)

	assert.Equal(t, []string{"high-0.ts", "high-1.ts", "high-2.ts"}, segURLs(rec))
	for i, s := range rec.Segments() {
		assert.Equal(t, uint64(i), s.Seq)
		assert.Equal(t, 4*time.Second, s.Duration)
	}
	renditions, _, unrec := c.snapshot()
	assert.Equal(t, []int{1}, renditions)
	assert.Empty(t, unrec)

	info := d.Stats()
	assert.Equal(t, types.TransportSegments, info.Transport)
	assert.Equal(t, int64(3*len(payload("high-0.ts"))), info.HTTPDownBytes)
}

func TestSeekStartsAtCoveringSegment(t *testing.T) {
	o := newOrigin(t)
	rec := mediatest.NewRecorder()
	d := New(httpx.New(nil, httpx.Auth{}), rec, fastOptions(o, media.Events{}))
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{SeekTo: 5 * time.Second}))
	waitDone(t, d)
	assert.Equal(t, []string{"low-1.ts", "low-2.ts"}, segURLs(rec))
}

func TestLevelSwitchAppliesAtSegmentBoundary(t *testing.T) {
	o := newOrigin(t)
	release := make(chan struct{})
	o.gate["low-1.ts"] = release
	var c capture
	rec := mediatest.NewRecorder()
	d := New(httpx.New(nil, httpx.Auth{}), rec, fastOptions(o, c.events()))
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))

	for name := range o.seen {
		if name == "low-1.ts" {
			break
		}
	}
	require.NoError(t, d.Activate(levels[1], media.ActivateOptions{}))
	assert.True(t, d.Switching())
	cur, ok := d.CurrentFile()
	require.True(t, ok)
	assert.Equal(t, 1, cur.ID)
	close(release)

	waitDone(t, d)
	assert.Equal(t, []string{"low-0.ts", "low-1.ts", "high-2.ts"}, segURLs(rec))
	assert.False(t, d.Switching())
	assert.Equal(t, 1, d.CurrentLevel())
	renditions, _, _ := c.snapshot()
	assert.Equal(t, []int{0, 1}, renditions)
}

func TestCorruptMirrorIsDemoted(t *testing.T) {
	o := newOrigin(t)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer bad.Close()

	var c capture
	rec := mediatest.NewRecorder()
	opts := fastOptions(o, c.events())
	mirrors := []string{bad.URL + "/a/", bad.URL + "/b/", bad.URL + "/c/"}
	opts.Resolver = redundancy.New(mirrors, rand.New(rand.NewSource(7)))
	d := New(httpx.New(nil, httpx.Auth{}), rec, opts)
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))
	waitDone(t, d)

	require.Equal(t, []string{"low-0.ts", "low-1.ts", "low-2.ts"}, segURLs(rec))
	for _, s := range rec.Segments() {
		assert.Equal(t, payload(s.URL[strings.LastIndex(s.URL, "/")+1:]), s.Data)
		assert.True(t, strings.HasPrefix(s.URL, o.URL), "canonical url is reported")
	}

	c.mu.Lock()
	mismatches := len(c.errs)
	c.mu.Unlock()
	assert.Equal(t, 3-opts.Resolver.Count(), mismatches, "every mismatch demotes one mirror")
	for _, e := range c.errs {
		assert.True(t, types.IsIntegrityMismatch(e))
	}
}

func TestManifestOutageKeepsMirrors(t *testing.T) {
	o := newOrigin(t)
	var mirrorHits atomic.Int32
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mirrorHits.Add(1)
		_, _ = w.Write(payload(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]))
	}))
	defer mirror.Close()

	var c capture
	opts := fastOptions(o, c.events())
	opts.PlaylistURL = o.URL + "/low/index.m3u8"
	opts.Validator = integrity.New(o.URL+"/missing.json", integrity.Options{MaxRetries: 0}, httpx.New(nil, httpx.Auth{}))
	opts.MaxRetriesVOD = 20
	opts.Resolver = redundancy.New([]string{mirror.URL + "/low/"}, rand.New(rand.NewSource(7)))
	rec := mediatest.NewRecorder()
	d := New(httpx.New(nil, httpx.Auth{}), rec, opts)
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))
	waitDone(t, d)

	assert.Positive(t, mirrorHits.Load(), "the mirror was tried")
	assert.Equal(t, 1, opts.Resolver.Count(), "an unreachable manifest demotes nobody")
	assert.Empty(t, rec.Segments())
	_, _, unrec := c.snapshot()
	require.Len(t, unrec, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.errs {
		assert.False(t, types.IsIntegrityMismatch(e))
	}
}

func TestPeerSegmentsAreValidatedAndCounted(t *testing.T) {
	o := newOrigin(t)
	rec := mediatest.NewRecorder()
	opts := fastOptions(o, media.Events{})
	peers := &fakePeers{data: map[string][]byte{
		"low-0.ts": payload("low-0.ts"),
		"low-1.ts": []byte("poisoned"),
	}}
	opts.Peers = peers
	opts.P2P = true
	d := New(httpx.New(nil, httpx.Auth{}), rec, opts)
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))
	waitDone(t, d)

	assert.Equal(t, []string{"low-0.ts", "low-1.ts", "low-2.ts"}, segURLs(rec))
	assert.Equal(t, 0, o.hitsFor("low-0.ts"))
	assert.Equal(t, 1, o.hitsFor("low-1.ts"), "poisoned peer copy is refetched from origin")
	info := d.Stats()
	assert.Equal(t, int64(len(payload("low-0.ts"))), info.P2PDownBytes)
	assert.Equal(t, int64(2*len(payload("low-0.ts"))), info.HTTPDownBytes)
}

type fakePeers struct{ data map[string][]byte }

func (p *fakePeers) Fetch(_ context.Context, u string, _ *types.ByteRange) ([]byte, bool) {
	b, ok := p.data[u[strings.LastIndex(u, "/")+1:]]
	return b, ok
}

func TestMediaErrorLadder(t *testing.T) {
	o := newOrigin(t)
	rec := mediatest.NewRecorder()
	rec.FailAppends(mediatest.ErrDecode, mediatest.ErrDecode)
	d := New(httpx.New(nil, httpx.Auth{}), rec, fastOptions(o, media.Events{}))
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))
	waitDone(t, d)

	assert.Equal(t, []string{"low-0.ts", "low-1.ts", "low-2.ts"}, segURLs(rec))
	assert.Equal(t, []string{"segment", "recover", "segment", "swap", "recover", "segment", "segment", "segment"}, rec.Ops())
}

func TestThirdMediaErrorDropsLevel(t *testing.T) {
	o := newOrigin(t)
	var c capture
	rec := mediatest.NewRecorder()
	rec.FailAppends(mediatest.ErrDecode, mediatest.ErrDecode, mediatest.ErrDecode)
	d := New(httpx.New(nil, httpx.Auth{}), rec, fastOptions(o, c.events()))
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[1], media.ActivateOptions{}))
	waitDone(t, d)

	renditions, removed, unrec := c.snapshot()
	assert.Equal(t, []int{1}, removed)
	assert.Equal(t, []int{1, 0}, renditions)
	assert.Empty(t, unrec)
	assert.Equal(t, []string{"low-0.ts", "low-1.ts", "low-2.ts"}, segURLs(rec))
	assert.Len(t, d.Levels(), 1)
}

func TestNetworkCeilingOnLastLevelIsUnrecoverable(t *testing.T) {
	o := newOrigin(t)
	o.fail["low-0.ts"] = http.StatusBadGateway
	var c capture
	opts := fastOptions(o, c.events())
	opts.PlaylistURL = o.URL + "/low/index.m3u8"
	d := New(httpx.New(nil, httpx.Auth{}), mediatest.NewRecorder(), opts)
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))
	waitDone(t, d)

	_, _, unrec := c.snapshot()
	require.Len(t, unrec, 1)
	assert.True(t, errors.Is(unrec[0], types.ErrUnrecoverableMedia))
	assert.Equal(t, 3, o.hitsFor("low-0.ts"), "first try plus two retries")
}

func TestNetworkCounterResetsAfterSuccess(t *testing.T) {
	o := newOrigin(t)
	var fails atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, vodPlaylist("s", 3)) })
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// every segment fails twice before succeeding
		if fails.Add(1)%3 != 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(payload(r.URL.Path[1:]))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var c capture
	opts := fastOptions(o, c.events())
	opts.PlaylistURL = srv.URL + "/index.m3u8"
	opts.Validator = nil
	rec := mediatest.NewRecorder()
	d := New(httpx.New(nil, httpx.Auth{}), rec, opts)
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))
	waitDone(t, d)

	_, _, unrec := c.snapshot()
	assert.Empty(t, unrec)
	assert.Len(t, rec.Segments(), 3)
}

// live serves a sliding window that grows by one segment per reload and closes after `total`.
type live struct {
	mu     sync.Mutex
	loads  int
	total  int
	closed bool
}

func (l *live) playlist() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	n := 3 + l.loads - 1
	if n >= l.total {
		n = l.total
		l.closed = true
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:2.0,\nl-%d.ts\n", i)
	}
	if l.closed {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func TestLiveFollowsEdgeUntilEnded(t *testing.T) {
	l := &live{total: 6}
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, l.playlist()) })
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(payload(r.URL.Path[1:])) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := mediatest.NewRecorder()
	d := New(httpx.New(nil, httpx.Auth{}), rec, Options{
		PlaylistURL:  srv.URL + "/live.m3u8",
		IsLive:       true,
		LiveReload:   time.Millisecond,
		InfoInterval: time.Hour,
	})
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))
	waitDone(t, d)

	assert.True(t, d.LiveEnded())
	// the session starts three segments behind the edge of a fresh reload
	assert.Equal(t, []string{"l-1.ts", "l-2.ts", "l-3.ts", "l-4.ts", "l-5.ts"}, segURLs(rec))
	assert.Zero(t, d.Latency())
}

func TestLatencyBehindOpenEdge(t *testing.T) {
	const window = `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:2.0,
l-0.ts
#EXTINF:2.0,
l-1.ts
#EXTINF:2.0,
l-2.ts
#EXTINF:2.0,
l-3.ts
#EXTINF:2.0,
l-4.ts
#EXTINF:2.0,
l-5.ts
`
	gate := make(chan struct{})
	seen := make(chan string, 8)
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, window) })
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[1:]
		select {
		case seen <- name:
		default:
		}
		if name == "l-3.ts" {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write(payload(name))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := New(httpx.New(nil, httpx.Auth{}), mediatest.NewRecorder(), Options{
		PlaylistURL:  srv.URL + "/live.m3u8",
		IsLive:       true,
		LiveReload:   time.Millisecond,
		InfoInterval: time.Hour,
	})
	defer d.Dispose()

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))

	select {
	case name := <-seen:
		require.Equal(t, "l-3.ts", name)
	case <-time.After(5 * time.Second):
		t.Fatal("no segment requested")
	}
	// l-3, l-4 and l-5 are still ahead of playback
	assert.Equal(t, 6*time.Second, d.Latency())
	assert.Equal(t, int64(6000), d.Stats().LiveLatencyMs)
	close(gate)
}

func TestStatsTickEmitsByteEvents(t *testing.T) {
	o := newOrigin(t)
	clock := sched.NewManual(time.Unix(0, 0))
	opts := fastOptions(o, media.Events{})
	opts.Scheduler = clock
	opts.InfoInterval = time.Second
	opts.RetryDelay = time.Second
	d := New(httpx.New(nil, httpx.Auth{}), mediatest.NewRecorder(), opts)
	defer d.Dispose()

	var mu sync.Mutex
	var events []media.ByteEvent
	d.OnBytes(func(ev media.ByteEvent) { mu.Lock(); events = append(events, ev); mu.Unlock() })

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))
	waitDone(t, d)

	clock.Advance(time.Second)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, media.FromHTTP, events[0].Source)
	assert.Equal(t, int64(3*len(payload("low-0.ts"))), events[0].Down)
	assert.Equal(t, events[0].Down, d.Stats().HTTPDownSpeed)
}

func TestDisposeStopsSession(t *testing.T) {
	o := newOrigin(t)
	o.gate["low-0.ts"] = make(chan struct{})
	rec := mediatest.NewRecorder()
	d := New(httpx.New(nil, httpx.Auth{}), rec, fastOptions(o, media.Events{}))

	levels, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Activate(levels[0], media.ActivateOptions{}))
	<-o.seen

	d.Dispose()
	close(o.gate["low-0.ts"])
	waitDone(t, d)
	assert.Empty(t, rec.Segments())
	assert.ErrorIs(t, d.Activate(levels[1], media.ActivateOptions{}), ErrDisposed)
}
