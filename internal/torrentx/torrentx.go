// Package torrentx is the anacrolix-backed swarm client.
package torrentx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"swarmplay/internal/buffer"
	"swarmplay/internal/httpx"
	"swarmplay/internal/media"
	"swarmplay/internal/swarm"
	"swarmplay/pkg/types"
)

type Options struct {
	DataDir      string
	WaitMetadata time.Duration
	TrackersMode string // all|http|udp|ws|none
}

// Client joins swarms for the swarm driver and keeps per-torrent bookkeeping for the janitor.
type Client struct {
	cl    *torrent.Client
	fetch *httpx.Fetcher
	opts  Options

	mu        sync.Mutex
	refs      map[metainfo.Hash]int
	lastTouch map[metainfo.Hash]time.Time
}

func NewClient(opts Options, fetch *httpx.Fetcher) (*Client, error) {
	if opts.WaitMetadata <= 0 {
		opts.WaitMetadata = 25 * time.Second
	}
	_ = os.MkdirAll(opts.DataDir, 0o755)

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = winLongPath(opts.DataDir)
	cfg.DisableTCP = false
	cfg.DisableUTP = true
	cfg.Seed = false
	cfg.NoUpload = false

	cl, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("swarm client init: %w", err)
	}
	log.Printf("[init] swarm client dataDir=%s trackersMode=%s", opts.DataDir, opts.TrackersMode)
	return &Client{
		cl:        cl,
		fetch:     fetch,
		opts:      opts,
		refs:      make(map[metainfo.Hash]int),
		lastTouch: make(map[metainfo.Hash]time.Time),
	}, nil
}

func (c *Client) Close() {
	log.Printf("[boot] closing swarm client")
	c.cl.Close()
}

func (c *Client) DataDir() string { return c.opts.DataDir }

// Join adds the torrent, waits for its metadata and returns the main video file.
func (c *Client) Join(ctx context.Context, req swarm.JoinRequest) (swarm.Download, error) {
	var (
		t   *torrent.Torrent
		err error
	)
	if req.ByFile {
		t, err = c.addFromFile(ctx, req)
	} else {
		t, err = c.cl.AddMagnet(sanitizeMagnet(req.Locator, c.opts.TrackersMode))
	}
	if err != nil {
		return nil, err
	}
	ih := t.InfoHash()
	c.retain(ih)

	if tiers := buildTrackerTiers(req.Trackers, c.opts.TrackersMode); len(tiers) != 0 {
		t.AddTrackers(tiers)
	}
	if len(req.WebSeeds) > 0 {
		t.AddWebSeeds(req.WebSeeds)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.WaitMetadata)
	defer cancel()
	if err := WaitForInfo(waitCtx, t); err != nil {
		c.release(t)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no metadata for %s within %s", types.ErrIncorrectDescriptor, ih.HexString(), c.opts.WaitMetadata)
	}

	f, _ := ChooseBestVideoFile(t)
	if f == nil {
		c.release(t)
		return nil, fmt.Errorf("%w: %s has no playable file", types.ErrIncorrectDescriptor, ih.HexString())
	}
	if req.ReceiveOnly {
		t.DisallowDataUpload()
	}
	t.AllowDataDownload()
	f.Download()
	log.Printf("[swarm] joined %s file=%s size=%d", ih.HexString(), f.Path(), f.Length())
	return &Download{c: c, t: t, f: f}, nil
}

// addFromFile fetches the .torrent file and adds it.
func (c *Client) addFromFile(ctx context.Context, req swarm.JoinRequest) (*torrent.Torrent, error) {
	if req.TorrentURL == "" {
		return nil, fmt.Errorf("%w: no torrent file url", types.ErrOriginUnreachable)
	}
	b, err := c.fetch.Get(ctx, req.TorrentURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", types.ErrOriginUnreachable, req.TorrentURL, err)
	}
	mi, err := metainfo.Load(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", types.ErrOriginUnreachable, req.TorrentURL, err)
	}
	if want := magnetHash(req.Locator); want != (metainfo.Hash{}) && mi.HashInfoBytes() != want {
		log.Printf("[swarm] torrent file %s has info hash %s, magnet said %s", req.TorrentURL, mi.HashInfoBytes().HexString(), want.HexString())
	}
	return c.cl.AddTorrent(mi)
}

func (c *Client) retain(ih metainfo.Hash) {
	c.mu.Lock()
	c.refs[ih]++
	c.lastTouch[ih] = time.Now()
	c.mu.Unlock()
}

// release drops t once no download references it.
func (c *Client) release(t *torrent.Torrent) {
	ih := t.InfoHash()
	c.mu.Lock()
	n := c.refs[ih] - 1
	if n > 0 {
		c.refs[ih] = n
		c.mu.Unlock()
		return
	}
	delete(c.refs, ih)
	c.lastTouch[ih] = time.Now()
	c.mu.Unlock()
	t.Drop()
}

// Download is one joined torrent narrowed to its video file.
type Download struct {
	c    *Client
	t    *torrent.Torrent
	f    *torrent.File
	once sync.Once
}

func (d *Download) File() media.File { return &file{t: d.t, f: d.f} }
func (d *Download) Pause()           { d.t.DisallowDataDownload() }
func (d *Download) Resume()          { d.t.AllowDataDownload() }

func (d *Download) Stats() swarm.Stats {
	s := d.t.Stats()
	return swarm.Stats{Down: s.BytesReadData.Int64(), Up: s.BytesWrittenData.Int64(), Peers: s.ActivePeers}
}

func (d *Download) Drop() { d.once.Do(func() { d.c.release(d.t) }) }

type file struct {
	t *torrent.Torrent
	f *torrent.File
}

func (x *file) Name() string  { return x.f.DisplayPath() }
func (x *file) Length() int64 { return x.f.Length() }

func (x *file) NewReader() io.ReadSeekCloser {
	r := x.f.NewReader()
	r.SetResponsive()
	return r
}

func (x *file) ContiguousAhead(from int64) int64 {
	return buffer.ContiguousAheadPieceExact(x.t, x.f, from)
}

// ----- cache bookkeeping (janitor) -----

// CacheEntry describes one torrent held by the client.
type CacheEntry struct {
	ID        string
	Name      string
	Size      int64
	LastTouch time.Time
	Active    bool
}

func (c *Client) Entries() []CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []CacheEntry
	for _, t := range c.cl.Torrents() {
		ih := t.InfoHash()
		e := CacheEntry{ID: ih.HexString(), Name: t.Name(), LastTouch: c.lastTouch[ih], Active: c.refs[ih] > 0}
		if t.Info() != nil {
			e.Size = t.Length()
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Evict drops an idle torrent. It refuses torrents that a download still uses.
func (c *Client) Evict(id string) bool {
	ih := metainfo.NewHashFromHex(id)
	c.mu.Lock()
	if c.refs[ih] > 0 {
		c.mu.Unlock()
		log.Printf("[janitor] skip drop (active) %s", id)
		return false
	}
	delete(c.lastTouch, ih)
	c.mu.Unlock()

	t, ok := c.cl.Torrent(ih)
	if !ok {
		return false
	}
	t.Drop()
	return true
}

func (c *Client) UsedBytes() int64 { return DirSize(c.opts.DataDir) }

// ----- helpers -----

var extraHTTP = []string{
	"http://tracker.opentrackr.org:1337/announce",
	"https://tracker.opentrackr.org:443/announce",
}
var extraUDP = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
}

// buildTrackerTiers puts the video's own trackers first, then public ones per mode.
func buildTrackerTiers(own []string, mode string) [][]string {
	var tiers [][]string
	for _, s := range own {
		if keepTracker(s, mode) || strings.EqualFold(mode, "ws") {
			tiers = append(tiers, []string{s})
		}
	}
	var extra []string
	switch strings.ToLower(mode) {
	case "none", "ws":
	case "http":
		extra = extraHTTP
	case "udp":
		extra = extraUDP
	default:
		extra = append(append(extra, extraHTTP...), extraUDP...)
	}
	for _, s := range extra {
		tiers = append(tiers, []string{s})
	}
	return tiers
}

func keepTracker(tr, mode string) bool {
	trL := strings.ToLower(tr)
	switch strings.ToLower(mode) {
	case "none":
		return false
	case "udp":
		return strings.HasPrefix(trL, "udp://")
	case "http":
		return strings.HasPrefix(trL, "http://") || strings.HasPrefix(trL, "https://")
	case "ws":
		return strings.HasPrefix(trL, "ws://") || strings.HasPrefix(trL, "wss://")
	default:
		return true
	}
}

// sanitizeMagnet filters the magnet's tr params by tracker mode.
func sanitizeMagnet(raw, mode string) string {
	if !strings.HasPrefix(raw, "magnet:") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	orig := q["tr"]
	q.Del("tr")
	for _, tr := range orig {
		if keepTracker(tr, mode) {
			q.Add("tr", tr)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// TorrentFileFromMagnet returns the xs (exact source) param of a magnet, if any.
func TorrentFileFromMagnet(raw string) string {
	m, err := metainfo.ParseMagnetURI(raw)
	if err != nil {
		return ""
	}
	return m.Params.Get("xs")
}

func magnetHash(src string) metainfo.Hash {
	if strings.HasPrefix(src, "magnet:") {
		m, err := metainfo.ParseMagnetURI(src)
		if err == nil {
			return m.InfoHash
		}
	}
	return metainfo.Hash{}
}

func WaitForInfo(ctx context.Context, t *torrent.Torrent) error {
	select {
	case <-t.GotInfo():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var videoExt = map[string]bool{".mp4": true, ".webm": true, ".m4v": true, ".mov": true, ".mkv": true}

func ChooseBestVideoFile(t *torrent.Torrent) (*torrent.File, int) {
	var best *torrent.File
	var idx int
	for i, f := range t.Files() {
		if !videoExt[strings.ToLower(filepath.Ext(f.Path()))] {
			continue
		}
		if best == nil || f.Length() > best.Length() {
			best, idx = f, i
		}
	}
	return best, idx
}

func ContentTypeForName(name string) string {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func DirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// ClientGone reports errors caused by the HTTP client going away mid-stream.
func ClientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") || strings.Contains(s, "reset by peer") ||
		strings.Contains(s, "forcibly closed")
}

func winLongPath(p string) string {
	if os.PathSeparator != '\\' {
		return p
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	if strings.HasPrefix(abs, `\\?\`) {
		return abs
	}
	if strings.HasPrefix(abs, `\\`) {
		return `\\?\UNC\` + strings.TrimPrefix(abs, `\\`)
	}
	return `\\?\` + abs
}
