package types

import (
	"strconv"
	"time"
)

// AutoRenditionID is the registry id of the synthetic "Auto" entry.
const AutoRenditionID = -1

// RenditionFile is one encoded quality variant of a video. Immutable for a session.
type RenditionFile struct {
	ID         int    `json:"id"`
	Height     int    `json:"height"` // 0 = audio only
	Width      int    `json:"width,omitempty"`
	Bitrate    int64  `json:"bitrate,omitempty"` // bytes/sec, same unit as bandwidth estimates
	Size       int64  `json:"size,omitempty"`    // byte size hint
	FPS        int    `json:"fps,omitempty"`
	Label      string `json:"label,omitempty"`
	Locator    string `json:"locator,omitempty"`    // magnet URI or variant playlist URI
	TorrentURL string `json:"torrentUrl,omitempty"` // file-based swarm join
	FileURL    string `json:"fileUrl,omitempty"`    // plain HTTP file
}

// HasResolution reports whether the file carries a concrete video resolution.
func (f RenditionFile) HasResolution() bool { return f.Height > 0 }

// EffectiveBitrate returns Bitrate, or Size/duration when the bitrate is unknown.
func (f RenditionFile) EffectiveBitrate(duration time.Duration) int64 {
	if f.Bitrate > 0 {
		return f.Bitrate
	}
	if f.Size > 0 && duration > 0 {
		return int64(float64(f.Size) / duration.Seconds())
	}
	return 0
}

// RenditionDescriptor is a registry entry shown to quality pickers.
type RenditionDescriptor struct {
	ID       int    `json:"id"`
	Label    string `json:"label"`
	Height   int    `json:"height,omitempty"`
	Width    int    `json:"width,omitempty"`
	Bitrate  int64  `json:"bitrate,omitempty"`
	Selected bool   `json:"selected"`
	OnSelect func() `json:"-"`
}

// ByteRange is an inclusive byte range of a segment inside its file.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r ByteRange) String() string {
	return strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.End, 10)
}

// HeaderValue renders the range as an HTTP Range header value.
func (r ByteRange) HeaderValue() string { return "bytes=" + r.String() }

// SegmentIdentity keys a segment in the integrity manifest.
type SegmentIdentity struct {
	Filename string     `json:"filename"`
	Range    *ByteRange `json:"range,omitempty"`
}

func (s SegmentIdentity) String() string {
	if s.Range == nil {
		return s.Filename
	}
	return s.Filename + "@" + s.Range.String()
}

type Mode string

const (
	ModePeerSwarm  Mode = "peer-swarm"
	ModeStreamed   Mode = "streamed-manifest"
	ModeDirectHTTP Mode = "direct-http"
)

// rank orders modes along the one-way fallback path.
func (m Mode) rank() int {
	switch m {
	case ModeDirectHTTP:
		return 2
	case ModePeerSwarm, ModeStreamed:
		return 1
	default:
		return 0
	}
}

// CanMoveTo reports whether a transition from m to next keeps moving toward direct-http.
func (m Mode) CanMoveTo(next Mode) bool {
	if m == "" {
		return true
	}
	if m == ModeDirectHTTP {
		return false
	}
	return next == m || next.rank() > m.rank()
}

type EngineState struct {
	Mode               Mode `json:"mode"`
	AutoRendition      bool `json:"autoRendition"`
	AutoPossible       bool `json:"autoPossible"`
	CurrentRenditionID int  `json:"currentRenditionId"`
	Observing          bool `json:"isObservingAfterSwitch"`
}

type Transport string

const (
	TransportSwarm    Transport = "webtorrent"
	TransportSegments Transport = "p2p-media-loader"
	TransportHTTP     Transport = "http"
)

// NetworkInfo is the periodic telemetry payload.
type NetworkInfo struct {
	Transport         Transport `json:"source"`
	HTTPDownBytes     int64     `json:"httpDownloaded"`
	HTTPDownSpeed     int64     `json:"httpDownloadSpeed"`
	P2PDownBytes      int64     `json:"p2pDownloaded"`
	P2PUpBytes        int64     `json:"p2pUploaded"`
	P2PDownSpeed      int64     `json:"p2pDownloadSpeed"`
	P2PUpSpeed        int64     `json:"p2pUploadSpeed"`
	Peers             int       `json:"numPeers"`
	BandwidthEstimate int64     `json:"bandwidthEstimate"`
	// LiveLatencyMs is how far playback trails the live edge. Zero outside live segment sessions.
	LiveLatencyMs int64 `json:"liveLatencyMs"`
}

// Environment carries runtime capabilities and host policy.
type Environment struct {
	P2PSupported      bool `json:"p2pSupported"`
	SegmentsSupported bool `json:"segmentsSupported"`
	RefuseP2P         bool `json:"refuseP2P"`
	Cellular          bool `json:"cellular"`
}

// Source is the input manifest supplied by the host for one video.
type Source struct {
	VideoID         string          `json:"videoId"`
	Files           []RenditionFile `json:"files"`
	DurationSec     float64         `json:"duration"`
	IsLive          bool            `json:"isLive"`
	PlaylistURL     string          `json:"playlistUrl,omitempty"`
	SegmentsHashURL string          `json:"segmentsSha256Url,omitempty"`
	MirrorBaseURLs  []string        `json:"redundancyBaseUrls,omitempty"`
	TrackerURLs     []string        `json:"trackerUrls,omitempty"`
	StartTimeSec    float64         `json:"startTime,omitempty"`
	Autoplay        bool            `json:"autoplay,omitempty"`
}

func (s Source) Duration() time.Duration {
	return time.Duration(s.DurationSec * float64(time.Second))
}

func (s Source) StartTime() time.Duration {
	return time.Duration(s.StartTimeSec * float64(time.Second))
}
