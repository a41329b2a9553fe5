// Package media defines what transport drivers render into.
package media

import (
	"io"
	"time"

	"swarmplay/pkg/types"
)

// File is a progressively available media file (e.g. a swarm file).
type File interface {
	Name() string
	Length() int64
	NewReader() io.ReadSeekCloser
}

// Segment is one validated chunk of a segmented stream.
type Segment struct {
	Level    int
	Seq      uint64
	URL      string
	Duration time.Duration
	Data     []byte
	Init     bool // initialization section (EXT-X-MAP)
}

type RenderOptions struct {
	SeekTo time.Duration
	Play   bool
}

// Element is the media sink: a player, an HTTP output, or a recorder in tests.
type Element interface {
	RenderFile(f File, opts RenderOptions) error
	AppendSegment(seg Segment) error
	SetURL(url string, opts RenderOptions) error
	RecoverMediaError()
	SwapAudioCodec()
	Reset()
}

// ActivateOptions tune a rendition activation.
type ActivateOptions struct {
	SeekTo    time.Duration
	ForcePlay bool
	Delay     time.Duration // prefetch window before the visible swap; 0 swaps immediately
}

type ByteSource string

const (
	FromP2P  ByteSource = "p2p"
	FromHTTP ByteSource = "http"
)

// ByteEvent reports bytes moved since the previous event of the same source.
type ByteEvent struct {
	Source ByteSource
	Down   int64
	Up     int64
}

// Events are the driver-to-engine callbacks. Nil fields are ignored.
type Events struct {
	// Error reports a problem the host should see; playback continues.
	Error func(err error)
	// Unrecoverable reports that the driver gave up; the engine falls back to HTTP.
	Unrecoverable func(err error)
	// Removed reports a rendition dropped from the registry.
	Removed func(id int)
	// Rendition reports a rendition that became visible.
	Rendition func(f types.RenditionFile)
}

func (e Events) EmitError(err error) {
	if e.Error != nil {
		e.Error(err)
	}
}

func (e Events) EmitUnrecoverable(err error) {
	if e.Unrecoverable != nil {
		e.Unrecoverable(err)
	}
}

func (e Events) EmitRemoved(id int) {
	if e.Removed != nil {
		e.Removed(id)
	}
}

func (e Events) EmitRendition(f types.RenditionFile) {
	if e.Rendition != nil {
		e.Rendition(f)
	}
}
