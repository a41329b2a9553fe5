package segstream

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"swarmplay/pkg/types"
)

// level is one variant stream of the master playlist.
type level struct {
	file    types.RenditionFile
	uri     string
	removed bool
	pl      *m3u8.MediaPlaylist
	stale   bool
}

// parsePlaylist decodes body fetched from base. A media playlist yields a single level.
func parsePlaylist(base string, body []byte) ([]*level, *m3u8.MediaPlaylist, error) {
	p, lt, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, nil, fmt.Errorf("parse playlist %s: %w", base, err)
	}
	switch lt {
	case m3u8.MASTER:
		master := p.(*m3u8.MasterPlaylist)
		var out []*level
		for _, v := range master.Variants {
			if v == nil || v.Iframe {
				continue
			}
			w, h := parseResolution(v.Resolution)
			out = append(out, &level{
				uri: resolve(base, v.URI),
				file: types.RenditionFile{
					ID:      len(out),
					Height:  h,
					Width:   w,
					Bitrate: int64(v.Bandwidth) / 8,
					FPS:     int(math.Round(v.FrameRate)),
					Locator: resolve(base, v.URI),
				},
			})
		}
		if len(out) == 0 {
			return nil, nil, fmt.Errorf("playlist %s has no variants", base)
		}
		return out, nil, nil
	case m3u8.MEDIA:
		mp := p.(*m3u8.MediaPlaylist)
		return []*level{{uri: base, file: types.RenditionFile{ID: 0, Locator: base}, pl: mp}}, mp, nil
	}
	return nil, nil, fmt.Errorf("playlist %s: unknown type", base)
}

func decodeMedia(base string, body []byte) (*m3u8.MediaPlaylist, error) {
	p, lt, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, fmt.Errorf("parse media playlist %s: %w", base, err)
	}
	if lt != m3u8.MEDIA {
		return nil, fmt.Errorf("%s is not a media playlist", base)
	}
	return p.(*m3u8.MediaPlaylist), nil
}

// "1280x720" -> 1280, 720
func parseResolution(s string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0
	}
	wi, _ := strconv.Atoi(w)
	hi, _ := strconv.Atoi(h)
	return wi, hi
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// segments returns the non-nil segments of pl; the decoder leaves spare capacity as nils.
func segments(pl *m3u8.MediaPlaylist) []*m3u8.MediaSegment {
	out := make([]*m3u8.MediaSegment, 0, pl.Count())
	for _, s := range pl.Segments {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

func byteRange(limit, offset int64) *types.ByteRange {
	if limit <= 0 {
		return nil
	}
	return &types.ByteRange{Start: offset, End: offset + limit - 1}
}
