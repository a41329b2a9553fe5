// Package abr chooses the rendition a bandwidth estimate and viewport can sustain.
package abr

import (
	"sort"
	"time"

	"swarmplay/pkg/types"
)

type Params struct {
	MarginPercent int           // extra headroom required to move to a higher resolution
	Duration      time.Duration // used to derive bitrates from file sizes
}

var DefaultParams = Params{MarginPercent: 30}

// concrete returns the files with a real resolution, ascending by height.
func concrete(files []types.RenditionFile) []types.RenditionFile {
	out := make([]types.RenditionFile, 0, len(files))
	for _, f := range files {
		if f.HasResolution() {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

// viewportCap is the first resolution at or above playerHeight, else the highest one.
// playerHeight <= 0 means the viewport is unknown.
func viewportCap(sorted []types.RenditionFile, playerHeight int) int {
	top := sorted[len(sorted)-1].Height
	if playerHeight <= 0 {
		return top
	}
	for _, f := range sorted {
		if f.Height >= playerHeight {
			return f.Height
		}
	}
	return top
}

// affordable applies the margin only when f is a strictly higher resolution than current.
func affordable(f types.RenditionFile, current *types.RenditionFile, avg int64, p Params) bool {
	scale := int64(100)
	if current != nil && f.Height > current.Height {
		scale += int64(p.MarginPercent)
	}
	return f.EffectiveBitrate(p.Duration)*scale <= avg*100
}

// Pick returns the highest-resolution file that fits both the viewport and avgBandwidth
// (bytes/sec), or the lowest-resolution file when none fits. It reports false only when
// no file has a concrete resolution.
func Pick(files []types.RenditionFile, avgBandwidth int64, playerHeight int, current *types.RenditionFile, p Params) (types.RenditionFile, bool) {
	sorted := concrete(files)
	if len(sorted) == 0 {
		return types.RenditionFile{}, false
	}
	maxRes := viewportCap(sorted, playerHeight)

	var (
		best  types.RenditionFile
		found bool
	)
	for _, f := range sorted {
		if f.Height > maxRes {
			break
		}
		if affordable(f, current, avgBandwidth, p) {
			best, found = f, true
		}
	}
	if !found {
		return sorted[0], true
	}
	return best, true
}

// PickAverage returns the middle concrete rendition, used before any bandwidth is known.
func PickAverage(files []types.RenditionFile) (types.RenditionFile, bool) {
	sorted := concrete(files)
	if len(sorted) == 0 {
		return types.RenditionFile{}, false
	}
	return sorted[len(sorted)/2], true
}

// IsUpgrade reports whether moving from cur to next raises the resolution.
func IsUpgrade(cur, next types.RenditionFile) bool { return next.Height > cur.Height }

func IsDowngrade(cur, next types.RenditionFile) bool { return next.Height < cur.Height }

// Lowest returns the lowest concrete rendition.
func Lowest(files []types.RenditionFile) (types.RenditionFile, bool) {
	sorted := concrete(files)
	if len(sorted) == 0 {
		return types.RenditionFile{}, false
	}
	return sorted[0], true
}
