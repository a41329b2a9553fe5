package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"swarmplay/pkg/types"
)

// Manifest maps segment filenames to a hex digest, or to "start-end" -> hex digest.
type Manifest struct {
	whole  map[string]string
	ranged map[string]map[string]string
}

func ParseManifest(b []byte) (Manifest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Manifest{}, fmt.Errorf("parse integrity manifest: %w", err)
	}
	m := Manifest{whole: make(map[string]string), ranged: make(map[string]map[string]string)}
	for name, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			m.whole[name] = strings.ToLower(s)
			continue
		}
		var byRange map[string]string
		if err := json.Unmarshal(v, &byRange); err != nil {
			return Manifest{}, fmt.Errorf("integrity manifest entry %q: %w", name, err)
		}
		for k, h := range byRange {
			byRange[k] = strings.ToLower(h)
		}
		m.ranged[name] = byRange
	}
	return m, nil
}

// Lookup returns the expected digest for seg.
func (m Manifest) Lookup(seg types.SegmentIdentity) (string, bool) {
	if h, ok := m.whole[seg.Filename]; ok {
		return h, true
	}
	byRange, ok := m.ranged[seg.Filename]
	if !ok || seg.Range == nil {
		return "", false
	}
	h, ok := byRange[seg.Range.String()]
	return h, ok
}

func (m Manifest) Len() int { return len(m.whole) + len(m.ranged) }

// ParseRange reads a "bytes=start-end" marker (the "bytes=" prefix is optional).
func ParseRange(s string) (*types.ByteRange, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "bytes=")
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return nil, fmt.Errorf("invalid byte range %q", s)
	}
	start, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid byte range start %q: %w", a, err)
	}
	end, err := strconv.ParseInt(b, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid byte range end %q: %w", b, err)
	}
	if end < start {
		return nil, fmt.Errorf("invalid byte range %q", s)
	}
	return &types.ByteRange{Start: start, End: end}, nil
}

// Digest is the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
