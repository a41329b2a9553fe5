package logx

import (
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Writer filters and de-duplicates log lines before they reach dst.
//   - allow (optional): only lines matching it pass
//   - deny (optional): lines matching it are dropped
//   - window: identical lines seen within this window are dropped
//
// Swarm warnings repeat per peer, so the dedup table is swept every window to stay bounded.
type Writer struct {
	dst         io.Writer
	allow, deny *regexp.Regexp
	window      time.Duration
	now         func() time.Time

	mu        sync.Mutex
	lastSeen  map[string]time.Time
	lastSweep time.Time

	dropped atomic.Int64
}

func New(dst io.Writer, window time.Duration, allowPattern, denyPattern string) *Writer {
	return &Writer{
		dst:      dst,
		allow:    compileOptional(allowPattern),
		deny:     compileOptional(denyPattern),
		window:   window,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// invalid patterns are ignored rather than failing startup
func compileOptional(p string) *regexp.Regexp {
	if strings.TrimSpace(p) == "" {
		return nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil
	}
	return re
}

func (w *Writer) Write(p []byte) (int, error) {
	line := string(p)

	if w.deny != nil && w.deny.MatchString(line) {
		w.dropped.Add(1)
		return len(p), nil
	}
	if w.allow != nil && !w.allow.MatchString(line) {
		w.dropped.Add(1)
		return len(p), nil
	}

	if w.window > 0 && w.seenRecently(strings.TrimRight(line, "\r\n")) {
		w.dropped.Add(1)
		return len(p), nil
	}
	return w.dst.Write(p)
}

func (w *Writer) seenRecently(key string) bool {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.lastSweep) >= w.window {
		for k, at := range w.lastSeen {
			if now.Sub(at) >= w.window {
				delete(w.lastSeen, k)
			}
		}
		w.lastSweep = now
	}

	if last, ok := w.lastSeen[key]; ok && now.Sub(last) < w.window {
		return true
	}
	w.lastSeen[key] = now
	return false
}

// Dropped returns how many lines were filtered out so far.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Tracked returns the size of the dedup table.
func (w *Writer) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lastSeen)
}
