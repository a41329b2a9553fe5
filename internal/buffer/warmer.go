// Package buffer pre-reads swarm files so peers start exchanging pieces before playback needs them.
package buffer

import (
	"context"
	"io"
	"sync"
	"time"

	"swarmplay/internal/media"
)

const (
	minNeed    = 256 << 10
	maxChunk   = 16 << 20
	readWindow = 5 * time.Second
)

// Contiguous is implemented by files that know how many verified bytes follow an offset.
type Contiguous interface {
	ContiguousAhead(from int64) int64
}

type readahead interface {
	SetReadahead(int64)
}

type responsive interface {
	SetResponsive()
}

// Warmer is the hidden prefetch sink: it keeps a reader positioned at an offset and pulls
// target bytes through it, without rendering anything.
type Warmer struct {
	f      media.File
	target int64

	mu         sync.Mutex
	offset     int64
	rollingBps int64
	warmed     int64
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewWarmer(f media.File, target int64) *Warmer {
	if target <= 0 {
		target = 4 << 20
	}
	return &Warmer{f: f, target: target}
}

// Start begins warming at offset. Calling Start on a running warmer only moves the offset.
func (w *Warmer) Start(offset int64) {
	w.mu.Lock()
	w.offset = clamp(offset, w.f.Length())
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.loop(ctx)
	}()
}

func (w *Warmer) loop(ctx context.Context) {
	rd := w.f.NewReader()
	defer rd.Close()

	for {
		w.mu.Lock()
		pos := w.offset
		target := w.target
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, err := rd.Seek(pos, io.SeekStart); err != nil {
			if !wait(ctx, 300*time.Millisecond) {
				return
			}
			continue
		}
		if r, ok := rd.(responsive); ok {
			r.SetResponsive()
		}
		if r, ok := rd.(readahead); ok {
			r.SetReadahead(target)
		}

		end := pos + target
		if l := w.f.Length(); end > l {
			end = l
		}
		need := end - pos
		if c, ok := w.f.(Contiguous); ok {
			need -= c.ContiguousAhead(pos)
		}
		if need <= minNeed {
			if !wait(ctx, 750*time.Millisecond) {
				return
			}
			continue
		}
		if need > maxChunk {
			need = maxChunk
		}

		start := time.Now()
		got := Prebuffer(ctx, rd, need, readWindow)
		w.updateThroughput(got, time.Since(start))

		w.mu.Lock()
		w.warmed += got
		w.offset = clamp(pos+got, w.f.Length())
		w.mu.Unlock()

		if !wait(ctx, 150*time.Millisecond) {
			return
		}
	}
}

// Stop cancels warming and waits for the reader to close.
func (w *Warmer) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Warmed returns how many bytes were pulled so far.
func (w *Warmer) Warmed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.warmed
}

// Throughput is a rolling bytes/sec figure of the prefetch reads.
func (w *Warmer) Throughput() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rollingBps
}

func (w *Warmer) updateThroughput(bytes int64, elapsed time.Duration) {
	if elapsed <= 0 || bytes <= 0 {
		return
	}
	obs := int64(float64(bytes) / elapsed.Seconds())
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rollingBps == 0 {
		w.rollingBps = obs
		return
	}
	w.rollingBps = (w.rollingBps*7 + obs*3) / 10
}

// Prebuffer reads up to want bytes from r within timeout and returns how many it got.
func Prebuffer(ctx context.Context, r io.Reader, want int64, timeout time.Duration) int64 {
	if want <= 0 {
		return 0
	}
	if rr, ok := r.(responsive); ok {
		rr.SetResponsive()
	}
	buf := make([]byte, 256<<10)
	var done int64
	deadline := time.Now().Add(timeout)
	for done < want && time.Now().Before(deadline) && ctx.Err() == nil {
		toRead := len(buf)
		if rem := want - done; rem < int64(toRead) {
			toRead = int(rem)
		}
		n, err := r.Read(buf[:toRead])
		if n > 0 {
			done += int64(n)
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil && !wait(ctx, 200*time.Millisecond) {
			break
		}
	}
	return done
}

func wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func clamp(off, length int64) int64 {
	if off < 0 {
		return 0
	}
	if length > 0 && off > length {
		return length
	}
	return off
}
