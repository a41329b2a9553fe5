// Package mediatest provides a recording media.Element for tests.
package mediatest

import (
	"errors"
	"sync"

	"swarmplay/internal/media"
)

type Call struct {
	Op   string // render|segment|url|recover|swap|reset
	Name string
	URL  string
	Seq  uint64
	Opts media.RenderOptions
}

// Recorder records every call. AppendErrs are returned, in order, by AppendSegment.
type Recorder struct {
	mu         sync.Mutex
	calls      []Call
	segments   []media.Segment
	appendErrs []error
}

func NewRecorder() *Recorder { return &Recorder{} }

var ErrDecode = errors.New("decode failed")

// FailAppends queues errors for the next AppendSegment calls.
func (r *Recorder) FailAppends(errs ...error) {
	r.mu.Lock()
	r.appendErrs = append(r.appendErrs, errs...)
	r.mu.Unlock()
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *Recorder) RenderFile(f media.File, opts media.RenderOptions) error {
	r.record(Call{Op: "render", Name: f.Name(), Opts: opts})
	return nil
}

func (r *Recorder) AppendSegment(seg media.Segment) error {
	r.mu.Lock()
	var err error
	if len(r.appendErrs) > 0 {
		err, r.appendErrs = r.appendErrs[0], r.appendErrs[1:]
	}
	if err == nil {
		r.segments = append(r.segments, seg)
	}
	r.mu.Unlock()
	r.record(Call{Op: "segment", URL: seg.URL, Seq: seg.Seq})
	return err
}

func (r *Recorder) SetURL(url string, opts media.RenderOptions) error {
	r.record(Call{Op: "url", URL: url, Opts: opts})
	return nil
}

func (r *Recorder) RecoverMediaError() { r.record(Call{Op: "recover"}) }
func (r *Recorder) SwapAudioCodec()    { r.record(Call{Op: "swap"}) }
func (r *Recorder) Reset()             { r.record(Call{Op: "reset"}) }

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Ops returns the Op of every call, in order.
func (r *Recorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.Op)
	}
	return out
}

// Last returns the most recent call with the given op.
func (r *Recorder) Last(op string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].Op == op {
			return r.calls[i], true
		}
	}
	return Call{}, false
}

func (r *Recorder) Segments() []media.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]media.Segment(nil), r.segments...)
}

// Count returns how many calls with op were recorded.
func (r *Recorder) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}
