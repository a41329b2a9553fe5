package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"swarmplay/internal/engine"
	"swarmplay/internal/media"
	"swarmplay/internal/metrics"
	"swarmplay/internal/middleware"
	"swarmplay/internal/torrentx"
	"swarmplay/pkg/types"
)

// Server exposes one engine and its output over HTTP.
type Server struct {
	eng      *engine.Engine
	out      *Output
	tel      *metrics.Telemetry
	waitPlay time.Duration
	ping     time.Duration
	started  time.Time
}

type Options struct {
	// WaitPlayable bounds how long /stream waits for the engine to render something.
	WaitPlayable time.Duration
	// KeepAlive is the SSE comment interval on /v1/events.
	KeepAlive time.Duration
}

func NewServer(eng *engine.Engine, out *Output, tel *metrics.Telemetry, opts Options) *Server {
	if opts.WaitPlayable <= 0 {
		opts.WaitPlayable = 30 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	return &Server{eng: eng, out: out, tel: tel, waitPlay: opts.WaitPlayable, ping: opts.KeepAlive, started: time.Now()}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover)
	r.Use(middleware.Logger)
	r.Use(middleware.CORS)

	r.Get("/stream", s.handleStream)
	r.Head("/stream", s.handleStream)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/rendition", s.handleRendition)
		r.Post("/player/state", s.handlePlayerState)
		r.Post("/player/error", s.handlePlayerError)
		r.Get("/state", s.handleState)
		r.Get("/renditions", s.handleRenditions)
		r.Get("/events", s.handleEvents)
	})
	if s.tel != nil {
		r.Method(http.MethodGet, "/metrics", s.tel.Handler(nil))
	}
	return r
}

// ===== /stream =====

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	deadline := time.Now().Add(s.waitPlay)
	snap := s.out.snapshot()
	for snap.kind == outputNone {
		left := time.Until(deadline)
		if left <= 0 {
			http.Error(w, "nothing playable yet", http.StatusServiceUnavailable)
			return
		}
		if !waitFor(r.Context().Done(), snap.changed, left) {
			return
		}
		snap = s.out.snapshot()
	}

	switch snap.kind {
	case outputURL:
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, snap.url, http.StatusFound)
	case outputFile:
		s.serveFile(w, r, snap.file)
	case outputSegments:
		s.serveSegments(w, r, snap.gen)
	}
}

type tunableReader interface {
	SetResponsive()
	SetReadahead(int64)
}

const streamReadahead = 8 << 20

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, f media.File) {
	rd := f.NewReader()
	defer rd.Close()
	if tr, ok := rd.(tunableReader); ok {
		tr.SetResponsive()
		tr.SetReadahead(streamReadahead)
	}

	name := f.Name()
	w.Header().Set("Content-Type", torrentx.ContentTypeForName(name))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(name)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-File-Name", filepath.Base(name))
	log.Printf("[stream] file %q size=%d range=%q", name, f.Length(), r.Header.Get("Range"))

	http.ServeContent(w, r, filepath.Base(name), time.Time{}, rd)
}

func segmentContentType(seg media.Segment) string {
	p := seg.URL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if strings.EqualFold(path.Ext(p), ".ts") {
		return "video/mp2t"
	}
	if ct := torrentx.ContentTypeForName(p); ct != "application/octet-stream" {
		return ct
	}
	return "video/mp4"
}

func (s *Server) serveSegments(w http.ResponseWriter, r *http.Request, gen uint64) {
	rc := http.NewResponseController(w)
	var last uint64
	wroteHeader := false
	for {
		segs, n, changed, ok := s.out.segmentsAfter(last, gen)
		if !ok {
			if !wroteHeader {
				http.Error(w, "stream restarted", http.StatusServiceUnavailable)
			}
			return
		}
		last = n
		for _, seg := range segs {
			if !wroteHeader {
				w.Header().Set("Content-Type", segmentContentType(seg))
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusOK)
				wroteHeader = true
				if r.Method == http.MethodHead {
					return
				}
			}
			if _, err := w.Write(seg.Data); err != nil {
				if !torrentx.ClientGone(err) {
					log.Printf("[stream] segment write: %v", err)
				}
				return
			}
		}
		if len(segs) > 0 {
			_ = rc.Flush()
		}
		if !waitFor(r.Context().Done(), changed, s.ping) {
			return
		}
	}
}

// ===== /v1 =====

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRendition(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID *int `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ID == nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.eng.ChangeRendition(*in.ID); err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownRendition):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, engine.ErrAutoUnavailable), errors.Is(err, engine.ErrNotLoaded), errors.Is(err, engine.ErrLoading):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, s.eng.State())
}

// playerState carries host signals. Absent fields leave the engine's view unchanged.
type playerState struct {
	Waiting     *bool    `json:"waiting"`
	Width       *int     `json:"width"`
	Height      *int     `json:"height"`
	PositionSec *float64 `json:"positionSec"`
	Paused      *bool    `json:"paused"`
	Playing     *bool    `json:"playing"`
	RefuseP2P   *bool    `json:"refuseP2P"`
}

func (s *Server) handlePlayerState(w http.ResponseWriter, r *http.Request) {
	var in playerState
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if in.PositionSec != nil {
		if *in.PositionSec < 0 {
			http.Error(w, "positionSec must be >= 0", http.StatusBadRequest)
			return
		}
		s.eng.SetPosition(time.Duration(*in.PositionSec * float64(time.Second)))
	}
	if in.Waiting != nil {
		s.eng.SetWaiting(*in.Waiting)
	}
	if in.Width != nil || in.Height != nil {
		var width, height int
		if in.Width != nil {
			width = *in.Width
		}
		if in.Height != nil {
			height = *in.Height
		}
		s.eng.SetViewport(width, height)
	}
	if in.Paused != nil {
		s.eng.SetPaused(*in.Paused)
	}
	if in.RefuseP2P != nil {
		s.eng.SetRefuseP2P(*in.RefuseP2P)
	}
	if in.Playing != nil && *in.Playing {
		s.eng.NotifyPlaying()
	}
	writeJSON(w, http.StatusOK, s.eng.State())
}

func (s *Server) handlePlayerError(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Message string `json:"message"`
	}
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if len(body) > 0 {
		if err := json.Unmarshal(body, &in); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
	}
	if in.Message == "" {
		in.Message = "media element error"
	}
	s.eng.ReportMediaError(errors.New(in.Message))
	writeJSON(w, http.StatusOK, s.eng.State())
}

type stateResp struct {
	Session       string                `json:"session"`
	UptimeSeconds int64                 `json:"uptimeSeconds"`
	VideoID       string                `json:"videoId,omitempty"`
	Loaded        bool                  `json:"loaded"`
	State         types.EngineState     `json:"state"`
	Files         []types.RenditionFile `json:"files"`
	Recoveries    int                   `json:"recoveries"`
	CodecSwaps    int                   `json:"codecSwaps"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	src, loaded := s.eng.Source()
	recovers, swaps := s.out.Counters()
	writeJSON(w, http.StatusOK, stateResp{
		Session:       s.eng.Session(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		VideoID:       src.VideoID,
		Loaded:        loaded,
		State:         s.eng.State(),
		Files:         s.eng.Files(),
		Recoveries:    recovers,
		CodecSwaps:    swaps,
	})
}

func (s *Server) handleRenditions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Registry().Descriptors())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "since must be an event sequence number", http.StatusBadRequest)
			return
		}
		since = n
	}
	if !wantsSSE(r) {
		evs := s.eng.Events(since)
		if evs == nil {
			evs = []engine.Event{}
		}
		writeJSON(w, http.StatusOK, evs)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	live := make(chan engine.Event, 64)
	unsubscribe := s.eng.Subscribe(func(ev engine.Event) {
		select {
		case live <- ev:
		default:
			log.Printf("[events] subscriber slow, dropped seq=%d", ev.Seq)
		}
	})
	defer unsubscribe()

	_, _ = io.WriteString(w, "retry: 2000\n\n")
	rc := http.NewResponseController(w)
	last := since
	write := func(ev engine.Event) bool {
		if ev.Seq <= last {
			return true
		}
		last = ev.Seq
		b, _ := json.Marshal(ev)
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, b); err != nil {
			return false
		}
		_ = rc.Flush()
		return true
	}
	for _, ev := range s.eng.Events(since) {
		if !write(ev) {
			return
		}
	}
	_ = rc.Flush()

	ping := time.NewTicker(s.ping)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-live:
			if !write(ev) {
				return
			}
		case <-ping.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			_ = rc.Flush()
		}
	}
}

func wantsSSE(r *http.Request) bool {
	if strings.EqualFold(r.URL.Query().Get("sse"), "1") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream")
}
