package engine

import (
	"log"
	"net/url"
	"sort"

	"swarmplay/internal/media"
	"swarmplay/internal/sched"
	"swarmplay/pkg/types"
)

// fallback discards the transport and points the element at plain HTTP.
// direct-http is terminal: automatic renditions and peer transports stay off for the session.
func (e *Engine) fallback(reason error) {
	e.mu.Lock()
	if e.disposed || e.inFallback || e.state.Mode == types.ModeDirectHTTP {
		e.mu.Unlock()
		return
	}
	e.inFallback = true
	from := e.state.Mode
	d := e.driver
	e.driver = nil
	for _, t := range []sched.Timer{e.tickTimer, e.infoTimer, e.observation} {
		if t != nil {
			t.Stop()
		}
	}
	e.tickTimer, e.infoTimer, e.observation = nil, nil, nil
	cur, hasCur := findFile(e.files, e.state.CurrentRenditionID)
	if !hasCur {
		cur, hasCur = findFile(e.src.Files, e.state.CurrentRenditionID)
	}
	src := e.src
	pos, paused := e.position, e.paused
	e.mu.Unlock()

	log.Printf("[fallback] %s -> direct-http: %v", orNone(from), reason)
	if d != nil {
		d.Dispose()
	}
	e.reg.DisableAuto()

	file, target := fallbackTarget(src, cur, hasCur)

	e.mu.Lock()
	e.state.Mode = types.ModeDirectHTTP
	e.state.AutoRendition = false
	e.state.AutoPossible = false
	e.state.Observing = false
	if file != nil {
		e.state.CurrentRenditionID = file.ID
	}
	e.fatalArmed = true
	e.inFallback = false
	e.mu.Unlock()

	ev := Event{Kind: EventMode, Mode: types.ModeDirectHTTP}
	if reason != nil {
		ev.Error = reason.Error()
	}
	e.emit(ev)

	if target == "" {
		log.Printf("[fallback] no http location for video %s", src.VideoID)
		e.ReportMediaError(types.ErrUnsupportedEnvironment)
		return
	}
	if err := e.el.SetURL(e.cfg.Auth.Sign(target), media.RenderOptions{SeekTo: pos, Play: !paused}); err != nil {
		e.ReportMediaError(err)
	}
}

// fallbackTarget is the current file's HTTP URL, else the best file that has one,
// else the playlist with the file token reinjected.
func fallbackTarget(src types.Source, cur types.RenditionFile, hasCur bool) (*types.RenditionFile, string) {
	if hasCur && cur.FileURL != "" {
		return &cur, cur.FileURL
	}
	withURL := make([]types.RenditionFile, 0, len(src.Files))
	for _, f := range src.Files {
		if f.FileURL != "" {
			withURL = append(withURL, f)
		}
	}
	if len(withURL) > 0 {
		sort.SliceStable(withURL, func(i, j int) bool { return withURL[i].Height > withURL[j].Height })
		best := withURL[0]
		return &best, best.FileURL
	}
	if src.PlaylistURL != "" {
		return nil, reinjectToken(src.PlaylistURL)
	}
	return nil, ""
}

func reinjectToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("reinjectVideoFileToken", "true")
	u.RawQuery = q.Encode()
	return u.String()
}

// ReportMediaError is the host's report that the element failed.
// On a peer transport it triggers the fallback; after the fallback the first report is fatal.
func (e *Engine) ReportMediaError(err error) {
	e.mu.Lock()
	mode := e.state.Mode
	armed := e.fatalArmed
	if mode == types.ModeDirectHTTP {
		e.fatalArmed = false
	}
	e.mu.Unlock()

	if mode != types.ModeDirectHTTP {
		e.fallback(err)
		return
	}
	if !armed {
		log.Printf("[fallback] media error after fatal: %v", err)
		return
	}
	log.Printf("[fallback] fatal: %v", err)
	e.emit(Event{Kind: EventFatal, Error: err.Error()})
}

func orNone(m types.Mode) string {
	if m == "" {
		return "none"
	}
	return string(m)
}
