package engine

import (
	"sync"
	"time"

	"swarmplay/pkg/types"
)

type EventKind string

const (
	EventMode        EventKind = "mode"
	EventRendition   EventKind = "rendition"
	EventRemoved     EventKind = "rendition-removed"
	EventAuto        EventKind = "auto-rendition"
	EventNetworkInfo EventKind = "network-info"
	EventError       EventKind = "error"
	EventFatal       EventKind = "fatal"
)

// Event is one entry of the engine's ordered event stream.
type Event struct {
	Session   string               `json:"session"`
	Seq       uint64               `json:"seq"`
	At        time.Time            `json:"at"`
	Kind      EventKind            `json:"kind"`
	Mode      types.Mode           `json:"mode,omitempty"`
	Rendition *types.RenditionFile `json:"rendition,omitempty"`
	ID        int                  `json:"id,omitempty"`
	Info      *types.NetworkInfo   `json:"info,omitempty"`
	Error     string               `json:"error,omitempty"`
	State     types.EngineState    `json:"state"`
}

const maxLogEvents = 512

// eventLog keeps the most recent events for replay and fans them out to subscribers.
type eventLog struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
	subs   map[int]func(Event)
	nextID int
	pubMu  sync.Mutex // keeps delivery in sequence order
}

func newEventLog() *eventLog {
	return &eventLog{subs: make(map[int]func(Event))}
}

func (l *eventLog) publish(ev Event) Event {
	l.pubMu.Lock()
	defer l.pubMu.Unlock()

	l.mu.Lock()
	l.seq++
	ev.Seq = l.seq
	l.events = append(l.events, ev)
	if len(l.events) > maxLogEvents {
		l.events = append([]Event(nil), l.events[len(l.events)-maxLogEvents:]...)
	}
	subs := make([]func(Event), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return ev
}

func (l *eventLog) subscribe(fn func(Event)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// since returns the retained events with Seq > seq, oldest first.
func (l *eventLog) since(seq uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
