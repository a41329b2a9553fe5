// Package rendition holds the selectable quality variants of the current video.
package rendition

import (
	"sort"
	"strconv"
	"sync"

	"swarmplay/pkg/types"
)

type ChangeKind string

const (
	ChangePopulated ChangeKind = "populated"
	ChangeSelected  ChangeKind = "selected"
	ChangeRemoved   ChangeKind = "removed"
	ChangeAutoOff   ChangeKind = "auto-disabled"
)

// Change is delivered to listeners after every mutation.
type Change struct {
	Kind         ChangeKind
	ID           int
	AutoChosenID int
	ByEngine     bool
	Descriptors  []types.RenditionDescriptor
}

// Registry is the single source of truth for "which quality is active".
// Invariant once populated: non-empty, sorted by descending height, Auto last, exactly one selected.
type Registry struct {
	mu           sync.Mutex
	descs        []types.RenditionDescriptor
	autoChosenID int
	autoDisabled bool

	listeners map[int]func(Change)
	nextID    int
}

func New() *Registry {
	return &Registry{autoChosenID: types.AutoRenditionID, listeners: make(map[int]func(Change))}
}

// Label builds the display label of a rendition.
func Label(f types.RenditionFile) string {
	if f.Label != "" {
		return f.Label
	}
	if f.Height == 0 {
		return "Audio only"
	}
	l := strconv.Itoa(f.Height) + "p"
	if f.FPS >= 50 {
		l += strconv.Itoa(f.FPS)
	}
	return l
}

// Populate replaces the descriptors with one per file plus Auto. onSelect receives the
// descriptor id whenever a user-facing selection fires its callback.
func (r *Registry) Populate(files []types.RenditionFile, onSelect func(id int)) {
	descs := make([]types.RenditionDescriptor, 0, len(files)+1)
	for _, f := range files {
		id := f.ID
		d := types.RenditionDescriptor{ID: id, Label: Label(f), Height: f.Height, Width: f.Width, Bitrate: f.Bitrate}
		if onSelect != nil {
			d.OnSelect = func() { onSelect(id) }
		}
		descs = append(descs, d)
	}
	sort.SliceStable(descs, func(i, j int) bool { return descs[i].Height > descs[j].Height })

	auto := types.RenditionDescriptor{ID: types.AutoRenditionID, Label: "Auto", Selected: true}
	if onSelect != nil {
		auto.OnSelect = func() { onSelect(types.AutoRenditionID) }
	}
	descs = append(descs, auto)

	r.mu.Lock()
	r.descs = descs
	r.autoChosenID = types.AutoRenditionID
	r.autoDisabled = false
	ch, fns := r.changeLocked(ChangePopulated, types.AutoRenditionID, true)
	r.mu.Unlock()

	r.notify(ch, fns)
}

// Select marks id as selected. autoChosenID is the concrete rendition Auto resolved to
// (types.AutoRenditionID when unknown). With fireCallback the descriptor's OnSelect runs.
func (r *Registry) Select(id, autoChosenID int, fireCallback bool) bool {
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	cur := r.selectedLocked()
	if cur == id && r.autoChosenID == autoChosenID {
		r.mu.Unlock()
		return false
	}
	for i := range r.descs {
		r.descs[i].Selected = i == idx
	}
	r.autoChosenID = autoChosenID
	cb := r.descs[idx].OnSelect
	ch, fns := r.changeLocked(ChangeSelected, id, !fireCallback)
	r.mu.Unlock()

	if fireCallback && cb != nil {
		cb()
	}
	r.notify(ch, fns)
	return true
}

// Remove excises a descriptor. Removing the selected one moves the selection to Auto,
// or to the highest remaining rendition when Auto is disabled.
func (r *Registry) Remove(id int) bool {
	if id == types.AutoRenditionID {
		return false
	}
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	wasSelected := r.descs[idx].Selected
	r.descs = append(r.descs[:idx], r.descs[idx+1:]...)
	if wasSelected && len(r.descs) > 0 {
		if a := r.indexLocked(types.AutoRenditionID); a >= 0 {
			r.descs[a].Selected = true
		} else {
			r.descs[0].Selected = true
		}
	}
	if r.autoChosenID == id {
		r.autoChosenID = types.AutoRenditionID
	}
	ch, fns := r.changeLocked(ChangeRemoved, id, true)
	r.mu.Unlock()

	r.notify(ch, fns)
	return true
}

// DisableAuto drops the Auto entry, used once automatic switching can never resume.
func (r *Registry) DisableAuto() {
	r.mu.Lock()
	if r.autoDisabled {
		r.mu.Unlock()
		return
	}
	r.autoDisabled = true
	idx := r.indexLocked(types.AutoRenditionID)
	if idx >= 0 {
		wasSelected := r.descs[idx].Selected
		r.descs = append(r.descs[:idx], r.descs[idx+1:]...)
		if wasSelected && len(r.descs) > 0 {
			sel := 0
			if j := r.indexLocked(r.autoChosenID); j >= 0 {
				sel = j
			}
			r.descs[sel].Selected = true
		}
	}
	ch, fns := r.changeLocked(ChangeAutoOff, r.selectedLocked(), true)
	r.mu.Unlock()

	r.notify(ch, fns)
}

func (r *Registry) AutoDisabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.autoDisabled
}

// Descriptors returns a snapshot copy.
func (r *Registry) Descriptors() []types.RenditionDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Selected returns the selected descriptor id, or types.AutoRenditionID when empty.
func (r *Registry) Selected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectedLocked()
}

// AutoChosen returns the concrete rendition Auto last resolved to.
func (r *Registry) AutoChosen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.autoChosenID
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.descs)
}

// Subscribe registers fn for change events; the returned func unregisters it.
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registry) indexLocked(id int) int {
	for i, d := range r.descs {
		if d.ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) selectedLocked() int {
	for _, d := range r.descs {
		if d.Selected {
			return d.ID
		}
	}
	return types.AutoRenditionID
}

func (r *Registry) snapshotLocked() []types.RenditionDescriptor {
	out := make([]types.RenditionDescriptor, len(r.descs))
	copy(out, r.descs)
	return out
}

func (r *Registry) changeLocked(kind ChangeKind, id int, byEngine bool) (Change, []func(Change)) {
	ch := Change{Kind: kind, ID: id, AutoChosenID: r.autoChosenID, ByEngine: byEngine, Descriptors: r.snapshotLocked()}
	ids := make([]int, 0, len(r.listeners))
	for k := range r.listeners {
		ids = append(ids, k)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, k := range ids {
		fns = append(fns, r.listeners[k])
	}
	return ch, fns
}

func (r *Registry) notify(ch Change, fns []func(Change)) {
	for _, fn := range fns {
		fn(ch)
	}
}
