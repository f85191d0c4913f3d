package client

import (
	"sort"

	"github.com/manpreetbhatti/stratsync/internal/draw"
)

// Handle is a stable slot for one logical drawing. The identifier behind it
// changes (temporary to canonical, or a fresh temporary on redo) but the
// handle does not, so nothing that holds a handle is rewritten on rename.
type Handle uint64

type slotState int

const (
	slotLocal slotState = iota
	slotPending
	slotCanonical
	slotRemoved
	slotDead
)

func (s slotState) String() string {
	switch s {
	case slotLocal:
		return "local"
	case slotPending:
		return "pending"
	case slotCanonical:
		return "canonical"
	case slotRemoved:
		return "removed"
	default:
		return "dead"
	}
}

type slot struct {
	id    string
	state slotState
	// gen increases every time the slot is recreated or a pending create is
	// withdrawn. A store result carrying an older gen is stale.
	gen uint64
	// edit increases with every optimistic update, so a failed update only
	// rolls back if nothing newer replaced it.
	edit uint64
	// queued holds edits made while the create was pending.
	queued []queuedOp
	// inflight counts updates sent to the store and not yet answered. A
	// snapshot cannot confirm such an entry.
	inflight int
}

type queuedOp struct {
	payload draw.Payload
	edit    uint64
}

type entry struct {
	floorID string
	payload draw.Payload
	seq     uint64
}

// Entry is an overlay record as rendered.
type Entry struct {
	Handle  Handle
	ID      string
	FloorID string
	Payload draw.Payload
}

// Overlay holds the records this participant changed locally and has not
// yet seen in an authoritative snapshot. It indexes identifiers to handles;
// entries are keyed by handle.
type Overlay struct {
	slots   map[Handle]*slot
	byID    map[string]Handle
	alias   map[Handle]Handle
	entries map[Handle]*entry
	next    Handle
	seq     uint64
}

func NewOverlay() *Overlay {
	return &Overlay{
		slots:   make(map[Handle]*slot),
		byID:    make(map[string]Handle),
		alias:   make(map[Handle]Handle),
		entries: make(map[Handle]*entry),
	}
}

func (o *Overlay) alloc(id string, state slotState) Handle {
	o.next++
	h := o.next
	o.slots[h] = &slot{id: id, state: state}
	o.byID[id] = h
	return h
}

// Bind returns the handle for id, creating a canonical one if id has not
// been seen.
func (o *Overlay) Bind(id string) Handle {
	if h, ok := o.byID[id]; ok {
		return h
	}
	return o.alloc(id, slotCanonical)
}

func (o *Overlay) Lookup(id string) (Handle, bool) {
	h, ok := o.byID[id]
	return h, ok
}

func (o *Overlay) resolve(h Handle) Handle {
	for {
		next, ok := o.alias[h]
		if !ok {
			return h
		}
		h = next
	}
}

func (o *Overlay) slot(h Handle) *slot {
	return o.slots[o.resolve(h)]
}

// ID is the identifier currently behind h.
func (o *Overlay) ID(h Handle) string {
	if s := o.slot(h); s != nil {
		return s.id
	}
	return ""
}

// Rename points h at id. It is the only step needed to move a record from
// a temporary to a canonical identifier. If id is already bound to another
// handle, that handle becomes an alias of h.
func (o *Overlay) Rename(h Handle, id string) {
	h = o.resolve(h)
	s := o.slots[h]
	if s == nil || s.id == id {
		return
	}
	if other, ok := o.byID[id]; ok && other != h {
		o.merge(other, h)
	}
	if o.byID[s.id] == h {
		delete(o.byID, s.id)
	}
	s.id = id
	o.byID[id] = h
}

func (o *Overlay) merge(from, into Handle) {
	if e, ok := o.entries[from]; ok {
		if _, exists := o.entries[into]; !exists {
			o.entries[into] = e
		}
		delete(o.entries, from)
	}
	delete(o.slots, from)
	o.alias[from] = into
}

// Put sets the optimistic record for h, keeping its render position if it
// already had one.
func (o *Overlay) Put(h Handle, floorID string, payload draw.Payload) {
	h = o.resolve(h)
	if e, ok := o.entries[h]; ok {
		e.floorID = floorID
		e.payload = payload
		return
	}
	o.seq++
	o.entries[h] = &entry{floorID: floorID, payload: payload, seq: o.seq}
}

func (o *Overlay) Get(h Handle) (Entry, bool) {
	h = o.resolve(h)
	e, ok := o.entries[h]
	if !ok {
		return Entry{}, false
	}
	return Entry{Handle: h, ID: o.slots[h].id, FloorID: e.floorID, Payload: e.payload}, true
}

func (o *Overlay) Drop(h Handle) {
	delete(o.entries, o.resolve(h))
}

// Dedup drops every entry whose identifier appears in canonical. Entries
// with a local or pending identifier, or with an update still in flight,
// are kept whatever the snapshot says.
func (o *Overlay) Dedup(canonical map[string]struct{}) int {
	dropped := 0
	for h := range o.entries {
		sl := o.slots[h]
		id := sl.id
		if draw.IsLocal(id) || sl.inflight > 0 {
			continue
		}
		if _, ok := canonical[id]; ok {
			delete(o.entries, h)
			dropped++
		}
	}
	return dropped
}

// Entries lists the overlay in insertion order.
func (o *Overlay) Entries() []Entry {
	out := make([]Entry, 0, len(o.entries))
	seqs := make(map[Handle]uint64, len(o.entries))
	for h, e := range o.entries {
		out = append(out, Entry{Handle: h, ID: o.slots[h].id, FloorID: e.floorID, Payload: e.payload})
		seqs[h] = e.seq
	}
	sort.Slice(out, func(i, j int) bool { return seqs[out[i].Handle] < seqs[out[j].Handle] })
	return out
}

// IDs returns the identifier of every overlay entry.
func (o *Overlay) IDs() []string {
	entries := o.Entries()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func (o *Overlay) Len() int { return len(o.entries) }
