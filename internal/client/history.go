package client

import (
	"github.com/manpreetbhatti/stratsync/internal/draw"
)

// Editor is what history commands act on. Session implements it; commands
// only ever name records by handle.
type Editor interface {
	// Recreate runs the full create flow for h under a fresh identifier.
	Recreate(h Handle, floorID string, payload draw.Payload) error
	// Remove deletes whatever record h currently names.
	Remove(h Handle) error
	// Replace overwrites the record h names.
	Replace(h Handle, payload draw.Payload) error
}

// Command is one undoable action. Apply performs it (again), Invert
// reverses it.
type Command interface {
	Apply(ed Editor) error
	Invert(ed Editor) error
	Handles() []Handle
}

type createCommand struct {
	handle  Handle
	floorID string
	payload draw.Payload
}

func (c *createCommand) Apply(ed Editor) error {
	return ed.Recreate(c.handle, c.floorID, c.payload)
}

func (c *createCommand) Invert(ed Editor) error {
	return ed.Remove(c.handle)
}

func (c *createCommand) Handles() []Handle { return []Handle{c.handle} }

type updateCommand struct {
	handle Handle
	before draw.Payload
	after  draw.Payload
}

func (c *updateCommand) Apply(ed Editor) error {
	return ed.Replace(c.handle, c.after)
}

func (c *updateCommand) Invert(ed Editor) error {
	return ed.Replace(c.handle, c.before)
}

func (c *updateCommand) Handles() []Handle { return []Handle{c.handle} }

// deleteCommand is undone by recreating: the store's delete is a tombstone
// this participant cannot clear.
type deleteCommand struct {
	handle  Handle
	floorID string
	payload draw.Payload
}

func (c *deleteCommand) Apply(ed Editor) error {
	return ed.Remove(c.handle)
}

func (c *deleteCommand) Invert(ed Editor) error {
	return ed.Recreate(c.handle, c.floorID, c.payload)
}

func (c *deleteCommand) Handles() []Handle { return []Handle{c.handle} }

// batchCommand groups commands issued by one gesture, such as a multi
// select delete.
type batchCommand []Command

func (b batchCommand) Apply(ed Editor) error {
	var first error
	for _, c := range b {
		if err := c.Apply(ed); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b batchCommand) Invert(ed Editor) error {
	var first error
	for i := len(b) - 1; i >= 0; i-- {
		if err := b[i].Invert(ed); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b batchCommand) Handles() []Handle {
	var hs []Handle
	for _, c := range b {
		hs = append(hs, c.Handles()...)
	}
	return hs
}

// History is a pair of LIFO stacks of this participant's own actions.
type History struct {
	undo []Command
	redo []Command
	// alive reports whether a handle can still be acted on. Commands whose
	// handles are all dead are dropped when reached.
	alive func(Handle) bool
}

func NewHistory(alive func(Handle) bool) *History {
	if alive == nil {
		alive = func(Handle) bool { return true }
	}
	return &History{alive: alive}
}

// Push records a new action and invalidates the redo stack.
func (h *History) Push(c Command) {
	h.undo = append(h.undo, c)
	h.redo = nil
}

// PopUndo moves the newest live command to the redo stack and returns it.
func (h *History) PopUndo() (Command, bool) {
	for len(h.undo) > 0 {
		c := h.undo[len(h.undo)-1]
		h.undo = h.undo[:len(h.undo)-1]
		if !h.live(c) {
			continue
		}
		h.redo = append(h.redo, c)
		return c, true
	}
	return nil, false
}

// PopRedo moves the newest live redo command back to the undo stack.
func (h *History) PopRedo() (Command, bool) {
	for len(h.redo) > 0 {
		c := h.redo[len(h.redo)-1]
		h.redo = h.redo[:len(h.redo)-1]
		if !h.live(c) {
			continue
		}
		h.undo = append(h.undo, c)
		return c, true
	}
	return nil, false
}

func (h *History) live(c Command) bool {
	for _, handle := range c.Handles() {
		if h.alive(handle) {
			return true
		}
	}
	return false
}

func (h *History) Clear() {
	h.undo = nil
	h.redo = nil
}

func (h *History) Len() (undo, redo int) {
	return len(h.undo), len(h.redo)
}

// Handles lists every handle referenced by either stack, undo first.
func (h *History) Handles() []Handle {
	var hs []Handle
	for _, c := range h.undo {
		hs = append(hs, c.Handles()...)
	}
	for _, c := range h.redo {
		hs = append(hs, c.Handles()...)
	}
	return hs
}
