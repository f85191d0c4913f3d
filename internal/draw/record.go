package draw

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Stage is the identity stage of a record. pending moves to canonical once
// the store confirms it; guest-local never changes.
type Stage int

const (
	StageCanonical Stage = iota
	StagePending
	StageGuestLocal
)

func (s Stage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageGuestLocal:
		return "guest-local"
	default:
		return "canonical"
	}
}

const (
	pendingPrefix    = "pending-"
	guestLocalPrefix = "guest-local-"
)

// StageOf recovers the stage from an identifier alone.
func StageOf(id string) Stage {
	switch {
	case strings.HasPrefix(id, guestLocalPrefix):
		return StageGuestLocal
	case strings.HasPrefix(id, pendingPrefix):
		return StagePending
	default:
		return StageCanonical
	}
}

// IsLocal reports whether id was allocated on the client and so can never
// appear in an authoritative snapshot.
func IsLocal(id string) bool {
	return StageOf(id) != StageCanonical
}

// TempIDs hands out locally unique temporary identifiers.
type TempIDs struct {
	n atomic.Uint64
}

func (t *TempIDs) Next(guest bool) string {
	n := strconv.FormatUint(t.n.Add(1), 10)
	if guest {
		return guestLocalPrefix + n
	}
	return pendingPrefix + n
}

// Record is a drawing as the store knows it.
type Record struct {
	ID        string    `json:"id"`
	FloorID   string    `json:"floor_id"`
	UserID    string    `json:"user_id"`
	Payload   Payload   `json:"payload"`
	Deleted   bool      `json:"is_deleted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Floor is one level of a map together with its confirmed drawings.
type Floor struct {
	ID       string   `json:"id"`
	RoomID   string   `json:"room_id"`
	Name     string   `json:"name"`
	Position int      `json:"position"`
	Draws    []Record `json:"draws"`
}

// IDs collects the identifiers of every record across floors.
func IDs(floors []Floor) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, f := range floors {
		for _, r := range f.Draws {
			ids[r.ID] = struct{}{}
		}
	}
	return ids
}
