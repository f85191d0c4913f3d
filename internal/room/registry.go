// Package room tracks who is present in each room. Each live room is owned
// by a single goroutine so color assignment and roster changes never race;
// rooms are independent of each other and disposed when the last
// participant leaves.
package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
)

// Palette is the fixed set of participant colors, handed out round-robin.
var Palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#42d4f4", "#f032e6",
	"#bfef45", "#fabed4", "#469990", "#dcbeff",
}

type Participant struct {
	UserID   string
	Name     string
	Guest    bool
	Color    string
	JoinedAt time.Time
}

// Store is the part of the durable store the registry consults before
// admitting anyone to a room.
type Store interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
}

type JoinResult struct {
	// Session identifies this membership; Leave with an older session is a
	// no-op so a late disconnect cannot evict a reconnected participant.
	Session      uint64
	Color        string
	Participants []Participant
}

var errRoomClosed = errors.New("room closed")

type Registry struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(store Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
		rooms:  make(map[string]*Room),
	}
}

// Join admits p to roomID, assigning the next palette color. The returned
// roster includes p. Fails with apperr.ErrNotFound if the room has no
// durable record.
func (r *Registry) Join(ctx context.Context, roomID string, p Participant) (JoinResult, error) {
	if r.store != nil {
		exists, err := r.store.RoomExists(ctx, roomID)
		if err != nil {
			return JoinResult{}, err
		}
		if !exists {
			return JoinResult{}, apperr.NotFound("room.Join", "room %q", roomID)
		}
	}

	for {
		rm := r.getOrCreate(roomID)
		var res JoinResult
		err := rm.do(func(s *state) {
			res = s.join(p, r.now())
		})
		if errors.Is(err, errRoomClosed) {
			continue
		}
		if err != nil {
			return JoinResult{}, err
		}
		r.logger.Info("participant joined",
			zap.String("room_id", roomID),
			zap.String("user_id", p.UserID),
			zap.String("color", res.Color),
			zap.Int("participants", len(res.Participants)),
		)
		return res, nil
	}
}

// Leave removes userID if session is still its current membership and
// reports whether anything was removed.
func (r *Registry) Leave(roomID, userID string, session uint64) bool {
	rm := r.lookup(roomID)
	if rm == nil {
		return false
	}
	var (
		left      bool
		remaining int
	)
	if err := rm.do(func(s *state) {
		left = s.leave(userID, session)
		remaining = len(s.members)
	}); err != nil {
		return false
	}
	if left {
		r.logger.Info("participant left",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
			zap.Int("remaining", remaining),
		)
	}
	return left
}

// Roster returns the current participants of roomID, ordered by join time.
func (r *Registry) Roster(roomID string) []Participant {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil
	}
	var roster []Participant
	if err := rm.do(func(s *state) { roster = s.roster() }); err != nil {
		return nil
	}
	return roster
}

// Participant looks up a single member.
func (r *Registry) Participant(roomID, userID string) (Participant, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return Participant{}, false
	}
	var (
		p  Participant
		ok bool
	)
	if err := rm.do(func(s *state) {
		var m *member
		if m, ok = s.members[userID]; ok {
			p = m.Participant
		}
	}); err != nil {
		return Participant{}, false
	}
	return p, ok
}

// ActiveRooms maps each live room to its participant count.
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	counts := make(map[string]int, len(rooms))
	for _, rm := range rooms {
		var n int
		if err := rm.do(func(s *state) { n = len(s.members) }); err == nil && n > 0 {
			counts[rm.id] = n
		}
	}
	return counts
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close stops every room worker. Joins after Close start fresh rooms.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	for _, rm := range rooms {
		rm.stop()
	}
}

func (r *Registry) lookup(roomID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

func (r *Registry) getOrCreate(roomID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		return rm
	}
	rm := newRoom(roomID)
	r.rooms[roomID] = rm
	go rm.run(r.release)
	r.logger.Debug("room opened", zap.String("room_id", roomID))
	return rm
}

// release is called by a room's worker once its roster is empty.
func (r *Registry) release(rm *Room) {
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
	r.logger.Info("room closed (empty)", zap.String("room_id", rm.id))
}

type member struct {
	Participant
	session uint64
}

// state is only touched by the owning room's worker.
type state struct {
	members     map[string]*member
	nextColor   int
	nextSession uint64
}

func (s *state) join(p Participant, now time.Time) JoinResult {
	p.Color = Palette[s.nextColor%len(Palette)]
	p.JoinedAt = now
	s.nextColor++
	s.nextSession++
	s.members[p.UserID] = &member{Participant: p, session: s.nextSession}
	return JoinResult{Session: s.nextSession, Color: p.Color, Participants: s.roster()}
}

func (s *state) leave(userID string, session uint64) bool {
	m, ok := s.members[userID]
	if !ok || m.session != session {
		return false
	}
	delete(s.members, userID)
	return true
}

func (s *state) roster() []Participant {
	out := make([]Participant, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m.Participant)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

type Room struct {
	id   string
	cmds chan func(*state)
	done chan struct{}
	quit chan struct{}
	once sync.Once
}

func newRoom(id string) *Room {
	return &Room{
		id:   id,
		cmds: make(chan func(*state)),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
}

func (rm *Room) run(release func(*Room)) {
	defer close(rm.done)
	s := &state{members: make(map[string]*member)}
	for {
		select {
		case <-rm.quit:
			return
		case cmd := <-rm.cmds:
			cmd(s)
			if len(s.members) == 0 {
				release(rm)
				return
			}
		}
	}
}

// do runs fn on the room's worker and waits for it to finish.
func (rm *Room) do(fn func(*state)) error {
	finished := make(chan struct{})
	cmd := func(s *state) {
		fn(s)
		close(finished)
	}
	select {
	case rm.cmds <- cmd:
		<-finished
		return nil
	case <-rm.done:
		return errRoomClosed
	}
}

func (rm *Room) stop() {
	rm.once.Do(func() { close(rm.quit) })
}
