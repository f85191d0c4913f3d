// Package client is the participant side of a room: optimistic drawing
// with reconciliation against the durable store, personal undo and redo,
// and throttled cursor and laser signals.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
	"github.com/manpreetbhatti/stratsync/internal/draw"
	"github.com/manpreetbhatti/stratsync/internal/protocol"
)

var ErrClosed = errors.New("session closed")

type Config struct {
	RoomID string
	// UserID empty makes the session a guest: drawings stay local and
	// nothing is persisted.
	UserID string
	Name   string

	Store  Store
	Relay  Relay
	Clock  Clock
	Logger *zap.Logger

	CursorInterval time.Duration
	LaserGrace     time.Duration
	LaserFade      time.Duration
	// RefetchInterval above zero refetches the snapshot periodically.
	RefetchInterval time.Duration
	// PeerHintTTL bounds how long a relayed peer edit is shown without
	// appearing in a snapshot.
	PeerHintTTL time.Duration

	// OnNotice receives failures the user should see: relay errors and
	// failed explicit saves. Called on its own goroutine.
	OnNotice func(Notice)
}

type Notice struct {
	Op  string
	Err error
}

// VisibleDraw is one drawing as it should be rendered now.
type VisibleDraw struct {
	ID      string
	FloorID string
	Payload draw.Payload
	Stage   draw.Stage
	// Peer marks a payload relayed by another participant that no snapshot
	// has confirmed yet. It has no identifier.
	Peer   bool
	UserID string
}

type peerCreate struct {
	userID  string
	floorID string
	payload draw.Payload
	at      time.Time
	settled bool
	// settledAt is the fetch sequence current when the sender announced
	// its store round trip. Only fetches started later may drop the hint.
	settledAt uint64
}

type peerUpdate struct {
	payload draw.Payload
	at      time.Time
}

type Session struct {
	roomID  string
	userID  string
	name    string
	guest   bool
	store   Store
	relay   Relay
	clock   Clock
	logger  *zap.Logger
	notice  func(Notice)
	hintTTL time.Duration

	ids draw.TempIDs

	mu           sync.Mutex
	overlay      *Overlay
	history      *History
	floors       []draw.Floor
	tombstones   map[string]bool
	peerCreates  []peerCreate
	peerUpdates  map[string]peerUpdate
	peerDeletes  map[string]time.Time
	roster       map[string]protocol.Participant
	color        string
	closed       bool
	fetchSeq     uint64
	refetching   bool
	refetchAgain bool

	cursor *Throttle[protocol.CursorMove]
	laser  *LaserGesture
	peers  *PeerCursors

	// ctx outlives Close so in-flight persistence can finish.
	ctx         context.Context
	refetchCtx  context.Context
	stopRefetch context.CancelFunc
	wg          sync.WaitGroup
}

type nopRelay struct{}

func (nopRelay) Send(string, any) error { return nil }

func NewSession(cfg Config) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, apperr.Invalid("client.NewSession", "room is required")
	}
	if cfg.UserID != "" && cfg.Store == nil {
		return nil, apperr.Invalid("client.NewSession", "a member session needs a store")
	}
	if cfg.Relay == nil {
		cfg.Relay = nopRelay{}
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CursorInterval <= 0 {
		cfg.CursorInterval = DefaultCursorInterval
	}
	if cfg.LaserGrace <= 0 {
		cfg.LaserGrace = DefaultLaserGrace
	}
	if cfg.LaserFade <= 0 {
		cfg.LaserFade = DefaultLaserFade
	}
	if cfg.PeerHintTTL <= 0 {
		cfg.PeerHintTTL = 10 * time.Second
	}

	s := &Session{
		roomID:      cfg.RoomID,
		userID:      cfg.UserID,
		name:        cfg.Name,
		guest:       cfg.UserID == "",
		store:       cfg.Store,
		relay:       cfg.Relay,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With(zap.String("room_id", cfg.RoomID), zap.String("user_id", cfg.UserID)),
		notice:      cfg.OnNotice,
		hintTTL:     cfg.PeerHintTTL,
		overlay:     NewOverlay(),
		tombstones:  make(map[string]bool),
		peerUpdates: make(map[string]peerUpdate),
		peerDeletes: make(map[string]time.Time),
		roster:      make(map[string]protocol.Participant),
		peers:       NewPeerCursors(cfg.Clock, cfg.LaserGrace, cfg.LaserFade),
		ctx:         context.Background(),
	}
	s.history = NewHistory(s.alive)
	s.refetchCtx, s.stopRefetch = context.WithCancel(context.Background())

	s.cursor = NewThrottle(cfg.CursorInterval, cfg.Clock, func(m protocol.CursorMove) {
		s.relaySend(protocol.EventCursorMove, m)
	})
	s.laser = NewLaserGesture(cfg.CursorInterval, cfg.Clock, func(points []draw.Point) {
		s.mu.Lock()
		color := s.color
		s.mu.Unlock()
		s.relaySend(protocol.EventLaserLine, protocol.LaserLine{Points: points, Color: color})
	})

	if cfg.RefetchInterval > 0 {
		s.wg.Add(1)
		go s.refetchEvery(cfg.RefetchInterval)
	}
	return s, nil
}

func (s *Session) Guest() bool { return s.guest }

// alive is read by History under s.mu.
func (s *Session) alive(h Handle) bool {
	sl := s.overlay.slot(h)
	return sl != nil && sl.state != slotDead
}

// Create draws payloads on floorID. They render at once under temporary
// identifiers, which are returned; for a member they are then persisted and
// renamed to canonical identifiers.
func (s *Session) Create(floorID string, payloads ...draw.Payload) ([]string, error) {
	if len(payloads) == 0 {
		return nil, apperr.Invalid("client.Create", "no payloads")
	}
	for i, p := range payloads {
		if err := p.Validate(); err != nil {
			return nil, apperr.E(apperr.KindInvalid, "client.Create", fmt.Errorf("payload %d: %w", i, err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	handles := s.createLocked(floorID, payloads, nil)
	cmds := make(batchCommand, len(handles))
	ids := make([]string, len(handles))
	for i, h := range handles {
		cmds[i] = &createCommand{handle: h, floorID: floorID, payload: payloads[i]}
		ids[i] = s.overlay.ID(h)
	}
	s.history.Push(single(cmds))
	return ids, nil
}

func single(cmds batchCommand) Command {
	if len(cmds) == 1 {
		return cmds[0]
	}
	return cmds
}

// createLocked inserts payloads into the overlay and starts persisting
// them. reuse, when set, names the handles to recreate into.
func (s *Session) createLocked(floorID string, payloads []draw.Payload, reuse []Handle) []Handle {
	state := slotPending
	if s.guest {
		state = slotLocal
	}

	handles := make([]Handle, len(payloads))
	gens := make([]uint64, len(payloads))
	for i, p := range payloads {
		id := s.ids.Next(s.guest)
		var h Handle
		if reuse != nil {
			h = s.overlay.resolve(reuse[i])
			sl := s.overlay.slots[h]
			s.overlay.Rename(h, id)
			sl.gen++
			sl.state = state
			sl.queued = nil
			sl.inflight = 0
		} else {
			h = s.overlay.alloc(id, state)
		}
		s.overlay.Put(h, floorID, p)
		handles[i] = h
		gens[i] = s.overlay.slots[h].gen
	}

	if s.guest {
		return handles
	}

	s.relaySend(protocol.EventDrawCreate, protocol.DrawCreate{FloorID: floorID, Payloads: payloads})
	s.persist(func(ctx context.Context) {
		recs, err := s.store.CreateDraws(ctx, floorID, payloads)
		s.finishCreate(handles, gens, recs, err)
	})
	return handles
}

// finishCreate applies a create result. A slot whose gen moved on since the
// request was issued no longer wants this record, so a successful result
// for it is deleted again.
func (s *Session) finishCreate(handles []Handle, gens []uint64, recs []draw.Record, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	var compensate []string
	if err == nil && len(recs) != len(handles) {
		for _, r := range recs {
			compensate = append(compensate, r.ID)
		}
		err = apperr.Invalid("client.Create", "store returned %d records for %d payloads", len(recs), len(handles))
	}

	if err != nil {
		for i, h := range handles {
			sl := s.overlay.slot(h)
			if sl == nil || sl.gen != gens[i] || sl.state != slotPending {
				continue
			}
			s.overlay.Drop(h)
			sl.state = slotDead
			sl.queued = nil
		}
		s.logger.Info("create rolled back", zap.Int("draws", len(handles)), zap.Error(err))
	} else {
		for i, h := range handles {
			sl := s.overlay.slot(h)
			if sl == nil || sl.gen != gens[i] || sl.state != slotPending {
				compensate = append(compensate, recs[i].ID)
				continue
			}
			s.overlay.Rename(h, recs[i].ID)
			sl.state = slotCanonical
			if n := len(sl.queued); n > 0 {
				last := sl.queued[n-1]
				sl.queued = nil
				s.pushUpdateLocked(h, last.payload, last.edit)
			}
		}
	}

	if len(compensate) > 0 {
		s.logger.Debug("deleting superseded records", zap.Strings("ids", compensate))
		s.persist(func(ctx context.Context) {
			if err := s.store.DeleteDraws(ctx, compensate); err != nil {
				s.logger.Warn("compensating delete failed", zap.Strings("ids", compensate), zap.Error(err))
				return
			}
			// Peers refetch on draw:created and may already hold these
			// records as canonical.
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.relaySend(protocol.EventDrawDelete, protocol.DrawDelete{IDs: compensate})
			}
		})
	}

	// Peers rendered the relayed payloads; either way they should now
	// converge on the store.
	s.relaySend(protocol.EventDrawCreated, nil)
	s.mu.Unlock()
}

// Update replaces the drawing id with payload.
func (s *Session) Update(id string, payload draw.Payload) error {
	if err := payload.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	h, _, before, err := s.resolveLocked("client.Update", id)
	if err != nil {
		return err
	}
	if err := s.checkWritable("client.Update", h); err != nil {
		return err
	}
	s.history.Push(&updateCommand{handle: h, before: before, after: payload})
	return s.replaceLocked(h, payload)
}

// Delete removes the drawings ids as one undoable action.
func (s *Session) Delete(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cmds := make(batchCommand, 0, len(ids))
	handles := make([]Handle, 0, len(ids))
	for _, id := range ids {
		h, floorID, payload, err := s.resolveLocked("client.Delete", id)
		if err != nil {
			return err
		}
		if err := s.checkWritable("client.Delete", h); err != nil {
			return err
		}
		cmds = append(cmds, &deleteCommand{handle: h, floorID: floorID, payload: payload})
		handles = append(handles, h)
	}
	if len(cmds) == 0 {
		return nil
	}
	s.history.Push(single(cmds))
	return s.removeLocked(handles...)
}

// resolveLocked finds the handle, floor and current payload of a visible
// drawing.
func (s *Session) resolveLocked(op, id string) (Handle, string, draw.Payload, error) {
	if s.tombstones[id] {
		return 0, "", draw.Payload{}, apperr.NotFound(op, "draw %q", id)
	}
	if h, ok := s.overlay.Lookup(id); ok {
		sl := s.overlay.slot(h)
		if sl.state == slotRemoved || sl.state == slotDead {
			return 0, "", draw.Payload{}, apperr.NotFound(op, "draw %q", id)
		}
		if e, ok := s.overlay.Get(h); ok {
			return e.Handle, e.FloorID, e.Payload, nil
		}
	}
	if rec, ok := s.snapshotRecord(id); ok {
		return s.overlay.Bind(id), rec.FloorID, rec.Payload, nil
	}
	return 0, "", draw.Payload{}, apperr.NotFound(op, "draw %q", id)
}

// checkWritable stops a guest from touching records that live in the store.
func (s *Session) checkWritable(op string, h Handle) error {
	if s.guest && s.overlay.slot(h).state == slotCanonical {
		return apperr.Forbidden(op, "guests can only edit their own local drawings")
	}
	return nil
}

func (s *Session) snapshotRecord(id string) (draw.Record, bool) {
	for _, f := range s.floors {
		for _, r := range f.Draws {
			if r.ID == id {
				if r.FloorID == "" {
					r.FloorID = f.ID
				}
				return r, true
			}
		}
	}
	return draw.Record{}, false
}

func (s *Session) replaceLocked(h Handle, payload draw.Payload) error {
	sl := s.overlay.slot(h)
	if sl == nil || sl.state == slotRemoved || sl.state == slotDead {
		return apperr.NotFound("client.Replace", "draw %q", s.overlay.ID(h))
	}

	var floorID string
	if e, ok := s.overlay.Get(h); ok {
		floorID = e.FloorID
	} else if rec, ok := s.snapshotRecord(sl.id); ok {
		floorID = rec.FloorID
	} else {
		return apperr.NotFound("client.Replace", "draw %q", sl.id)
	}

	s.overlay.Put(h, floorID, payload)
	sl.edit++

	switch sl.state {
	case slotPending:
		sl.queued = append(sl.queued, queuedOp{payload: payload, edit: sl.edit})
	case slotCanonical:
		s.pushUpdateLocked(h, payload, sl.edit)
	}
	return nil
}

func (s *Session) pushUpdateLocked(h Handle, payload draw.Payload, edit uint64) {
	sl := s.overlay.slot(h)
	id, gen := sl.id, sl.gen
	sl.inflight++

	s.relaySend(protocol.EventDrawUpdate, protocol.DrawUpdate{ID: id, Data: payload})
	s.persist(func(ctx context.Context) {
		_, err := s.store.UpdateDraw(ctx, id, payload)
		s.finishUpdate(h, gen, edit, err)
	})
}

func (s *Session) finishUpdate(h Handle, gen, edit uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	sl := s.overlay.slot(h)
	current := sl != nil && sl.gen == gen
	if current && sl.inflight > 0 {
		sl.inflight--
	}
	if err == nil {
		return
	}
	s.logger.Info("update rolled back", zap.String("draw_id", s.overlay.ID(h)), zap.Error(err))

	if current && sl.edit == edit && sl.state == slotCanonical {
		s.overlay.Drop(h)
	}
	s.requestRefetchLocked()
}

func (s *Session) removeLocked(handles ...Handle) error {
	var (
		ids     []string
		removed []Handle
		gens    []uint64
	)
	for _, h := range handles {
		sl := s.overlay.slot(h)
		if sl == nil {
			continue
		}
		switch sl.state {
		case slotLocal:
			s.overlay.Drop(h)
			sl.state = slotRemoved
		case slotPending:
			// The create is still in flight; bumping gen makes its result
			// delete itself.
			s.overlay.Drop(h)
			sl.gen++
			sl.state = slotRemoved
			sl.queued = nil
		case slotCanonical:
			s.tombstones[sl.id] = true
			sl.state = slotRemoved
			ids = append(ids, sl.id)
			removed = append(removed, h)
			gens = append(gens, sl.gen)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	s.relaySend(protocol.EventDrawDelete, protocol.DrawDelete{IDs: ids})
	s.persist(func(ctx context.Context) {
		err := s.store.DeleteDraws(ctx, ids)
		s.finishDelete(removed, ids, gens, err)
	})
	return nil
}

func (s *Session) finishDelete(handles []Handle, ids []string, gens []uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for i, h := range handles {
		sl := s.overlay.slot(h)
		current := sl != nil && sl.gen == gens[i]
		if err == nil {
			if current {
				s.overlay.Drop(h)
			}
			continue
		}
		delete(s.tombstones, ids[i])
		if current && sl.state == slotRemoved {
			sl.state = slotCanonical
		}
	}
	if err != nil {
		s.logger.Info("delete rolled back", zap.Strings("ids", ids), zap.Error(err))
		s.requestRefetchLocked()
	}
}

type lockedEditor struct{ s *Session }

func (e lockedEditor) Recreate(h Handle, floorID string, payload draw.Payload) error {
	sl := e.s.overlay.slot(h)
	if sl == nil || sl.state != slotRemoved {
		return nil
	}
	e.s.createLocked(floorID, []draw.Payload{payload}, []Handle{h})
	return nil
}

func (e lockedEditor) Remove(h Handle) error {
	return e.s.removeLocked(h)
}

func (e lockedEditor) Replace(h Handle, payload draw.Payload) error {
	return e.s.replaceLocked(h, payload)
}

// Undo reverses this participant's most recent action. It reports false
// when there is nothing left to undo.
func (s *Session) Undo() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	cmd, ok := s.history.PopUndo()
	if !ok {
		return false, nil
	}
	return true, cmd.Invert(lockedEditor{s})
}

// Redo reapplies the most recently undone action. A redone create goes
// through the full create flow under a new identifier.
func (s *Session) Redo() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	cmd, ok := s.history.PopRedo()
	if !ok {
		return false, nil
	}
	return true, cmd.Apply(lockedEditor{s})
}

// HistoryLen reports the depth of the undo and redo stacks.
func (s *Session) HistoryLen() (undo, redo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Len()
}

// Refetch reads the authoritative snapshot and reconciles the overlay with
// it.
func (s *Session) Refetch(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	s.fetchSeq++
	seq := s.fetchSeq
	s.mu.Unlock()

	floors, err := s.store.Snapshot(ctx, s.roomID)
	if err != nil {
		return err
	}
	s.applySnapshot(seq, floors)
	return nil
}

func (s *Session) applySnapshot(seq uint64, floors []draw.Floor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.floors = floors
	canonical := draw.IDs(floors)
	dropped := s.overlay.Dedup(canonical)

	for id := range s.tombstones {
		if _, ok := canonical[id]; !ok {
			delete(s.tombstones, id)
		}
	}

	now := s.clock.Now()
	kept := s.peerCreates[:0]
	for _, pc := range s.peerCreates {
		if pc.settled && seq > pc.settledAt {
			continue
		}
		if now.Sub(pc.at) > s.hintTTL {
			continue
		}
		kept = append(kept, pc)
	}
	s.peerCreates = kept

	for id, hint := range s.peerUpdates {
		rec, ok := s.snapshotRecord(id)
		if !ok || now.Sub(hint.at) > s.hintTTL || samePayload(rec.Payload, hint.payload) {
			delete(s.peerUpdates, id)
		}
	}
	for id, at := range s.peerDeletes {
		if _, ok := canonical[id]; !ok || now.Sub(at) > s.hintTTL {
			delete(s.peerDeletes, id)
		}
	}

	s.logger.Debug("snapshot applied", zap.Int("draws", len(canonical)), zap.Int("deduped", dropped))
}

func samePayload(a, b draw.Payload) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// requestRefetchLocked starts a background refetch, or asks the running
// one to go again once it finishes.
func (s *Session) requestRefetchLocked() {
	if s.store == nil || s.closed {
		return
	}
	if s.refetching {
		s.refetchAgain = true
		return
	}
	s.refetching = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if err := s.Refetch(s.refetchCtx); err != nil && s.refetchCtx.Err() == nil {
				s.logger.Warn("refetch failed", zap.Error(err))
			}
			s.mu.Lock()
			if !s.refetchAgain || s.closed {
				s.refetching = false
				s.mu.Unlock()
				return
			}
			s.refetchAgain = false
			s.mu.Unlock()
		}
	}()
}

func (s *Session) refetchEvery(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.refetchCtx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.requestRefetchLocked()
			s.mu.Unlock()
		}
	}
}

// Visible is what should be rendered: the snapshot with this participant's
// overlay applied over it, then relayed peer edits not yet confirmed.
func (s *Session) Visible() []VisibleDraw {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []VisibleDraw
	shown := make(map[Handle]bool)
	for _, f := range s.floors {
		for _, rec := range f.Draws {
			if s.tombstones[rec.ID] {
				continue
			}
			if _, ok := s.peerDeletes[rec.ID]; ok {
				continue
			}
			floorID := rec.FloorID
			if floorID == "" {
				floorID = f.ID
			}
			if h, ok := s.overlay.Lookup(rec.ID); ok {
				if e, ok := s.overlay.Get(h); ok {
					shown[e.Handle] = true
					out = append(out, VisibleDraw{ID: e.ID, FloorID: e.FloorID, Payload: e.Payload, Stage: draw.StageCanonical, UserID: rec.UserID})
					continue
				}
			}
			payload := rec.Payload
			if hint, ok := s.peerUpdates[rec.ID]; ok {
				payload = hint.payload
			}
			out = append(out, VisibleDraw{ID: rec.ID, FloorID: floorID, Payload: payload, Stage: draw.StageCanonical, UserID: rec.UserID})
		}
	}

	for _, e := range s.overlay.Entries() {
		if shown[e.Handle] || s.tombstones[e.ID] {
			continue
		}
		out = append(out, VisibleDraw{ID: e.ID, FloorID: e.FloorID, Payload: e.Payload, Stage: draw.StageOf(e.ID), UserID: s.userID})
	}

	for _, pc := range s.peerCreates {
		out = append(out, VisibleDraw{FloorID: pc.floorID, Payload: pc.payload, Peer: true, UserID: pc.userID})
	}
	return out
}

// HandleEvent applies a frame relayed by the gateway.
func (s *Session) HandleEvent(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoined:
		var m protocol.Joined
		if !s.decode(env, &m) {
			return
		}
		s.mu.Lock()
		s.color = m.Color
		s.roster = make(map[string]protocol.Participant, len(m.Participants))
		for _, p := range m.Participants {
			s.roster[p.UserID] = p
		}
		s.mu.Unlock()

	case protocol.EventUserJoined:
		var m protocol.UserJoined
		if !s.decode(env, &m) {
			return
		}
		s.mu.Lock()
		s.roster[m.Participant.UserID] = m.Participant
		s.mu.Unlock()

	case protocol.EventUserLeft:
		var m protocol.UserLeft
		if !s.decode(env, &m) {
			return
		}
		s.mu.Lock()
		delete(s.roster, m.UserID)
		s.mu.Unlock()
		s.peers.Remove(m.UserID)

	case protocol.EventDrawCreate:
		var m protocol.DrawCreate
		if !s.decode(env, &m) || m.UserID == s.userID {
			return
		}
		s.mu.Lock()
		now := s.clock.Now()
		for _, p := range m.Payloads {
			s.peerCreates = append(s.peerCreates, peerCreate{userID: m.UserID, floorID: m.FloorID, payload: p, at: now})
		}
		s.mu.Unlock()

	case protocol.EventDrawCreated:
		var m struct {
			UserID string `json:"userId"`
		}
		if !s.decode(env, &m) {
			return
		}
		s.mu.Lock()
		for i := range s.peerCreates {
			if s.peerCreates[i].userID == m.UserID && !s.peerCreates[i].settled {
				s.peerCreates[i].settled = true
				s.peerCreates[i].settledAt = s.fetchSeq
			}
		}
		s.requestRefetchLocked()
		s.mu.Unlock()

	case protocol.EventDrawUpdated:
		var m protocol.DrawUpdate
		if !s.decode(env, &m) || m.UserID == s.userID {
			return
		}
		s.mu.Lock()
		s.peerUpdates[m.ID] = peerUpdate{payload: m.Data, at: s.clock.Now()}
		s.requestRefetchLocked()
		s.mu.Unlock()

	case protocol.EventDrawDeleted:
		var m protocol.DrawDelete
		if !s.decode(env, &m) || m.UserID == s.userID {
			return
		}
		s.mu.Lock()
		now := s.clock.Now()
		for _, id := range m.IDs {
			s.peerDeletes[id] = now
		}
		s.requestRefetchLocked()
		s.mu.Unlock()

	case protocol.EventCursorMoved:
		var m protocol.CursorMove
		if !s.decode(env, &m) {
			return
		}
		s.peers.Move(Cursor{UserID: m.UserID, X: m.X, Y: m.Y, FloorID: m.FloorID, IsLaser: m.IsLaser, Color: m.Color})

	case protocol.EventLaserLine:
		var m protocol.LaserLine
		if !s.decode(env, &m) {
			return
		}
		s.peers.Laser(m.UserID, m.Points, m.Color)

	case protocol.EventError:
		var m protocol.ErrorFrame
		if !s.decode(env, &m) {
			return
		}
		s.notify(Notice{Op: "gateway", Err: errors.New(m.Kind + ": " + m.Message)})
	}
}

func (s *Session) decode(env protocol.Envelope, v any) bool {
	if len(env.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.logger.Debug("dropping undecodable frame", zap.String("event", env.Event), zap.Error(err))
		return false
	}
	return true
}

// Participants is the roster last announced by the gateway.
func (s *Session) Participants() []protocol.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Participant, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt == out[j].JoinedAt {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt < out[j].JoinedAt
	})
	return out
}

func (s *Session) Peers() *PeerCursors { return s.peers }

// MoveCursor reports the local pointer. Updates inside the throttle
// interval collapse to the latest one.
func (s *Session) MoveCursor(x, y float64, floorID string) {
	s.cursor.Submit(protocol.CursorMove{X: x, Y: y, FloorID: floorID})
}

func (s *Session) LaserStart(p draw.Point) { s.laser.Start(p) }
func (s *Session) LaserMove(p draw.Point)  { s.laser.Add(p) }
func (s *Session) LaserEnd() []draw.Point  { return s.laser.End() }

// Chat sends a message to the room. Guests may chat.
func (s *Session) Chat(message string) error {
	return s.relay.Send(protocol.EventChatSend, protocol.Chat{Message: message})
}

// Strat relays a strat configuration change to peers.
func (s *Session) Strat(family, verb string, data any) error {
	event := protocol.StratEvent(family, verb)
	if _, _, ok := protocol.ParseStrat(event); !ok {
		return apperr.Invalid("client.Strat", "unknown strat event %q", event)
	}
	if s.guest {
		return apperr.Forbidden("client.Strat", "guests cannot change the strat")
	}
	return s.relay.Send(event, data)
}

// Save stores a named version of the room. Unlike background persistence,
// failures are reported to the user.
func (s *Session) Save(ctx context.Context, name, description string) (SavedVersion, error) {
	var err error
	switch {
	case s.guest:
		err = apperr.Forbidden("client.Save", "guests cannot save")
	case s.store == nil:
		err = apperr.Invalid("client.Save", "no store configured")
	}
	if err != nil {
		s.notify(Notice{Op: "save", Err: err})
		return SavedVersion{}, err
	}

	v, err := s.store.SaveVersion(ctx, s.roomID, name, description)
	if err != nil {
		s.notify(Notice{Op: "save", Err: err})
		return SavedVersion{}, err
	}
	return v, nil
}

// Close stops cursor and laser timers and clears history. Persistence
// already in flight finishes, but its results are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.history.Clear()
	s.mu.Unlock()

	s.cursor.Stop()
	s.laser.Stop()
	s.stopRefetch()
}

// Wait blocks until background persistence and refetches have settled.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) persist(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Session) relaySend(event string, data any) {
	if err := s.relay.Send(event, data); err != nil {
		s.notify(Notice{Op: event, Err: err})
	}
}

func (s *Session) notify(n Notice) {
	s.logger.Warn("notice", zap.String("op", n.Op), zap.Error(n.Err))
	if s.notice != nil {
		go s.notice(n)
	}
}
