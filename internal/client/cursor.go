package client

import (
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/stratsync/internal/draw"
)

const (
	DefaultCursorInterval = 50 * time.Millisecond
	DefaultLaserGrace     = 100 * time.Millisecond
	DefaultLaserFade      = 3000 * time.Millisecond
)

// Clock lets timing behavior run against a fake in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Throttle forwards at most one value per interval. A value submitted
// inside the interval replaces any value already waiting; the latest one
// is sent when the interval ends.
type Throttle[T any] struct {
	interval time.Duration
	clock    Clock
	send     func(T)

	mu         sync.Mutex
	last       time.Time
	sent       bool
	pending    T
	hasPending bool
	timer      Timer
	stopped    bool
}

func NewThrottle[T any](interval time.Duration, clock Clock, send func(T)) *Throttle[T] {
	if clock == nil {
		clock = realClock{}
	}
	return &Throttle[T]{interval: interval, clock: clock, send: send}
}

func (t *Throttle[T]) Submit(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	now := t.clock.Now()
	if t.timer == nil && (!t.sent || now.Sub(t.last) >= t.interval) {
		t.emit(v, now)
		return
	}

	t.pending = v
	t.hasPending = true
	if t.timer == nil {
		t.timer = t.clock.AfterFunc(t.last.Add(t.interval).Sub(now), t.flush)
	}
}

// Reset drops any waiting value and makes the next Submit go out at once.
func (t *Throttle[T]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	var zero T
	t.pending = zero
	t.hasPending = false
	t.sent = false
	t.stopped = false
}

// Stop cancels the waiting value and ignores later submissions.
func (t *Throttle[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.hasPending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Throttle[T]) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = nil
	if t.stopped || !t.hasPending {
		return
	}
	t.emit(t.pending, t.clock.Now())
}

func (t *Throttle[T]) emit(v T, now time.Time) {
	var zero T
	t.pending = zero
	t.hasPending = false
	t.last = now
	t.sent = true
	t.send(v)
}

// LaserGesture accumulates the points of one held laser stroke. While held
// the growing line goes out through a throttle; End sends it once more in
// full.
type LaserGesture struct {
	mu       sync.Mutex
	points   []draw.Point
	active   bool
	throttle *Throttle[[]draw.Point]
	send     func([]draw.Point)
}

func NewLaserGesture(interval time.Duration, clock Clock, send func([]draw.Point)) *LaserGesture {
	return &LaserGesture{
		throttle: NewThrottle(interval, clock, send),
		send:     send,
	}
}

func (g *LaserGesture) Start(p draw.Point) {
	g.mu.Lock()
	g.points = []draw.Point{p}
	g.active = true
	snapshot := g.copyPoints()
	g.mu.Unlock()
	g.throttle.Submit(snapshot)
}

func (g *LaserGesture) Add(p draw.Point) {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return
	}
	g.points = append(g.points, p)
	snapshot := g.copyPoints()
	g.mu.Unlock()
	g.throttle.Submit(snapshot)
}

// End releases the gesture and returns the full line.
func (g *LaserGesture) End() []draw.Point {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return nil
	}
	g.active = false
	full := g.copyPoints()
	g.points = nil
	g.mu.Unlock()

	g.throttle.Reset()
	g.send(full)
	return full
}

func (g *LaserGesture) Stop() {
	g.mu.Lock()
	g.active = false
	g.points = nil
	g.mu.Unlock()
	g.throttle.Stop()
}

func (g *LaserGesture) copyPoints() []draw.Point {
	out := make([]draw.Point, len(g.points))
	copy(out, g.points)
	return out
}

type Cursor struct {
	UserID  string
	X, Y    float64
	FloorID string
	IsLaser bool
	Color   string
}

type LaserTrail struct {
	UserID  string
	Points  []draw.Point
	Color   string
	Opacity float64
}

type laserState struct {
	points []draw.Point
	color  string
	last   time.Time
}

// PeerCursors is the receiving side: the last cursor of every peer and the
// laser lines still fading.
type PeerCursors struct {
	clock Clock
	grace time.Duration
	fade  time.Duration

	mu      sync.Mutex
	cursors map[string]Cursor
	lasers  map[string]*laserState
}

func NewPeerCursors(clock Clock, grace, fade time.Duration) *PeerCursors {
	if clock == nil {
		clock = realClock{}
	}
	return &PeerCursors{
		clock:   clock,
		grace:   grace,
		fade:    fade,
		cursors: make(map[string]Cursor),
		lasers:  make(map[string]*laserState),
	}
}

func (p *PeerCursors) Move(c Cursor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors[c.UserID] = c
}

func (p *PeerCursors) Laser(userID string, points []draw.Point, color string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lasers[userID] = &laserState{points: points, color: color, last: p.clock.Now()}
}

// Remove forgets everything about a peer that left.
func (p *PeerCursors) Remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cursors, userID)
	delete(p.lasers, userID)
}

// opacity is 1 until grace has passed without an update, then falls
// linearly to exactly 0 over fade.
func (p *PeerCursors) opacity(l *laserState, now time.Time) float64 {
	fading := now.Sub(l.last) - p.grace
	if fading <= 0 {
		return 1
	}
	if fading >= p.fade {
		return 0
	}
	return 1 - float64(fading)/float64(p.fade)
}

// Opacity of userID's laser line, 0 if there is none.
func (p *PeerCursors) Opacity(userID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lasers[userID]
	if !ok {
		return 0
	}
	return p.opacity(l, p.clock.Now())
}

// Prune drops fully faded laser lines.
func (p *PeerCursors) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prune(p.clock.Now())
}

func (p *PeerCursors) prune(now time.Time) int {
	n := 0
	for id, l := range p.lasers {
		if p.opacity(l, now) == 0 {
			delete(p.lasers, id)
			n++
		}
	}
	return n
}

func (p *PeerCursors) Cursors() []Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Cursor, 0, len(p.cursors))
	for _, c := range p.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Lasers prunes and returns the visible laser lines.
func (p *PeerCursors) Lasers() []LaserTrail {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	p.prune(now)
	out := make([]LaserTrail, 0, len(p.lasers))
	for id, l := range p.lasers {
		out = append(out, LaserTrail{UserID: id, Points: l.points, Color: l.color, Opacity: p.opacity(l, now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
