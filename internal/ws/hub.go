package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/protocol"
	"github.com/manpreetbhatti/stratsync/internal/ratelimit"
	"github.com/manpreetbhatti/stratsync/internal/room"
)

var errUnknownEvent = errors.New("unknown event")

type Options struct {
	MessagesPerSecond float64
	MessageBurst      int
	SendBuffer        int
	MaxMessageSize    int64
	MaxViolations     int
	// AllowedOrigins empty accepts any origin.
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		MessagesPerSecond: 100,
		MessageBurst:      200,
		SendBuffer:        512,
		MaxMessageSize:    1024 * 1024,
		MaxViolations:     1000,
	}
}

// Hub relays frames between the connections of each room. Membership is
// delegated to the room registry; the hub only tracks sockets. Relay is
// at-most-once: a peer whose send buffer is full is disconnected rather
// than waited on.
type Hub struct {
	registry *room.Registry
	bus      Bus
	logger   *zap.Logger
	opts     Options
	limiters *ratelimit.Set
	instance string
	now      func() time.Time

	// Registered clients by room. Written only by Run.
	rooms map[string]map[*Client]bool
	mu    sync.RWMutex

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

type Message struct {
	RoomID string
	Data   []byte
	// Sender is excluded from delivery. Nil for frames from the bus.
	Sender *Client
	// To restricts delivery to a single client.
	To *Client
}

// NewHub builds a hub. bus may be nil for a single-instance deployment.
func NewHub(registry *room.Registry, bus Bus, opts Options, logger *zap.Logger) *Hub {
	return &Hub{
		registry:   registry,
		bus:        bus,
		logger:     logger,
		opts:       opts,
		limiters:   ratelimit.NewSet(opts.MessagesPerSecond, opts.MessageBurst, 5*time.Minute),
		instance:   uuid.NewString(),
		now:        time.Now,
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan *Message),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns the connection table until ctx is cancelled, then closes every
// client's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	if h.bus != nil {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case message := <-h.broadcast:
			if message.To != nil {
				h.deliverTo(message.To, message.Data)
				continue
			}
			h.deliver(message.RoomID, message.Data, message.Sender)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.limiters.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID, clients := range h.rooms {
		for client := range clients {
			close(client.send)
		}
		delete(h.rooms, roomID)
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	if _, ok := h.rooms[client.roomID]; !ok {
		h.rooms[client.roomID] = make(map[*Client]bool)
	}
	h.rooms[client.roomID][client] = true
	clientCount := len(h.rooms[client.roomID])
	h.mu.Unlock()

	// The roster is read here rather than at join time so that every
	// participant registered before this one is in it, and every one
	// registered after gets user-joined for this one.
	if frame, err := h.joinedFrame(client); err == nil {
		h.deliverTo(client, frame)
	}
	if p, ok := h.registry.Participant(client.roomID, client.userID); ok {
		frame, err := protocol.Encode(protocol.EventUserJoined, protocol.UserJoined{Participant: wireParticipant(p)})
		if err == nil {
			h.deliver(client.roomID, frame, client)
		}
	}

	h.logger.Debug("connection registered",
		zap.String("room_id", client.roomID),
		zap.String("conn_id", client.id),
		zap.Int("connections", clientCount),
	)
}

func (h *Hub) joinedFrame(client *Client) ([]byte, error) {
	roster := h.registry.Roster(client.roomID)
	participants := make([]protocol.Participant, 0, len(roster))
	for _, p := range roster {
		participants = append(participants, wireParticipant(p))
	}
	return protocol.Encode(protocol.EventJoined, protocol.Joined{
		Color:        client.color,
		Participants: participants,
	})
}

// remove drops client, closes its send channel and ends its membership.
// Safe to call for a client that is already gone.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	clients, ok := h.rooms[client.roomID]
	if !ok || !clients[client] {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.rooms, client.roomID)
	}
	remaining := len(clients)
	h.mu.Unlock()

	h.logger.Debug("connection removed",
		zap.String("room_id", client.roomID),
		zap.String("conn_id", client.id),
		zap.Int("remaining", remaining),
	)

	if !h.registry.Leave(client.roomID, client.userID, client.session) {
		return
	}
	frame, err := protocol.Encode(protocol.EventUserLeft, protocol.UserLeft{UserID: client.userID})
	if err != nil {
		return
	}
	h.deliver(client.roomID, frame, nil)
}

func (h *Hub) deliver(roomID string, frame []byte, sender *Client) {
	var slow []*Client

	h.mu.RLock()
	for client := range h.rooms[roomID] {
		if client == sender {
			continue
		}
		select {
		case client.send <- frame:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("disconnecting slow consumer",
			zap.String("room_id", roomID),
			zap.String("user_id", client.userID),
		)
		h.remove(client)
	}
}

func (h *Hub) deliverTo(client *Client, frame []byte) {
	h.mu.RLock()
	registered := h.rooms[client.roomID][client]
	h.mu.RUnlock()
	if !registered {
		return
	}
	select {
	case client.send <- frame:
	default:
		h.remove(client)
	}
}

// route validates an inbound frame from client and hands the relayed form
// to Run. Guest mutations are dropped without error.
func (h *Hub) route(client *Client, frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}

	if env.Event == protocol.EventJoin {
		joined, err := h.joinedFrame(client)
		if err != nil {
			return err
		}
		h.enqueue(&Message{RoomID: client.roomID, Data: joined, To: client})
		return nil
	}

	name, ok := protocol.RelayName(env.Event)
	if !ok {
		return fmt.Errorf("%w: %q", errUnknownEvent, env.Event)
	}
	if client.guest && protocol.IsMutating(env.Event) {
		h.logger.Debug("dropped guest mutation",
			zap.String("room_id", client.roomID),
			zap.String("user_id", client.userID),
			zap.String("event", env.Event),
		)
		return nil
	}

	data, err := stamp(env.Event, env.Data, client, h.now())
	if err != nil {
		return err
	}
	out, err := json.Marshal(protocol.Envelope{Event: name, Data: data})
	if err != nil {
		return err
	}

	h.enqueue(&Message{RoomID: client.roomID, Data: out, Sender: client})
	h.publish(client.roomID, out)
	return nil
}

func (h *Hub) enqueue(m *Message) {
	select {
	case h.broadcast <- m:
	case <-h.done:
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) publish(roomID string, frame []byte) {
	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	err := h.bus.Publish(ctx, BusMessage{Origin: h.instance, RoomID: roomID, Frame: frame})
	if err != nil {
		h.logger.Warn("bus publish failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (h *Hub) subscribe(ctx context.Context) {
	err := h.bus.Subscribe(ctx, func(m BusMessage) {
		if m.Origin == h.instance {
			return
		}
		h.enqueue(&Message{RoomID: m.RoomID, Data: m.Frame})
	})
	if err != nil && ctx.Err() == nil {
		h.logger.Error("bus subscription ended", zap.Error(err))
	}
}

// ConnectionCount is the number of sockets currently registered.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.rooms {
		n += len(clients)
	}
	return n
}

// stamp validates data for event and overwrites the sender fields the
// client is not trusted to set.
func stamp(event string, data json.RawMessage, client *Client, now time.Time) (json.RawMessage, error) {
	if err := validate(event, data); err != nil {
		return nil, fmt.Errorf("%s: %w", event, err)
	}

	fields := make(map[string]json.RawMessage)
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("%s: data must be an object: %w", event, err)
		}
	}

	set := func(key string, v any) {
		raw, _ := json.Marshal(v)
		fields[key] = raw
	}
	set("userId", client.userID)
	switch event {
	case protocol.EventCursorMove:
		set("color", client.color)
	case protocol.EventChatSend:
		set("name", client.name)
		set("sentAt", now.UnixMilli())
	}
	return json.Marshal(fields)
}

const maxChatLength = 2000

func validate(event string, data json.RawMessage) error {
	switch event {
	case protocol.EventDrawCreate:
		var m protocol.DrawCreate
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if m.FloorID == "" || len(m.Payloads) == 0 {
			return errors.New("floorId and payloads are required")
		}
		for i, p := range m.Payloads {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("payload %d: %w", i, err)
			}
		}
	case protocol.EventDrawUpdate:
		var m protocol.DrawUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if m.ID == "" {
			return errors.New("id is required")
		}
		return m.Data.Validate()
	case protocol.EventDrawDelete:
		var m protocol.DrawDelete
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if len(m.IDs) == 0 {
			return errors.New("ids are required")
		}
	case protocol.EventCursorMove:
		var m protocol.CursorMove
		return json.Unmarshal(data, &m)
	case protocol.EventLaserLine:
		var m protocol.LaserLine
		return json.Unmarshal(data, &m)
	case protocol.EventChatSend:
		var m protocol.Chat
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if m.Message == "" || len(m.Message) > maxChatLength {
			return errors.New("message must be 1-2000 bytes")
		}
	}
	return nil
}

func wireParticipant(p room.Participant) protocol.Participant {
	return protocol.Participant{
		UserID:   p.UserID,
		Name:     p.Name,
		Color:    p.Color,
		Guest:    p.Guest,
		JoinedAt: p.JoinedAt.UnixMilli(),
	}
}
