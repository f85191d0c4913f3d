// Package protocol defines the frames exchanged between the gateway and
// room participants. Every frame is a JSON envelope naming an event and
// carrying an event-specific data object.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manpreetbhatti/stratsync/internal/draw"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Room lifecycle. Joining happens on connect; a later room:join asks the
// gateway to resend the roster.
const (
	EventJoin       = "room:join"
	EventJoined     = "room:joined"
	EventUserJoined = "room:user-joined"
	EventUserLeft   = "room:user-left"
	EventError      = "error"
)

// Client to gateway.
const (
	EventDrawCreate  = "draw:create"
	EventDrawCreated = "draw:created"
	EventDrawUpdate  = "draw:update"
	EventDrawDelete  = "draw:delete"
	EventCursorMove  = "cursor:move"
	EventLaserLine   = "laser:line"
	EventChatSend    = "chat:send"
)

// Gateway to peers.
const (
	EventDrawUpdated = "draw:updated"
	EventDrawDeleted = "draw:deleted"
	EventCursorMoved = "cursor:moved"
	EventChatMessage = "chat:message"
)

// StratFamilies are the configuration families of the strat:* events.
var StratFamilies = []string{"phase", "ban", "config", "loadout", "visibility", "color", "slot"}

var stratVerbs = map[string]string{
	"create": "created",
	"update": "updated",
	"delete": "deleted",
	"switch": "switched",
}

// StratEvent builds "strat:<family>:<verb>".
func StratEvent(family, verb string) string {
	return "strat:" + family + ":" + verb
}

// ParseStrat splits a strat event and reports whether it is a known
// client-issued one.
func ParseStrat(event string) (family, verb string, ok bool) {
	parts := strings.Split(event, ":")
	if len(parts) != 3 || parts[0] != "strat" {
		return "", "", false
	}
	if _, known := stratVerbs[parts[2]]; !known {
		return "", "", false
	}
	for _, f := range StratFamilies {
		if f == parts[1] {
			return parts[1], parts[2], true
		}
	}
	return "", "", false
}

// RelayName returns the event name peers receive for an inbound event, or
// false when the event is not relayable.
func RelayName(event string) (string, bool) {
	switch event {
	case EventDrawCreate:
		return EventDrawCreate, true
	case EventDrawCreated:
		return EventDrawCreated, true
	case EventDrawUpdate:
		return EventDrawUpdated, true
	case EventDrawDelete:
		return EventDrawDeleted, true
	case EventCursorMove:
		return EventCursorMoved, true
	case EventLaserLine:
		return EventLaserLine, true
	case EventChatSend:
		return EventChatMessage, true
	}
	if family, verb, ok := ParseStrat(event); ok {
		return StratEvent(family, stratVerbs[verb]), true
	}
	return "", false
}

// IsMutating reports whether an inbound event changes shared state that has
// a durable counterpart. Guests have no write capability, so the gateway
// drops these from them.
func IsMutating(event string) bool {
	if strings.HasPrefix(event, "draw:") {
		return true
	}
	_, _, ok := ParseStrat(event)
	return ok
}

// Encode builds a frame.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses a frame and checks it names an event.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if len(frame) == 0 {
		return env, fmt.Errorf("empty message")
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return env, fmt.Errorf("envelope has no event")
	}
	return env, nil
}

// Participant is a roster entry as sent on the wire.
type Participant struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	Guest    bool   `json:"guest,omitempty"`
	JoinedAt int64  `json:"joinedAt"`
}

type Joined struct {
	Color        string        `json:"color"`
	Participants []Participant `json:"participants"`
}

type UserJoined struct {
	Participant Participant `json:"participant"`
}

type UserLeft struct {
	UserID string `json:"userId"`
}

type DrawCreate struct {
	UserID   string         `json:"userId,omitempty"`
	FloorID  string         `json:"floorId"`
	Payloads []draw.Payload `json:"payloads"`
}

type DrawUpdate struct {
	UserID string       `json:"userId,omitempty"`
	ID     string       `json:"id"`
	Data   draw.Payload `json:"data"`
}

type DrawDelete struct {
	UserID string   `json:"userId,omitempty"`
	IDs    []string `json:"ids"`
}

type CursorMove struct {
	UserID  string  `json:"userId,omitempty"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	FloorID string  `json:"floorId"`
	IsLaser bool    `json:"isLaser"`
	Color   string  `json:"color,omitempty"`
}

type LaserLine struct {
	UserID string       `json:"userId,omitempty"`
	Points []draw.Point `json:"points"`
	Color  string       `json:"color"`
}

type Chat struct {
	UserID  string `json:"userId,omitempty"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	SentAt  int64  `json:"sentAt,omitempty"`
}

type ErrorFrame struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
