package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
	"github.com/manpreetbhatti/stratsync/internal/protocol"
	"github.com/manpreetbhatti/stratsync/internal/ratelimit"
	"github.com/manpreetbhatti/stratsync/internal/room"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	id      string
	roomID  string
	userID  string
	name    string
	color   string
	guest   bool
	session uint64
	limiter *ratelimit.Limiter
}

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(h.opts.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range h.opts.AllowedOrigins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// identify reads the identity set by the upstream auth proxy. Requests
// without one join as a guest.
func identify(r *http.Request) room.Participant {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	name := r.Header.Get("X-User-Name")
	if name == "" {
		name = r.URL.Query().Get("name")
	}

	if userID == "" {
		if name == "" {
			name = "Guest"
		}
		return room.Participant{UserID: "guest-" + uuid.NewString(), Name: name, Guest: true}
	}
	if name == "" {
		name = userID
	}
	return room.Participant{UserID: userID, Name: name}
}

// ServeWs upgrades the request and joins the caller to ?room=.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}
	p := identify(r)

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	res, err := h.registry.Join(r.Context(), roomID, p)
	if err != nil {
		h.reject(conn, roomID, err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.opts.SendBuffer),
		id:      uuid.NewString(),
		roomID:  roomID,
		userID:  p.UserID,
		name:    p.Name,
		color:   res.Color,
		guest:   p.Guest,
		session: res.Session,
		limiter: h.limiters.Get(roomID + "/" + p.UserID),
	}

	select {
	case h.register <- client:
	case <-h.done:
		h.registry.Leave(roomID, p.UserID, res.Session)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) reject(conn *websocket.Conn, roomID string, err error) {
	h.logger.Info("join rejected", zap.String("room_id", roomID), zap.Error(err))

	frame, encErr := protocol.Encode(protocol.EventError, protocol.ErrorFrame{
		Kind:    apperr.KindOf(err).String(),
		Message: err.Error(),
	})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if encErr == nil {
		conn.WriteMessage(websocket.TextMessage, frame)
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "join rejected"))
	conn.Close()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	logger := c.hub.logger.With(
		zap.String("room_id", c.roomID),
		zap.String("user_id", c.userID),
		zap.String("conn_id", c.id),
	)

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			violations++
			if violations%100 == 1 {
				logger.Warn("rate limit exceeded", zap.Int("violations", violations))
			}
			if violations > c.hub.opts.MaxViolations {
				logger.Warn("disconnecting for excessive rate limit violations")
				return
			}
			continue
		}

		if err := c.hub.route(c, message); err != nil {
			logger.Debug("dropped frame", zap.Error(err))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
