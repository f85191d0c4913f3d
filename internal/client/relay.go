package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/protocol"
)

// Relay sends fire-and-forget frames to room peers through the gateway.
type Relay interface {
	Send(event string, data any) error
}

var (
	ErrRelayClosed = errors.New("relay closed")
	ErrRelayFull   = errors.New("relay send buffer full")
)

const (
	relayWriteWait  = 10 * time.Second
	relayPongWait   = 60 * time.Second
	relaySendBuffer = 256
)

// Conn is a gateway connection. Inbound frames are handed to the handler
// on the read goroutine in arrival order.
type Conn struct {
	conn    *websocket.Conn
	send    chan []byte
	handler func(protocol.Envelope)
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Dial connects to the gateway at addr (ws://host/ws?room=...). header
// carries the identity the upstream proxy would set.
func Dial(ctx context.Context, addr string, header http.Header, handler func(protocol.Envelope), logger *zap.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, addr, header)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		conn:    ws,
		send:    make(chan []byte, relaySendBuffer),
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
	return c, nil
}

// Connect joins the room cfg.RoomID through the gateway endpoint (for
// example ws://host/ws) and returns a session that sends on the connection
// and handles what it receives. Close the session and then the connection.
func Connect(ctx context.Context, gateway string, cfg Config) (*Session, *Conn, error) {
	u, err := url.Parse(gateway)
	if err != nil {
		return nil, nil, fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("room", cfg.RoomID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.UserID != "" {
		header.Set("X-User-ID", cfg.UserID)
	}
	if cfg.Name != "" {
		header.Set("X-User-Name", cfg.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	// The gateway sends room:joined straight away; hold frames until the
	// session exists.
	var s *Session
	ready := make(chan struct{})
	conn, err := Dial(ctx, u.String(), header, func(env protocol.Envelope) {
		<-ready
		if s != nil {
			s.HandleEvent(env)
		}
	}, cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("dial gateway: %w", err)
	}

	cfg.Relay = conn
	s, err = NewSession(cfg)
	close(ready)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return s, conn, nil
}

// Send queues a frame. It never blocks: a full buffer drops the frame.
func (c *Conn) Send(event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrRelayClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrRelayFull
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// Done is closed once the connection has stopped reading.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) readPump() {
	defer func() {
		close(c.done)
		c.wg.Done()
	}()

	c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(relayWriteWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("relay read failed", zap.Error(err))
			}
			return
		}
		env, err := protocol.Decode(message)
		if err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if c.handler != nil {
			c.handler(env)
		}
	}
}

func (c *Conn) writePump() {
	defer func() {
		c.conn.Close()
		c.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
