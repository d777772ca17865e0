package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/services"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	maxMessageSize  = 4 << 10
	sendBuffer     = 256
	commandTimeout = 10 * time.Second
)

// Hub owns every live websocket connection of this process and delivers
// bus events to the connections of each recipient.
type Hub struct {
	presence   *services.PresenceTracker
	delivery   Delivery
	rooms      Rooms
	heartbeats Heartbeats
	upgrader   websocket.Upgrader

	// pongWait is how long a connection may stay silent before it is
	// dropped. Pings go out at nine tenths of it.
	pongWait time.Duration

	mu      sync.RWMutex
	clients map[string]map[string]*client // userID -> connectionID -> client
}

type client struct {
	id    string
	actor services.Actor
	conn  *websocket.Conn
	send  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewHub creates a new Hub. heartbeats may be nil.
func NewHub(presence *services.PresenceTracker, delivery Delivery, rooms Rooms, heartbeats Heartbeats) (*Hub, error) {
	if presence == nil {
		return nil, fmt.Errorf("presence tracker cannot be nil for Hub")
	}
	if delivery == nil {
		return nil, fmt.Errorf("delivery service cannot be nil for Hub")
	}
	if rooms == nil {
		return nil, fmt.Errorf("room service cannot be nil for Hub")
	}
	return &Hub{
		presence:   presence,
		delivery:   delivery,
		rooms:      rooms,
		heartbeats: heartbeats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pongWait: defaultPongWait,
		clients:  make(map[string]map[string]*client),
	}, nil
}

// Publish implements events.Bus. Slow connections whose buffer is full are
// dropped instead of blocking the publisher.
func (h *Hub) Publish(_ context.Context, env events.Envelope) {
	if len(env.Recipients) == 0 {
		return
	}
	data, err := json.Marshal(env.Event)
	if err != nil {
		log.Error().Err(err).Str("eventType", string(env.Event.Type)).Msg("Failed to marshal realtime event")
		return
	}

	var targets []*client
	h.mu.RLock()
	for _, userID := range env.Recipients {
		for _, c := range h.clients[userID] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			log.Warn().Str("connectionID", c.id).Str("userID", c.actor.UserID).Msg("Send buffer full, dropping connection")
			c.close()
		}
	}
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Serve upgrades the request and runs the connection until it closes.
// The caller has already authenticated actor.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("userID", actor.UserID).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:    uuid.NewString(),
		actor: actor,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	hello, _ := json.Marshal(controlFrame{Type: frameConnected, ConnectionID: c.id, OK: true})
	c.enqueue(hello)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	conns := h.clients[c.actor.UserID]
	if conns == nil {
		conns = make(map[string]*client)
		h.clients[c.actor.UserID] = conns
	}
	conns[c.id] = c
	h.mu.Unlock()

	h.presence.RegisterConnection(c.actor.UserID, c.id)
	log.Info().Str("userID", c.actor.UserID).Str("connectionID", c.id).Str("role", string(c.actor.Role)).Msg("Realtime connection opened")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if conns := h.clients[c.actor.UserID]; conns != nil {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.clients, c.actor.UserID)
		}
	}
	h.mu.Unlock()

	h.presence.UnregisterConnection(c.id)
	c.close()
	log.Info().Str("userID", c.actor.UserID).Str("connectionID", c.id).Msg("Realtime connection closed")
}

// readPump runs commands until the client goes away or misses the read
// deadline. Either way the deferred unregister clears presence.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				log.Debug().Int("code", closeErr.Code).Str("connectionID", c.id).Msg("Client closed connection")
			case isTimeout(err):
				log.Info().Str("connectionID", c.id).Str("userID", c.actor.UserID).Msg("Connection missed its read deadline")
			default:
				log.Debug().Err(err).Str("connectionID", c.id).Msg("Read failed")
			}
			return
		}
		// Any frame counts as liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(h.pongWait))

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		err := h.dispatch(ctx, c, cmd)
		cancel()

		result := controlFrame{Type: frameCommandResult, Command: cmd.Type, RequestID: cmd.RequestID, OK: err == nil}
		if err != nil {
			result.Error = err.Error()
			log.Debug().Err(err).Str("command", cmd.Type).Str("userID", c.actor.UserID).Msg("Realtime command failed")
		}
		data, _ := json.Marshal(result)
		if !c.enqueue(data) {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("connectionID", c.id).Msg("Write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ConnectionCount returns how many connections this hub holds.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// Shutdown closes every connection. Their read pumps then unregister them.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	var all []*client
	for _, conns := range h.clients {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}
	log.Info().Int("connections", len(all)).Msg("Realtime hub shut down")
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
