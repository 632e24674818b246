package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// Event names exchanged with clients.
const (
	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	authWait       = 30 * time.Second
	sendBufferSize = 16
	maxMessageSize = 8 << 10
)

// TokenVerifier resolves a bearer token to an account id.
type TokenVerifier interface {
	UserIDFromToken(token string) (string, error)
}

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inbound struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub keeps the websocket connections of this instance grouped in rooms
// keyed by account id.
type Hub struct {
	verifier TokenVerifier
	logger   *log.Logger
	upgrader websocket.Upgrader
	authWait time.Duration

	mu    sync.Mutex
	rooms map[string]map[*client]struct{}
}

// NewHub creates a Hub. allowedOrigin is compared with the Origin header of
// upgrade requests; "*" or "" accepts any origin.
func NewHub(verifier TokenVerifier, logger *log.Logger, allowedOrigin string) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &Hub{
		verifier: verifier,
		logger:   logger,
		authWait: authWait,
		rooms:    make(map[string]map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
		},
	}
	return h
}

// Broadcast pushes an event to every connection of userID on this instance.
func (h *Hub) Broadcast(ctx context.Context, userID, event string, payload any) error {
	frame, err := sonic.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}
	h.deliver(userID, frame)
	return nil
}

// deliver queues a frame for each connection in the room. Slow connections
// whose buffer is full miss the frame.
func (h *Hub) deliver(userID string, frame []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.rooms[userID] {
		select {
		case c.send <- frame:
			n++
		default:
			h.logger.WithField("user", userID).Warn("websocket send buffer full, dropping event")
		}
	}
	return n
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	room, ok := h.rooms[c.userID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.userID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	if room, ok := h.rooms[c.userID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Connections returns the number of live connections of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[userID])
}

// Handle upgrades the request to a websocket. The first frame must be an
// authenticate event carrying a bearer token; anything else closes the socket.
func (h *Hub) Handle(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return nil
	}
	conn.SetReadLimit(maxMessageSize)

	userID, err := h.authenticate(conn)
	if err != nil {
		h.logger.WithError(err).Debug("websocket authentication failed")
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), deadline)
		_ = conn.Close()
		return nil
	}

	cl := &client{userID: userID, conn: conn, send: make(chan []byte, sendBufferSize)}
	ack, _ := sonic.Marshal(Envelope{Event: EventAuthenticated})
	cl.send <- ack
	h.join(cl)
	h.logger.WithField("user", userID).Debug("websocket joined")

	go h.writePump(cl)
	h.readPump(cl)
	return nil
}

func (h *Hub) authenticate(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.authWait))
	var msg inbound
	if err := conn.ReadJSON(&msg); err != nil {
		return "", err
	}
	if msg.Event != EventAuthenticate {
		return "", errUnexpectedEvent(msg.Event)
	}
	return h.verifier.UserIDFromToken(msg.Data)
}

type errUnexpectedEvent string

func (e errUnexpectedEvent) Error() string {
	return "expected authenticate event, got " + string(e)
}

// readPump drains client frames until the connection fails. Clients have
// nothing to send after authenticating, so frames are discarded.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.leave(c)
		h.logger.WithField("user", c.userID).Debug("websocket left")
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
