package broadcast

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"recordable/server/internal/auth"
	"recordable/server/internal/logging"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
)

// ErrHubClosed is returned when publishing after Close.
var ErrHubClosed = errors.New("broadcast hub closed")

// Authenticator validates a websocket upgrade request and returns the listener id.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// TokenAuthenticator accepts listener tokens from the auth_token query parameter or the
// X-Auth-Token header.
type TokenAuthenticator struct {
	Keyring *auth.Keyring
}

// Authenticate implements Authenticator.
func (a TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a.Keyring == nil {
		return "", errors.New("keyring not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}
	claims, err := a.Keyring.Verify(token, auth.AudienceVolumes)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// HubOptions configures a Hub.
type HubOptions struct {
	Logger         *logging.Logger
	PingInterval   time.Duration
	MaxClients     int
	AllowedOrigins []string
	Authenticator  Authenticator
}

// HubStats summarises hub activity.
type HubStats struct {
	Clients int
	Frames  uint64
	Dropped uint64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans broadcast frames out to connected websocket listeners. Listeners that cannot
// keep up are disconnected rather than slowing the simulation down.
type Hub struct {
	upgrader     websocket.Upgrader
	log          *logging.Logger
	pingInterval time.Duration
	maxClients   int
	auth         Authenticator

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	frames  atomic.Uint64
	dropped atomic.Uint64
}

// NewHub constructs a hub. An empty origin list accepts every origin.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		origins[strings.ToLower(origin)] = struct{}{}
	}
	hub := &Hub{
		log:          logger,
		pingInterval: ping,
		maxClients:   opts.MaxClients,
		auth:         opts.Authenticator,
		clients:      make(map[*client]struct{}),
	}
	hub.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			_, ok := origins[strings.ToLower(r.Header.Get("Origin"))]
			return ok
		},
	}
	return hub
}

// ServeHTTP upgrades the request and registers the listener.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqLogger := h.log.With(logging.String("remote_addr", r.RemoteAddr))

	//1.- Authenticate and enforce capacity before paying for the upgrade.
	id := r.RemoteAddr
	if h.auth != nil {
		subject, err := h.auth.Authenticate(r)
		if err != nil {
			reqLogger.Warn("volume stream denied", logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id = subject
	}
	if h.maxClients > 0 && h.Clients() >= h.maxClients {
		reqLogger.Warn("volume stream denied: capacity reached", logging.Int("max_clients", h.maxClients))
		http.Error(w, "too many listeners", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		reqLogger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), id: id}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	reqLogger.Info("volume listener connected", logging.String("listener", id))

	go h.readLoop(c)
	go h.writeLoop(c)
}

// readLoop drains inbound traffic so control frames are processed and detects hang ups.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// remove unregisters c and closes its send queue exactly once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish encodes frame and queues it for every listener.
func (h *Hub) Publish(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.frames.Add(1)
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			//1.- A full queue means the listener stalled; drop it instead of blocking the tick.
			delete(h.clients, c)
			close(c.send)
			h.dropped.Add(1)
			h.log.Warn("dropping slow volume listener", logging.String("listener", c.id))
		}
	}
	return nil
}

// Clients returns the number of connected listeners.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats returns hub counters.
func (h *Hub) Stats() HubStats {
	return HubStats{Clients: h.Clients(), Frames: h.frames.Load(), Dropped: h.dropped.Load()}
}

// Close disconnects every listener and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
