package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hearth-dev/hearth/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Per-client send buffer.
	clientSendBuffer = 8
)

// reloadMessage is the minimal payload pushed on rebuild. The browser does a
// full page reload on receipt; no page content travels on this channel.
type reloadMessage struct {
	Type string   `json:"type"`
	Keys []string `json:"keys,omitempty"`
}

// wsLink is the slice of *websocket.Conn the pumps use.
type wsLink interface {
	SetReadLimit(limit int64)
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

type client struct {
	conn    wsLink
	tokenID string
	send    chan []byte
}

// Hub tracks connected live-reload clients and broadcasts reload messages
// to the ones whose tokens are still valid.
//
// The client set is single-writer: register, unregister, drop, and deliver
// all happen on the Run goroutine, which is the only place a client's send
// channel is ever closed. Pumps hand a disconnecting client back through
// the unregister channel and never touch the set directly.
type Hub struct {
	tokens *TokenStore
	logger logging.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	mutex   sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub backed by the given token store.
func NewHub(tokens *TokenStore, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Hub{
		tokens:     tokens,
		logger:     logger.WithComponent("livereload"),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 16),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run processes registrations and broadcasts until the context is
// cancelled. It runs on its own goroutine; Broadcast may be called from
// whichever goroutine finishes a build.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.Debug(ctx, "client connected", "total", count)

		case c := <-h.unregister:
			h.drop(c)
			h.logger.Debug(ctx, "client disconnected")

		case message := <-h.broadcast:
			h.deliver(ctx, message)
		}
	}
}

// Broadcast queues a reload message for every connected client. Implements
// the notifier side of the build pipeline.
func (h *Hub) Broadcast(affectedKeys []string) {
	payload, err := json.Marshal(reloadMessage{Type: "reload", Keys: affectedKeys})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		// A pending broadcast already forces a full reload; piling more
		// behind a stalled hub adds nothing.
	}
}

// deliver pushes one message to all clients holding currently valid tokens.
// A client whose token expired since the last message is dropped rather
// than notified, forcing re-authentication.
func (h *Hub) deliver(ctx context.Context, message []byte) {
	h.mutex.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mutex.RUnlock()

	var stale []*client
	for _, c := range targets {
		if !h.tokens.Validate(c.tokenID) {
			stale = append(stale, c)
			continue
		}
		select {
		case c.send <- message:
		default:
			// Send buffer full: the client is not draining. Drop it.
			stale = append(stale, c)
		}
	}

	for _, c := range stale {
		h.drop(c)
	}
	if len(stale) > 0 {
		h.logger.Debug(ctx, "dropped stale clients", "count", len(stale))
	}
}

// drop removes a client and closes its send channel. Run-goroutine only:
// closing send anywhere else races deliver's buffered-channel send.
func (h *Hub) drop(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// handleWebSocket authenticates the presented token, upgrades the
// connection, and starts the client pumps.
func (s *DevServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	tokenID := r.URL.Query().Get("token")
	if tokenID == "" || !s.tokens.Validate(tokenID) {
		// Stale or forged tokens are rejected before the upgrade so an
		// unauthenticated peer never holds a standing connection.
		http.Error(w, "Invalid or expired reload token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: false,
	})
	if err != nil {
		s.logger.Warn(r.Context(), err, "websocket upgrade failed")
		return
	}

	c := &client{
		conn:    conn,
		tokenID: tokenID,
		send:    make(chan []byte, clientSendBuffer),
	}

	go c.writePump(s.hub)
	go c.readPump(s.hub, s.tokens)

	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// checkOrigin validates the request origin. Browsers attach Origin on
// websocket upgrades; anything but the dev server's own host is refused.
func (s *DevServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return false
	}

	allowed := []string{
		fmt.Sprintf("%s:%d", s.host, s.port),
		fmt.Sprintf("localhost:%d", s.port),
		fmt.Sprintf("127.0.0.1:%d", s.port),
	}
	for _, candidate := range allowed {
		if originURL.Host == candidate {
			return true
		}
	}

	return false
}

// readPump drains (and discards) inbound frames so pings are processed, and
// revokes the token on clean disconnect.
func (c *client) readPump(h *Hub, tokens *TokenStore) {
	// The client must reach the hub goroutine, which owns the set and the
	// send channel; a mid-broadcast hub picks it up on its next loop turn.
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)

	ctx := context.Background()
	for {
		readCtx, cancel := context.WithTimeout(ctx, pongWait)
		_, _, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				tokens.Revoke(c.tokenID)
			}
			return
		}
	}
}

// writePump pushes queued messages and periodic pings to the peer.
func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()

	for {
		select {
		case message, ok := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			if !ok {
				cancel()
				return
			}
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
