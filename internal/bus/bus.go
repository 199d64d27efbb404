// Package bus implements the real-time subscription bus (spec.md §4.5):
// WebSocket clients subscribe to one or more subdomains and receive newly
// captured interactions as they are logged. The registration model —
// mutex-guarded register/unregister, a bounded per-client send queue, and
// a drop-oldest slow-consumer policy — is adapted from the teacher's
// websocket hub pattern (the same shape also appears in the reference
// chat-gateway hub this corpus carries), generalized from a single global
// broadcast to per-subdomain membership with at most
// max_subscriptions_per_conn entries per connection (spec.md §4.5).
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/requestrepo/engine/internal/requestlog"
	"github.com/requestrepo/engine/internal/storage"
)

const heartbeatTimeout = 90 * time.Second

// TokenVerifier resolves a session token to its subdomain, matching
// internal/token.Service.Verify's signature narrowly enough to avoid an
// import cycle.
type TokenVerifier interface {
	Verify(token string) (subdomain string, issuedAt time.Time, err error)
}

// clientMsg is the client→server frame shape (spec.md §4.5).
type clientMsg struct {
	Cmd       string `json:"cmd"`
	Token     string `json:"token,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
}

// serverMsg is the server→client frame shape.
type serverMsg struct {
	Cmd       string      `json:"cmd"`
	Subdomain string      `json:"subdomain,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// Hub fans out newly captured interactions to subscribed WebSocket
// clients. It also subscribes to the storage backend's pub/sub so captures
// happening in any process reach every hub.
type Hub struct {
	log     *slog.Logger
	backend storage.Backend
	reqlog  *requestlog.Log
	tokens  TokenVerifier

	maxSubsPerConn int
	sendQueueSize  int
	recentBulk     int

	mu      sync.RWMutex
	members map[string]map[*Client]struct{} // subdomain -> clients

	subsMu     sync.Mutex
	subsCancel map[string]context.CancelFunc // subdomain -> backend subscription lifetime
	subsCount  map[string]int
}

// NewHub builds a Hub. recentBulk is the M in spec.md §4.5's "up to M
// recent items" bulk-reply-on-subscribe behavior (0 disables the bulk reply).
func NewHub(log *slog.Logger, backend storage.Backend, reqlog *requestlog.Log, tokens TokenVerifier, maxSubsPerConn, sendQueueSize, recentBulk int) *Hub {
	return &Hub{
		log:            log,
		backend:        backend,
		reqlog:         reqlog,
		tokens:         tokens,
		maxSubsPerConn: maxSubsPerConn,
		sendQueueSize:  sendQueueSize,
		recentBulk:     recentBulk,
		members:        make(map[string]map[*Client]struct{}),
		subsCancel:     make(map[string]context.CancelFunc),
		subsCount:      make(map[string]int),
	}
}

// Client is one WebSocket connection, possibly subscribed to several
// subdomains at once.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	mu   sync.Mutex
	subs map[string]struct{}

	send        chan []byte
	done        chan struct{}
	closeCode   int
	closeReason string
}

// ServeConn takes ownership of an upgraded websocket connection and runs
// its read/write pumps until the connection closes.
func (h *Hub) ServeConn(conn *websocket.Conn) {
	c := &Client{
		hub:  h,
		conn: conn,
		subs: make(map[string]struct{}),
		send:      make(chan []byte, h.sendQueueSize),
		done:      make(chan struct{}),
		closeCode: websocket.CloseGoingAway,
	}

	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))

		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed", "could not parse message")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg clientMsg) {
	switch msg.Cmd {
	case "connect":
		c.handleConnect(msg.Token)
	case "ping":
		c.enqueue(serverMsg{Cmd: "pong"})
	case "disconnect":
		c.handleDisconnect(msg.Subdomain)
	default:
		c.sendError("unknown_command", "unrecognized cmd")
	}
}

func (c *Client) handleConnect(token string) {
	sub, _, err := c.hub.tokens.Verify(token)
	if err != nil {
		// Per spec.md §4.5: reply with an error but do NOT close the
		// connection; other subdomains may still succeed.
		c.sendError("invalid_token", "token did not verify")
		return
	}

	c.mu.Lock()
	if _, already := c.subs[sub]; !already && len(c.subs) >= c.hub.maxSubsPerConn {
		c.mu.Unlock()
		c.sendError("too_many_subscriptions", "max_subscriptions_per_conn exceeded")
		return
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	c.hub.addMember(sub, c)
	c.enqueue(serverMsg{Cmd: "connected", Subdomain: sub})

	if c.hub.recentBulk > 0 && c.hub.reqlog != nil {
		page, err := c.hub.reqlog.List(context.Background(), sub, int64(c.hub.recentBulk), 0)
		if err == nil && len(page.Items) > 0 {
			c.enqueue(serverMsg{Cmd: "requests", Subdomain: sub, Data: page.Items})
		}
	}
}

func (c *Client) handleDisconnect(sub string) {
	c.mu.Lock()
	if sub == "" {
		for s := range c.subs {
			delete(c.subs, s)
			c.hub.removeMember(s, c)
		}
	} else if _, ok := c.subs[sub]; ok {
		delete(c.subs, sub)
		c.hub.removeMember(sub, c)
	}
	c.mu.Unlock()
}

func (c *Client) sendError(code, message string) {
	c.enqueue(serverMsg{Cmd: "error", Code: code, Message: message})
}

// enqueue applies the bounded-queue, drop-oldest backpressure policy
// (spec.md §4.5/§5): a full queue drops its oldest entry rather than
// blocking the publisher or closing the connection.
func (c *Client) enqueue(v interface{}) {
	blob, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- blob:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- blob:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatTimeout / 2)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			return
		}
	}
}

// closeWithCode tears down the connection using a specific WS close code,
// used by Hub.CloseAll during shutdown rather than the default
// CloseGoingAway used on ordinary disconnect.
func (c *Client) closeWithCode(code int, reason string) {
	c.mu.Lock()
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()
	c.close()
}

func (c *Client) close() {
	c.mu.Lock()
	subs := make([]string, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[string]struct{})
	c.mu.Unlock()

	for _, s := range subs {
		c.hub.removeMember(s, c)
	}

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (h *Hub) addMember(sub string, c *Client) {
	h.mu.Lock()
	if h.members[sub] == nil {
		h.members[sub] = make(map[*Client]struct{})
	}
	h.members[sub][c] = struct{}{}
	h.mu.Unlock()

	h.ensureSubscribed(sub)
}

func (h *Hub) removeMember(sub string, c *Client) {
	h.mu.Lock()
	emptied := false
	if set, ok := h.members[sub]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.members, sub)
			emptied = true
		}
	}
	h.mu.Unlock()

	if emptied {
		h.releaseSubscription(sub)
	}
}

// CloseAll closes, with the given close code, every client that is currently
// subscribed to at least one subdomain, for graceful shutdown. The hub only
// tracks clients through subdomain membership, so a connection with no
// active subscription is not closed here.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	seen := make(map[*Client]struct{})
	for _, set := range h.members {
		for c := range set {
			seen[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range seen {
		c.closeWithCode(code, reason)
	}
}

// ensureSubscribed lazily starts one backend Subscribe(topic) per subdomain
// that has at least one live client, fanning its messages out to every
// member — this is what lets the bus observe captures happening in any
// process, not just the one holding the websocket connection.
func (h *Hub) ensureSubscribed(sub string) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()

	h.subsCount[sub]++
	if h.subsCount[sub] > 1 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.subsCancel[sub] = cancel

	go h.pump(ctx, sub)
}

// releaseSubscription undoes one ensureSubscribed call, cancelling the
// subdomain's backend Subscribe and its pump goroutine once the last
// member has gone, so a subdomain with no connected clients leaves nothing
// running in the background.
func (h *Hub) releaseSubscription(sub string) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()

	h.subsCount[sub]--
	if h.subsCount[sub] > 0 {
		return
	}

	if cancel, ok := h.subsCancel[sub]; ok {
		cancel()
	}
	delete(h.subsCancel, sub)
	delete(h.subsCount, sub)
}

func (h *Hub) pump(ctx context.Context, sub string) {
	subscription, err := h.backend.Subscribe(ctx, "req:"+sub)
	if err != nil {
		h.log.Error("bus: subscribe failed", "subdomain", sub, "err", err)
		return
	}
	defer subscription.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-subscription.Channel():
			if !ok {
				return
			}
			h.broadcastRaw(sub, msg.Payload)
		}
	}
}

// broadcastRaw delivers an already-encoded requestlog.Event payload to
// every client subscribed to sub, preserving the log's own append order
// (spec.md §4.5's ordering guarantee: within a subdomain, request/deleted/
// cleared arrive in log order; across subdomains, no ordering is implied).
func (h *Hub) broadcastRaw(sub string, payload []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.members[sub]))
	for c := range h.members[sub] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	var ev requestlog.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	out := serverMsg{Cmd: ev.Cmd, Subdomain: ev.Subdomain}
	switch ev.Cmd {
	case "request":
		out.Data = ev.Data
	case "deleted":
		out.Data = map[string]int64{"_id": ev.DeletedID}
	}

	for _, c := range clients {
		c.enqueue(out)
	}
}
