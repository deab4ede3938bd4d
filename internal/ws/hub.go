package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"amm-sandbox/internal/model"
	"amm-sandbox/internal/wallet"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id"`
	Data     any    `json:"data"`
}

// Request is what clients send: {"action":"subscribe","market_id":"..."}.
type Request struct {
	Action   string `json:"action"`
	MarketID string `json:"market_id"`
}

// Hub manages per-market WebSocket subscriptions. A connection may follow
// several markets at once.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool // market key -> set of conns
	allConn map[*conn]bool
	log     *logrus.Entry
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
	markets map[string]bool
	closed  bool
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
		log:     logrus.WithField("component", "ws"),
	}
}

func (h *Hub) Name() string { return "ws" }

// Deliver pushes an order notification to the market's subscribers.
func (h *Hub) Deliver(_ context.Context, n model.OrderNotification) error {
	return h.Publish(n.MarketKey, "order", n)
}

// Publish sends a message to all subscribers of a market. Slow clients
// miss messages rather than stall the sender.
func (h *Hub) Publish(marketKey, msgType string, data any) error {
	b, err := json.Marshal(Msg{Type: msgType, MarketID: marketKey, Data: data})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[marketKey] {
		select {
		case c.send <- b:
		default:
			h.log.Debugf("slow client on %s, dropped %s", marketKey, msgType)
		}
	}
	return nil
}

// Subscribers reports how many connections follow a market.
func (h *Hub) Subscribers(marketKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[marketKey])
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade failed")
		return
	}
	c := &conn{
		ws:      wsConn,
		send:    make(chan []byte, sendBuffer),
		hub:     h,
		markets: make(map[string]bool),
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()

	// ?market_id= subscribes on connect.
	if m := r.URL.Query().Get("market_id"); m != "" {
		h.subscribe(c, m)
	}

	go c.writePump()
	go c.readPump()
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.allConn))
	for c := range h.allConn {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		switch req.Action {
		case "subscribe":
			c.hub.subscribe(c, req.MarketID)
		case "unsubscribe":
			c.hub.unsubscribe(c, req.MarketID)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// roomKey matches the engine's key normalization so lowercase and
// checksummed addresses land in the same room.
func roomKey(marketKey string) (string, bool) {
	key, err := wallet.NormalizeMarketKey(marketKey)
	return key, err == nil
}

func (h *Hub) subscribe(c *conn, marketKey string) {
	key, ok := roomKey(marketKey)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	room, ok := h.rooms[key]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[key] = room
	}
	room[c] = true
	c.markets[key] = true
}

func (h *Hub) unsubscribe(c *conn, marketKey string) {
	key, ok := roomKey(marketKey)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, key)
}

func (h *Hub) leaveLocked(c *conn, key string) {
	if room, ok := h.rooms[key]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, key)
		}
	}
	delete(c.markets, key)
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	delete(h.allConn, c)
	for key := range c.markets {
		h.leaveLocked(c, key)
	}
	close(c.send)
}
