// Package wsserver is a reference WebSocket front end for the gateway
// contract in §6: clients authenticate, subscribe to symbols, and submit
// orders over a persistent connection, receiving tick and order-ack
// frames as they happen. It is not part of the trading core itself —
// callers that only need the in-process API can use pkg/gateway and
// pkg/oms directly.
package wsserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/argentumfx/core/pkg/gateway"
	"github.com/argentumfx/core/pkg/oms"
	"github.com/argentumfx/core/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Message is the envelope for every frame exchanged over the socket.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type placeOrderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Type     string  `json:"order_type"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	APIToken string  `json:"api_token"`
}

type cancelOrderRequest struct {
	OrderID uint64 `json:"order_id"`
}

type subscribeRequest struct {
	Symbol string `json:"symbol"`
}

// rateLimiter is a simple fixed-window limiter per connected client,
// independent of the gateway's own per-token limiter: it bounds how
// fast one socket can push frames regardless of auth state.
type rateLimiter struct {
	mu          sync.Mutex
	max         int
	window      time.Duration
	windowStart time.Time
	count       int
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{max: max, window: window, windowStart: time.Now()}
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.windowStart) >= r.window {
		r.windowStart = now
		r.count = 0
	}
	if r.count >= r.max {
		return false
	}
	r.count++
	return true
}

// Client is one connected WebSocket session.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan Message
	server      *Server
	rateLimiter *rateLimiter
	apiToken    string

	mu            sync.Mutex
	subscriptions map[string]bool
}

// Server bridges a gateway.Gateway and an oms.Manager per symbol onto
// WebSocket clients.
type Server struct {
	upgrader websocket.Upgrader
	gateway  *gateway.Gateway
	managers map[string]*oms.Manager
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[string]*Client

	ticksServed  int64
	ordersServed int64
}

// New constructs a Server that submits orders against managers (keyed by
// canonical symbol) and serves tick data cached by gw.
func New(gw *gateway.Gateway, managers map[string]*oms.Manager, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		gateway:  gw,
		managers: managers,
		logger:   logger,
		clients:  make(map[string]*Client),
	}
}

// HandleConnection upgrades an HTTP request to a WebSocket and runs the
// client's read/write pumps until it disconnects.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan Message, 64),
		server:        s,
		rateLimiter:   newRateLimiter(100, time.Minute),
		subscriptions: make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	go client.writePump()
	client.readPump()
}

func (c *Client) readPump() {
	defer c.server.removeClient(c)
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if !c.rateLimiter.allow() {
			c.sendError("rate_limited", msg.RequestID)
			continue
		}
		c.server.dispatch(c, msg)
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
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
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

func (c *Client) sendMessage(msg Message) {
	select {
	case c.send <- msg:
	default:
		// Slow consumer: drop rather than block the dispatcher.
	}
}

func (c *Client) sendError(errMsg, requestID string) {
	c.sendMessage(Message{Type: "error", RequestID: requestID, Error: errMsg})
}

func (s *Server) dispatch(c *Client, msg Message) {
	switch msg.Type {
	case "place_order":
		s.handlePlaceOrder(c, msg)
	case "cancel_order":
		s.handleCancelOrder(c, msg)
	case "subscribe":
		s.handleSubscribe(c, msg)
	case "unsubscribe":
		s.handleUnsubscribe(c, msg)
	case "ping":
		c.sendMessage(Message{Type: "pong", RequestID: msg.RequestID})
	default:
		c.sendError("unknown_message_type", msg.RequestID)
	}
}

func (s *Server) handlePlaceOrder(c *Client, msg Message) {
	var req placeOrderRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		c.sendError("invalid_payload", msg.RequestID)
		return
	}

	symbol := gateway.NormalizeSymbol(req.Symbol)
	manager, ok := s.managers[symbol]
	if !ok {
		c.sendError("unknown_symbol", msg.RequestID)
		return
	}

	side := types.SideBuy
	if req.Side == "sell" {
		side = types.SideSell
	}
	orderType := types.OrderTypeLimit
	if req.Type == "market" {
		orderType = types.OrderTypeMarket
	}

	order := types.Order{
		OrderID:  nextOrderID(),
		Symbol:   req.Symbol,
		Side:     side,
		Type:     orderType,
		Price:    req.Price,
		Quantity: req.Quantity,
	}

	ack := gateway.SubmitOrderAuthorized(s.gateway, manager, order, req.APIToken)
	s.bumpOrdersServed()

	payload, _ := json.Marshal(ack)
	c.sendMessage(Message{Type: "order_ack", RequestID: msg.RequestID, Payload: payload})
}

func (s *Server) handleCancelOrder(c *Client, msg Message) {
	var req cancelOrderRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		c.sendError("invalid_payload", msg.RequestID)
		return
	}

	var lastErr error
	for _, manager := range s.managers {
		if err := manager.CancelOrder(req.OrderID); err == nil {
			c.sendMessage(Message{Type: "cancel_ack", RequestID: msg.RequestID})
			return
		} else {
			lastErr = err
		}
	}
	if lastErr != nil {
		c.sendError(lastErr.Error(), msg.RequestID)
	}
}

func (s *Server) handleSubscribe(c *Client, msg Message) {
	var req subscribeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		c.sendError("invalid_payload", msg.RequestID)
		return
	}
	c.mu.Lock()
	c.subscriptions[gateway.NormalizeSymbol(req.Symbol)] = true
	c.mu.Unlock()
	c.sendMessage(Message{Type: "subscribed", RequestID: msg.RequestID})
}

func (s *Server) handleUnsubscribe(c *Client, msg Message) {
	var req subscribeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		c.sendError("invalid_payload", msg.RequestID)
		return
	}
	c.mu.Lock()
	delete(c.subscriptions, gateway.NormalizeSymbol(req.Symbol))
	c.mu.Unlock()
	c.sendMessage(Message{Type: "unsubscribed", RequestID: msg.RequestID})
}

// BroadcastTick fans tick out to every client subscribed to its symbol.
func (s *Server) BroadcastTick(tick types.MarketTick) {
	symbol := gateway.NormalizeSymbol(tick.Symbol)
	payload := []byte(gateway.TickToJSON(tick))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.mu.Lock()
		subscribed := c.subscriptions[symbol]
		c.mu.Unlock()
		if subscribed {
			c.sendMessage(Message{Type: "tick", Payload: payload})
		}
	}
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	close(c.send)
}

func (s *Server) bumpOrdersServed() {
	s.mu.Lock()
	s.ordersServed++
	s.mu.Unlock()
}

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

var orderIDCounter uint64

func nextOrderID() uint64 {
	return atomic.AddUint64(&orderIDCounter, 1)
}
