// Package websocket streams market activity to subscribed clients.
//
// Clients subscribe to "market:<id>" for trades, price snapshots and
// settlement of one market, or to "markets" for newly created markets.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/clmsr/pkg/clmsr"
	"github.com/luxfi/clmsr/pkg/wad"
)

// MarketsChannel carries market creation events.
const MarketsChannel = "markets"

// MarketChannel returns the channel name for one market.
func MarketChannel(id clmsr.MarketID) string {
	return "market:" + strconv.FormatUint(uint64(id), 10)
}

// Server is a websocket hub fed by registry events. It implements
// clmsr.Listener.
type Server struct {
	registry *clmsr.Registry
	logger   log.Logger
	config   Config
	upgrader websocket.Upgrader

	// Client management, owned by the hub goroutine
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	messagesOut uint64
	dropped     uint64
	clientCount int32
	sequence    uint64

	// OnClientsChanged, when set, is called by the hub with the new client count.
	OnClientsChanged func(n int)

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client is one websocket connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	mu       sync.RWMutex
}

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// TradeUpdate is published on the market channel after every trade.
type TradeUpdate struct {
	TradeID   string `json:"tradeId"`
	MarketID  uint64 `json:"marketId"`
	Side      string `json:"side"`
	LowerTick int64  `json:"lowerTick"`
	UpperTick int64  `json:"upperTick"`
	Quantity  string `json:"quantity"`
	Amount    string `json:"amount"`
	Chunks    int    `json:"chunks"`
	Timestamp int64  `json:"timestamp"`
}

// PriceUpdate carries the implied probability of every bin.
type PriceUpdate struct {
	MarketID uint64   `json:"marketId"`
	Total    string   `json:"total"`
	Prices   []string `json:"prices"`
}

// MarketUpdate announces a new market.
type MarketUpdate struct {
	MarketID    uint64 `json:"marketId"`
	MinTick     int64  `json:"minTick"`
	MaxTick     int64  `json:"maxTick"`
	TickSpacing int64  `json:"tickSpacing"`
	Alpha       string `json:"alpha"`
	Bins        int    `json:"bins"`
}

// Config holds websocket server configuration.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendQueue       int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

// DefaultConfig returns default websocket configuration.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueue:       256,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // must be less than PongTimeout
	}
}

// NewServer creates a hub. Call Start before serving connections.
func NewServer(registry *clmsr.Registry, logger log.Logger, config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry: registry,
		logger:   logger,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:       make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, 1000),
		subscriptions: make(map[string]map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start runs the hub goroutine.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.runHub()
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe serves the handler on addr until Stop is called.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		server.Shutdown(context.Background())
	}()

	s.logger.Info("WebSocket server starting", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Stop shuts down the hub and closes every client.
func (s *Server) Stop() {
	s.logger.Info("Stopping WebSocket server")
	s.cancel()
	s.wg.Wait()
}

func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			for client := range s.clients {
				s.drop(client)
			}
			return

		case client := <-s.register:
			s.clients[client] = true
			n := atomic.AddInt32(&s.clientCount, 1)
			s.logger.Debug("Client connected", "id", client.id, "total", n)
			s.clientsChanged(int(n))

		case client := <-s.unregister:
			if s.clients[client] {
				s.drop(client)
				n := atomic.LoadInt32(&s.clientCount)
				s.logger.Debug("Client disconnected", "id", client.id, "total", n)
				s.clientsChanged(int(n))
			}

		case message := <-s.broadcast:
			s.broadcastMessage(message)

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

// drop removes a client. Only the hub closes send channels.
func (s *Server) drop(client *Client) {
	delete(s.clients, client)
	close(client.send)
	atomic.AddInt32(&s.clientCount, -1)
	s.unsubscribeAll(client)
}

func (s *Server) clientsChanged(n int) {
	if s.OnClientsChanged != nil {
		s.OnClientsChanged(n)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.config.SendQueue),
		channels: make(map[string]bool),
	}

	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().Unix(),
	})
	// unbuffered, so the hub knows the client before any subscription lands
	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		var msg json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket read error", "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func (c *Client) handleMessage(raw json.RawMessage) {
	var req clientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch req.Type {
	case "subscribe":
		c.handleSubscribe(req.Channels)
	case "unsubscribe":
		c.handleUnsubscribe(req.Channels)
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	case "":
		c.sendError("Missing message type")
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

func (c *Client) handleSubscribe(channels []string) {
	accepted := make([]string, 0, len(channels))
	for _, channel := range channels {
		var market *clmsr.Market
		if channel != MarketsChannel {
			m, err := c.server.marketFor(channel)
			if err != nil {
				c.sendError(err.Error())
				continue
			}
			market = m
		}

		c.mu.Lock()
		c.channels[channel] = true
		c.mu.Unlock()
		c.server.subscribe(channel, c)
		accepted = append(accepted, channel)

		if market != nil {
			if update, err := priceUpdate(market); err == nil {
				c.sendMessage(Message{
					Type:      "prices",
					Channel:   channel,
					Data:      update,
					Timestamp: time.Now().Unix(),
				})
			}
		}
	}

	c.sendMessage(Message{
		Type:      "subscribed",
		Data:      map[string]interface{}{"channels": accepted},
		Timestamp: time.Now().Unix(),
	})
}

func (c *Client) handleUnsubscribe(channels []string) {
	for _, channel := range channels {
		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()
		c.server.unsubscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "unsubscribed",
		Data:      map[string]interface{}{"channels": channels},
		Timestamp: time.Now().Unix(),
	})
}

// sendMessage queues msg without blocking. A client whose queue is full is
// disconnected.
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}
	c.server.enqueue(c, data)
}

func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

// enqueue must not be called after the hub closed c.send; the hub only does
// so after removing c from every subscription.
func (s *Server) enqueue(c *Client, data []byte) {
	defer func() {
		// the hub may have closed the queue concurrently
		if recover() != nil {
			atomic.AddUint64(&s.dropped, 1)
		}
	}()
	select {
	case c.send <- data:
	default:
		atomic.AddUint64(&s.dropped, 1)
		select {
		case s.unregister <- c:
		default:
		}
	}
}

func (s *Server) marketFor(channel string) (*clmsr.Market, error) {
	raw, ok := strings.CutPrefix(channel, "market:")
	if !ok {
		return nil, fmt.Errorf("unknown channel: %s", channel)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid market id: %s", raw)
	}
	return s.registry.Market(clmsr.MarketID(id))
}

func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

func (s *Server) broadcastMessage(msg Message) {
	s.subMu.RLock()
	targets := make([]*Client, 0, len(s.subscriptions[msg.Channel]))
	for client := range s.subscriptions[msg.Channel] {
		targets = append(targets, client)
	}
	s.subMu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	for _, client := range targets {
		if !s.clients[client] {
			continue
		}
		select {
		case client.send <- data:
		default:
			atomic.AddUint64(&s.dropped, 1)
			s.drop(client)
		}
	}
}

// publish hands msg to the hub without blocking the caller.
func (s *Server) publish(msg Message) {
	msg.Sequence = atomic.AddUint64(&s.sequence, 1)
	msg.Timestamp = time.Now().Unix()
	select {
	case s.broadcast <- msg:
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.logger.Warn("Broadcast queue full, dropping message", "channel", msg.Channel, "type", msg.Type)
	}
}

// OnMarketCreated implements clmsr.Listener.
func (s *Server) OnMarketCreated(info *clmsr.MarketInfo) {
	s.publish(Message{
		Type:    "market",
		Channel: MarketsChannel,
		Data: MarketUpdate{
			MarketID:    uint64(info.ID),
			MinTick:     info.Config.MinTick,
			MaxTick:     info.Config.MaxTick,
			TickSpacing: info.Config.TickSpacing,
			Alpha:       wad.Format(info.Config.Alpha),
			Bins:        info.Bins,
		},
	})
}

// OnTrade implements clmsr.Listener.
func (s *Server) OnTrade(r *clmsr.TradeReceipt) {
	channel := MarketChannel(r.MarketID)
	s.publish(Message{
		Type:    "trade",
		Channel: channel,
		Data: TradeUpdate{
			TradeID:   r.ID.String(),
			MarketID:  uint64(r.MarketID),
			Side:      r.Side.String(),
			LowerTick: r.LowerTick,
			UpperTick: r.UpperTick,
			Quantity:  wad.Format(r.Quantity),
			Amount:    wad.Format(r.Amount),
			Chunks:    r.Chunks,
			Timestamp: r.Timestamp.UnixMilli(),
		},
	})

	market, err := s.registry.Market(r.MarketID)
	if err != nil {
		return
	}
	update, err := priceUpdate(market)
	if err != nil {
		s.logger.Warn("Price snapshot failed", "market", r.MarketID, "error", err)
		return
	}
	s.publish(Message{Type: "prices", Channel: channel, Data: update})
}

// OnSettled implements clmsr.Listener.
func (s *Server) OnSettled(id clmsr.MarketID) {
	s.publish(Message{
		Type:    "settled",
		Channel: MarketChannel(id),
		Data:    map[string]interface{}{"marketId": uint64(id)},
	})
}

func priceUpdate(m *clmsr.Market) (*PriceUpdate, error) {
	prices, err := m.Prices()
	if err != nil {
		return nil, err
	}
	info, err := m.Info()
	if err != nil {
		return nil, err
	}
	return &PriceUpdate{
		MarketID: uint64(m.ID()),
		Total:    wad.Format(info.Total),
		Prices:   formatAll(prices),
	}, nil
}

func formatAll(xs []*uint256.Int) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = wad.Format(x)
	}
	return out
}

// GetStats returns server statistics.
func (s *Server) GetStats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"status":        "healthy",
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}

var _ clmsr.Listener = (*Server)(nil)
