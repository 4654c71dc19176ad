package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/terminal-bench/settlementrelay/internal/oracle"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is the client control message. Subscribing to no assets
// means every asset.
type StreamMessage struct {
	Type   string   `json:"type"`
	Assets []string `json:"assets"`
}

type priceMessage struct {
	Type  string                `json:"type"`
	Price oracle.ConsensusPrice `json:"price"`
}

func encodePrice(cp oracle.ConsensusPrice) ([]byte, error) {
	return json.Marshal(priceMessage{Type: "price", Price: cp})
}

// WSClient is one price stream subscriber.
type WSClient struct {
	ID   uuid.UUID
	Conn *websocket.Conn
	Send chan []byte
	Done chan struct{}

	mu     sync.Mutex
	assets map[string]bool
}

func (c *WSClient) wants(asset string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.assets) == 0 || c.assets[asset]
}

// Hub fans accepted prices out to websocket subscribers. Slow clients drop
// messages rather than stall the price loop.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*WSClient
	closed  bool
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[uuid.UUID]*WSClient),
		logger:  logger,
	}
}

// Broadcast sends an accepted price to every interested client.
func (h *Hub) Broadcast(cp oracle.ConsensusPrice) {
	msg, err := encodePrice(cp)
	if err != nil {
		h.logger.Error("failed to encode price", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.wants(cp.Asset) {
			continue
		}
		select {
		case client.Send <- msg:
		default:
			h.logger.Debug("dropping price for slow client", zap.Stringer("client", client.ID))
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*WSClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		c.Conn.Close()
	}
}

func (h *Hub) serve(conn *websocket.Conn, snapshot [][]byte) {
	client := &WSClient{
		ID:     uuid.New(),
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer+len(snapshot)),
		Done:   make(chan struct{}),
		assets: make(map[string]bool),
	}
	for _, msg := range snapshot {
		client.Send <- msg
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client.ID] = client
	h.mu.Unlock()

	go h.readPump(client)
	go h.writePump(client)
}

func (h *Hub) readPump(client *WSClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, client.ID)
		h.mu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(4096)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", zap.Stringer("client", client.ID), zap.Error(err))
			}
			return
		}
		h.handleMessage(client, message)
	}
}

func (h *Hub) writePump(client *WSClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-client.Send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

func (h *Hub) handleMessage(client *WSClient, message []byte) {
	var msg StreamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	switch msg.Type {
	case "subscribe":
		for _, a := range msg.Assets {
			client.assets[a] = true
		}
	case "unsubscribe":
		for _, a := range msg.Assets {
			delete(client.assets, a)
		}
	}
}
