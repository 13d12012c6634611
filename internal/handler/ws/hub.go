package ws

import (
	"encoding/json"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"callsession-backend/internal/transport"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
)

// SignalingHub tracks live signaling connections and the session channels they
// belong to. It implements transport.Transport and transport.Directory.
type SignalingHub struct {
	mu       sync.RWMutex
	clients  map[string]*SignalingClient
	channels map[string]map[string]*SignalingClient

	disconnectMu  sync.RWMutex
	onDisconnects []func(connectionID string)

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	// Semaphore for limiting concurrent connections
	semaphore chan struct{}

	metrics *metrics.Metrics
}

var (
	_ transport.Transport = (*SignalingHub)(nil)
	_ transport.Directory = (*SignalingHub)(nil)
)

// NewSignalingHub creates a new signaling hub
func NewSignalingHub(maxConnections int, m *metrics.Metrics) *SignalingHub {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	return &SignalingHub{
		clients:        make(map[string]*SignalingClient),
		channels:       make(map[string]map[string]*SignalingClient),
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
		metrics:        m,
	}
}

// acquire reserves a connection slot without blocking
func (h *SignalingHub) acquire() bool {
	select {
	case h.semaphore <- struct{}{}:
		return true
	default:
		return false
	}
}

func (h *SignalingHub) release() {
	<-h.semaphore
}

func (h *SignalingHub) register(c *SignalingClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWebSocketConnections(count)
}

// unregister drops the connection from every channel and fires the disconnect
// callbacks outside the hub lock
func (h *SignalingHub) unregister(c *SignalingClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	for sessionID := range c.channels {
		h.dropFromChannel(sessionID, c.id)
	}
	c.channels = nil
	count := len(h.clients)
	h.mu.Unlock()

	h.release()
	h.metrics.SetWebSocketConnections(count)

	h.disconnectMu.RLock()
	fns := append([]func(string){}, h.onDisconnects...)
	h.disconnectMu.RUnlock()

	go func() {
		for _, fn := range fns {
			fn(c.id)
		}
	}()
}

// OnDisconnect registers fn to be called once for every closed connection
func (h *SignalingHub) OnDisconnect(fn func(connectionID string)) {
	h.disconnectMu.Lock()
	defer h.disconnectMu.Unlock()
	h.onDisconnects = append(h.onDisconnects, fn)
}

// JoinChannel adds a live connection to a session channel
func (h *SignalingHub) JoinChannel(sessionID, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connectionID]
	if !ok {
		return
	}
	members, ok := h.channels[sessionID]
	if !ok {
		members = make(map[string]*SignalingClient)
		h.channels[sessionID] = members
	}
	members[connectionID] = c
	if c.channels == nil {
		c.channels = make(map[string]struct{})
	}
	c.channels[sessionID] = struct{}{}
}

// LeaveChannel removes a connection from a session channel
func (h *SignalingHub) LeaveChannel(sessionID, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[connectionID]; ok {
		delete(c.channels, sessionID)
	}
	h.dropFromChannel(sessionID, connectionID)
}

// CloseChannel forgets a session channel; connections stay open
func (h *SignalingHub) CloseChannel(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.channels[sessionID] {
		delete(c.channels, sessionID)
	}
	delete(h.channels, sessionID)
}

// Broadcast queues msg to every channel member except the listed connections.
// A member whose queue is full is disconnected.
func (h *SignalingHub) Broadcast(sessionID string, msg *transport.ServerMessage, except ...string) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to encode broadcast", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID, c := range h.channels[sessionID] {
		if lo.Contains(except, connID) {
			continue
		}
		if !c.enqueue(data) {
			h.metrics.RecordWebSocketError("send_buffer_full")
			logger.Warn("Dropping slow signaling connection",
				zap.String("session_id", sessionID),
				zap.String("connection_id", connID))
			c.kill()
			continue
		}
		h.metrics.RecordWebSocketMessage(string(msg.Type), "out")
	}
}

// SendTo queues msg to one connection
func (h *SignalingHub) SendTo(connectionID string, msg *transport.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return transport.ErrConnectionNotFound
	}

	if !c.enqueue(data) {
		h.metrics.RecordWebSocketError("send_buffer_full")
		c.kill()
		return transport.ErrSendBufferFull
	}
	h.metrics.RecordWebSocketMessage(string(msg.Type), "out")
	return nil
}

// ConnectionOwner returns the user a live connection authenticated as
func (h *SignalingHub) ConnectionOwner(connectionID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connectionID]
	if !ok {
		return "", false
	}
	return c.userID, true
}

// SendToUser queues msg to every live connection of userID
func (h *SignalingHub) SendToUser(userID string, msg *transport.ServerMessage) int {
	h.mu.RLock()
	var ids []string
	for id, c := range h.clients {
		if c.userID == userID {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		if h.SendTo(id, msg) == nil {
			sent++
		}
	}
	return sent
}

// Connections returns the number of live connections
func (h *SignalingHub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChannelSize returns the number of connections in a session channel
func (h *SignalingHub) ChannelSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[sessionID])
}

// Shutdown closes every live connection
func (h *SignalingHub) Shutdown() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.kill()
	}
}

func (h *SignalingHub) dropFromChannel(sessionID, connectionID string) {
	members, ok := h.channels[sessionID]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(h.channels, sessionID)
	}
}
