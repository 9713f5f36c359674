package sse

import (
	"encoding/json"
	"sync"
	"time"

	"mailsync/internal/logger"
)

// Manager fans engine events out to Server-Sent-Event listeners, keyed by
// session id. It replaces the polling status checks an embedding UI would
// otherwise run against an auth/sync status endpoint.
type Manager struct {
	clients    map[string]map[chan []byte]bool // sessionID -> connection channels
	clientsMux sync.RWMutex
	closed     bool

	logger *logger.Logger
}

func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		clients: make(map[string]map[chan []byte]bool),
		logger:  log,
	}
}

// AddClient registers a new listener for a session and returns its event
// channel.
func (m *Manager) AddClient(sessionID string) chan []byte {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()

	if m.clients[sessionID] == nil {
		m.clients[sessionID] = make(map[chan []byte]bool)
	}

	channel := make(chan []byte, 10)
	m.clients[sessionID][channel] = true

	m.logger.Info("Added SSE client for session:", sessionID, "total:", len(m.clients[sessionID]))
	return channel
}

// RemoveClient drops a listener and closes its channel.
func (m *Manager) RemoveClient(sessionID string, channel chan []byte) {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()

	sessionClients, exists := m.clients[sessionID]
	if !exists {
		return
	}
	if _, ok := sessionClients[channel]; !ok {
		return
	}
	delete(sessionClients, channel)
	close(channel)

	if len(sessionClients) == 0 {
		delete(m.clients, sessionID)
	}
}

// BroadcastToSession pushes one event to every listener of a session.
// Slow or gone listeners are skipped rather than blocking the engine.
func (m *Manager) BroadcastToSession(sessionID, eventType string, data interface{}) {
	m.clientsMux.RLock()
	defer m.clientsMux.RUnlock()

	if m.closed {
		return
	}
	sessionClients, exists := m.clients[sessionID]
	if !exists {
		return
	}

	event := map[string]interface{}{
		"type": eventType,
		"data": data,
		"time": time.Now().Unix(),
	}
	jsonData, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("Failed to marshal SSE event:", err)
		return
	}

	for channel := range sessionClients {
		select {
		case channel <- jsonData:
		default:
			m.logger.Warn("Dropped SSE event for slow client, session:", sessionID)
		}
	}
}

// HasSessionConnection reports whether any listener is attached.
func (m *Manager) HasSessionConnection(sessionID string) bool {
	m.clientsMux.RLock()
	defer m.clientsMux.RUnlock()
	return len(m.clients[sessionID]) > 0
}

// Close shuts the manager down and closes every listener channel.
func (m *Manager) Close() {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()

	m.closed = true
	for sessionID, sessionClients := range m.clients {
		for channel := range sessionClients {
			close(channel)
		}
		delete(m.clients, sessionID)
	}
}
