package session

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks the live browser connection of each session. A second
// connection for the same session replaces the first.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
	logger *slog.Logger
}

// NewConnManager creates a connection registry.
func NewConnManager(logger *slog.Logger) *ConnManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnManager{
		active: make(map[string]*websocket.Conn),
		logger: logger.With("component", "connections"),
	}
}

// Get returns the live connection for sessionID.
func (m *ConnManager) Get(sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID]
}

// Register records conn for sessionID, closing any connection it replaces.
func (m *ConnManager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	existing := m.active[sessionID]
	m.active[sessionID] = conn
	m.mu.Unlock()

	if existing != nil && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
		m.logger.Info("Connection replaced", "session_id", sessionID)
		return
	}
	m.logger.Info("Connection registered", "session_id", sessionID)
}

// Unregister removes conn if it is still the live connection for sessionID.
func (m *ConnManager) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.active[sessionID]; ok && current == conn {
		delete(m.active, sessionID)
		m.logger.Info("Connection unregistered", "session_id", sessionID)
	}
}

// Close terminates the live connection for sessionID, if any.
func (m *ConnManager) Close(sessionID string) {
	m.mu.Lock()
	conn, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

// CloseAll terminates every live connection.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	conns := m.active
	m.active = make(map[string]*websocket.Conn)
	m.mu.Unlock()

	for sid, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		m.logger.Info("Connection closed", "session_id", sid)
	}
}

// Len returns the number of live connections.
func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
