package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Client is the connection of one session (one browser tab).
type Client struct {
	SessionID string
	UserID    string
	Conn      *websocket.Conn
	Send      chan []byte

	ready chan struct{}
}

// SessionCommands are the UI signals a connected tab can send.
type SessionCommands interface {
	SetTyping(ctx context.Context, sessionID, userID, conversationID string, typing bool) error
	ScrollChanged(sessionID, userID, conversationID string, atBottom bool) error
	FocusChanged(sessionID, userID string, focused bool) error
	JumpToLatest(sessionID, userID, conversationID string) error
}

// Manager routes engine events to the connection of their session.
type Manager struct {
	clients    map[string]*Client
	Register   chan *Client
	Unregister chan *Client
	commands   SessionCommands
	done       chan struct{}
	mutex      sync.RWMutex
}

func NewManager(commands SessionCommands) *Manager {
	return &Manager{
		clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		commands:   commands,
		done:       make(chan struct{}),
	}
}

// Start runs the manager's main loop in a goroutine
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case client := <-m.Register:
				m.mutex.Lock()
				// a reconnecting tab replaces its previous connection
				if old, ok := m.clients[client.SessionID]; ok && old != client {
					close(old.Send)
				}
				m.clients[client.SessionID] = client
				m.mutex.Unlock()
				if client.ready != nil {
					close(client.ready)
				}
				logger.Info("WebSocket: Client registered: session %s user %s", client.SessionID, client.UserID)

			case client := <-m.Unregister:
				m.mutex.Lock()
				if current, ok := m.clients[client.SessionID]; ok && current == client {
					delete(m.clients, client.SessionID)
					close(client.Send)
				}
				m.mutex.Unlock()
				logger.Info("WebSocket: Client unregistered: session %s", client.SessionID)

			case <-ctx.Done():
				close(m.done)
				m.mutex.Lock()
				for id, client := range m.clients {
					close(client.Send)
					delete(m.clients, id)
				}
				m.mutex.Unlock()
				return
			}
		}
	}()
}

// Attach registers a freshly upgraded connection and starts its pumps.
func (m *Manager) Attach(conn *websocket.Conn, sessionID, userID string) *Client {
	client := &Client{
		SessionID: sessionID,
		UserID:    userID,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		ready:     make(chan struct{}),
	}

	select {
	case m.Register <- client:
		<-client.ready
	case <-m.done:
		close(client.Send)
	}

	go client.ReadPump(m)
	go client.WritePump()
	return client
}

func (m *Manager) Connected(sessionID string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.clients[sessionID]
	return ok
}

func (m *Manager) isCurrent(c *Client) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.clients[c.SessionID] == c
}

func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

// SendToSession pushes one event to the tab that owns sessionID. Events for
// a tab with no live connection are dropped; the tab reloads state on
// reconnect.
func (m *Manager) SendToSession(sessionID, messageType, conversationID string, data interface{}) {
	payload, err := json.Marshal(WSMessage{
		Type:           messageType,
		ConversationID: conversationID,
		Data:           data,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Error("WebSocket: Failed to marshal %s for session %s: %v", messageType, sessionID, err)
		return
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	client, ok := m.clients[sessionID]
	if !ok {
		return
	}
	select {
	case client.Send <- payload:
	default:
		logger.Warn("WebSocket: Session %s send buffer full, dropping %s", sessionID, messageType)
	}
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump(m *Manager) {
	defer func() {
		current := m.isCurrent(c)
		select {
		case m.Unregister <- c:
		case <-m.done:
		}
		c.Conn.Close()
		// a closed tab is no longer looking at anything
		if current && m.commands != nil {
			if err := m.commands.FocusChanged(c.SessionID, c.UserID, false); err != nil {
				logger.Debug("WebSocket: Blur on disconnect for session %s: %v", c.SessionID, err)
			}
		}
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket: Read error for session %s: %v", c.SessionID, err)
			}
			break
		}

		m.HandleClientMessage(c, message)
	}
}

// WritePump sends messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Error("WebSocket: Write error for session %s: %v", c.SessionID, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
