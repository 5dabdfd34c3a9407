package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

// WebSocket Message Types
const (
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeTyping       = "typing"
	MessageTypeScroll       = "scroll"
	MessageTypeFocus        = "focus"
	MessageTypeJumpToLatest = "jump_to_latest"
	MessageTypeError        = "error"
)

const commandTimeout = 10 * time.Second

// WSMessage is the envelope of every frame in both directions. Server frames
// carry an engine event in Data, named by Type.
type WSMessage struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Data           interface{} `json:"data,omitempty"`
	Timestamp      string      `json:"timestamp"`
}

type clientMessage struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Data           json.RawMessage `json:"data"`
}

type TypingData struct {
	Typing bool `json:"typing"`
}

type ScrollData struct {
	AtBottom bool `json:"at_bottom"`
}

type FocusData struct {
	Focused bool `json:"focused"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

// HandleClientMessage processes incoming WebSocket messages
func (m *Manager) HandleClientMessage(client *Client, messageBytes []byte) {
	var msg clientMessage
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		logger.Debug("WebSocket: Failed to unmarshal message from session %s: %v", client.SessionID, err)
		m.sendErrorToClient(client, "", errors.BadRequest("Invalid message format", err))
		return
	}

	if msg.Type == MessageTypePing {
		m.sendToClient(client, WSMessage{
			Type:      MessageTypePong,
			Data:      map[string]string{"status": "alive"},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	if m.commands == nil {
		m.sendErrorToClient(client, msg.Type, errors.Internal("Commands are not available", nil))
		return
	}

	var err error
	switch msg.Type {
	case MessageTypeTyping:
		err = m.handleTyping(client, msg)
	case MessageTypeScroll:
		err = m.handleScroll(client, msg)
	case MessageTypeFocus:
		var data FocusData
		if err = decode(msg.Data, &data); err == nil {
			err = m.commands.FocusChanged(client.SessionID, client.UserID, data.Focused)
		}
	case MessageTypeJumpToLatest:
		if err = requireConversation(msg); err == nil {
			err = m.commands.JumpToLatest(client.SessionID, client.UserID, msg.ConversationID)
		}
	default:
		logger.Debug("WebSocket: Unknown message type '%s' from session %s", msg.Type, client.SessionID)
		err = errors.BadRequest("Unknown message type", nil)
	}

	if err != nil {
		m.sendErrorToClient(client, msg.Type, err)
	}
}

func (m *Manager) handleTyping(client *Client, msg clientMessage) error {
	if err := requireConversation(msg); err != nil {
		return err
	}
	var data TypingData
	if err := decode(msg.Data, &data); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return m.commands.SetTyping(ctx, client.SessionID, client.UserID, msg.ConversationID, data.Typing)
}

func (m *Manager) handleScroll(client *Client, msg clientMessage) error {
	if err := requireConversation(msg); err != nil {
		return err
	}
	var data ScrollData
	if err := decode(msg.Data, &data); err != nil {
		return err
	}
	return m.commands.ScrollChanged(client.SessionID, client.UserID, msg.ConversationID, data.AtBottom)
}

func requireConversation(msg clientMessage) error {
	if msg.ConversationID == "" {
		return errors.BadRequest("Missing conversation_id", nil)
	}
	return nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.BadRequest("Missing data", nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.BadRequest("Invalid data format", err)
	}
	return nil
}

func (m *Manager) sendToClient(client *Client, message WSMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		logger.Error("WebSocket: Failed to marshal message for session %s: %v", client.SessionID, err)
		return
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.clients[client.SessionID] != client {
		return
	}
	select {
	case client.Send <- messageBytes:
	default:
		logger.Warn("WebSocket: Session %s send buffer full, dropping %s", client.SessionID, message.Type)
	}
}

func (m *Manager) sendErrorToClient(client *Client, request string, err error) {
	data := ErrorData{Code: errors.CodeInternal, Message: err.Error(), Request: request}

	if appErr, ok := errors.AsAppError(err); ok {
		data.Code = appErr.Code
		data.Message = appErr.Message
	}

	m.sendToClient(client, WSMessage{
		Type:      MessageTypeError,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
