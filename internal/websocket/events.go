package websocket

import (
	"encoding/json"
	"time"
)

// EventType определяет тип события WebSocket
type EventType string

// События, которые присылает клиент
const (
	EventJoinSession  EventType = "join_trade_session"
	EventLeaveSession EventType = "leave_trade_session"
	EventNewMessage   EventType = "new_message"
	EventMarkRead     EventType = "mark_read"
	EventTyping       EventType = "typing"
	EventStopTyping   EventType = "stop_typing"
)

// События сервера
const (
	EventConnected       EventType = "connected"
	EventError           EventType = "error"
	EventJoinedSession   EventType = "joined_session"
	EventLeftSession     EventType = "left_session"
	EventMessageReceived EventType = "message_received"
	EventMessagesRead    EventType = "messages_read"
	EventNewTradeSession EventType = "new_trade_session"
	EventTradeApproved   EventType = "trade_approved"
	EventTradeCompleted  EventType = "trade_completed"
	EventItemsUpdated    EventType = "trade_session_items_updated"
	EventStatusUpdated   EventType = "trade_status_updated"
	EventSessionDeleted  EventType = "trade_session_deleted"
)

// Event - конверт любого серверного события
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Frame - входящее сообщение клиента
type Frame struct {
	Type            EventType `json:"type"`
	RequestID       string    `json:"request_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	SenderID        string    `json:"sender_id,omitempty"`
	Content         string    `json:"content,omitempty"`
	IsSystemMessage bool      `json:"is_system_message,omitempty"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
}

// ErrorPayload - содержимое события error
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func newEvent(t EventType, sessionID string, payload any) Event {
	ev := Event{
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		ev.Payload, _ = json.Marshal(payload)
	}
	return ev
}
