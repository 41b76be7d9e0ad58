package models

import (
	"time"

	"github.com/google/uuid"
)

// Message представляет сообщение в чате сессии обмена
type Message struct {
	ID              uuid.UUID `json:"id"`
	Seq             int64     `json:"seq"`
	SessionID       uuid.UUID `json:"session_id"`
	SenderID        uuid.UUID `json:"sender_id"`
	Content         string    `json:"content"`
	IsRead          bool      `json:"is_read"`
	IsSystemMessage bool      `json:"is_system_message"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`

	// Duplicate выставляется хранилищем, если сообщение с тем же
	// client_message_id уже было сохранено ранее
	Duplicate bool `json:"-"`
}
