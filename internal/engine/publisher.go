package engine

import (
	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-trade/internal/models"
)

// Publisher получает зафиксированные изменения сессий.
// Движок вызывает его после коммита, удерживая блокировку сессии,
// поэтому реализации не должны блокироваться и не должны вызывать движок.
type Publisher interface {
	SessionCreated(s *models.TradeSession)
	StatusChanged(s *models.TradeSession, actorID uuid.UUID)
	ApprovalRecorded(s *models.TradeSession, userID uuid.UUID)
	SessionCompleted(s *models.TradeSession)
	ItemsUpdated(s *models.TradeSession, list models.ItemList)
	MessagePosted(s *models.TradeSession, m *models.Message)
	MessagesRead(s *models.TradeSession, readerID uuid.UUID)
	SessionDeleted(s *models.TradeSession)
}

// NopPublisher ничего не рассылает
type NopPublisher struct{}

func (NopPublisher) SessionCreated(*models.TradeSession) {}
func (NopPublisher) StatusChanged(*models.TradeSession, uuid.UUID) {}
func (NopPublisher) ApprovalRecorded(*models.TradeSession, uuid.UUID) {}
func (NopPublisher) SessionCompleted(*models.TradeSession) {}
func (NopPublisher) ItemsUpdated(*models.TradeSession, models.ItemList) {}
func (NopPublisher) MessagePosted(*models.TradeSession, *models.Message) {}
func (NopPublisher) MessagesRead(*models.TradeSession, uuid.UUID) {}
func (NopPublisher) SessionDeleted(*models.TradeSession) {}
