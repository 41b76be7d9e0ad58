package websocket

import (
	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-trade/internal/engine"
	"github.com/rajivgeraev/flippy-trade/internal/models"
)

var _ engine.Publisher = (*Manager)(nil)

// deliverToSession рассылает событие в комнату сессии и дублирует его
// в личные комнаты тех участников, у которых нет соединения в комнате
func (m *Manager) deliverToSession(s *models.TradeSession, event Event) {
	m.BroadcastToSession(s.ID, event, uuid.Nil)
	for _, userID := range s.Participants {
		if !m.InSessionRoom(s.ID, userID) {
			m.NotifyUser(userID, event)
		}
	}
}

func (m *Manager) SessionCreated(s *models.TradeSession) {
	m.NotifyUser(s.ReceiverID(), newEvent(EventNewTradeSession, s.ID.String(), s))
}

func (m *Manager) StatusChanged(s *models.TradeSession, actorID uuid.UUID) {
	ev := newEvent(EventStatusUpdated, s.ID.String(), map[string]any{
		"status":         s.Status,
		"is_chat_active": s.IsChatActive,
	})
	ev.UserID = actorID.String()
	m.deliverToSession(s, ev)
}

func (m *Manager) ApprovalRecorded(s *models.TradeSession, userID uuid.UUID) {
	ev := newEvent(EventTradeApproved, s.ID.String(), map[string]any{
		"approvals": s.ApprovalMap(),
	})
	ev.UserID = userID.String()
	m.deliverToSession(s, ev)
}

func (m *Manager) SessionCompleted(s *models.TradeSession) {
	m.deliverToSession(s, newEvent(EventTradeCompleted, s.ID.String(), s))
}

func (m *Manager) ItemsUpdated(s *models.TradeSession, list models.ItemList) {
	key := "requested_items"
	if list == models.ListOffered {
		key = "offered_items"
	}
	m.deliverToSession(s, newEvent(EventItemsUpdated, s.ID.String(), map[string]any{
		key: s.Items(list),
	}))
}

// MessagePosted рассылает сообщение в комнату сессии. Собеседнику без
// соединения в комнате сообщение приходит в личную комнату.
func (m *Manager) MessagePosted(s *models.TradeSession, msg *models.Message) {
	ev := newEvent(EventMessageReceived, s.ID.String(), msg)
	ev.UserID = msg.SenderID.String()
	m.BroadcastToSession(s.ID, ev, uuid.Nil)

	if slot, ok := s.SlotOf(msg.SenderID); ok {
		other := s.Participants[slot.Other()]
		if !m.InSessionRoom(s.ID, other) {
			m.NotifyUser(other, ev)
		}
	}
}

func (m *Manager) MessagesRead(s *models.TradeSession, readerID uuid.UUID) {
	ev := newEvent(EventMessagesRead, s.ID.String(), nil)
	ev.UserID = readerID.String()
	m.BroadcastToSession(s.ID, ev, uuid.Nil)
}

func (m *Manager) SessionDeleted(s *models.TradeSession) {
	m.deliverToSession(s, newEvent(EventSessionDeleted, s.ID.String(), nil))
	m.closeRoom(s.ID)
}
