package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TradeStatus определяет статус переговоров об обмене
type TradeStatus string

const (
	StatusPending      TradeStatus = "pending"
	StatusActive       TradeStatus = "active"
	StatusDenied       TradeStatus = "denied"
	StatusCancelled    TradeStatus = "cancelled"
	StatusReadyToTrade TradeStatus = "ready_to_trade"
	StatusCompleted    TradeStatus = "completed"
)

// ParseTradeStatus проверяет строку статуса
func ParseTradeStatus(s string) (TradeStatus, bool) {
	switch st := TradeStatus(s); st {
	case StatusPending, StatusActive, StatusDenied, StatusCancelled, StatusReadyToTrade, StatusCompleted:
		return st, true
	}
	return "", false
}

// IsTerminal сообщает, что из статуса нет переходов
func (s TradeStatus) IsTerminal() bool {
	return s == StatusDenied || s == StatusCancelled || s == StatusCompleted
}

// Slot - позиция участника в сессии
type Slot int

const (
	SlotRequester Slot = 0
	SlotReceiver  Slot = 1
)

func (s Slot) String() string {
	if s == SlotRequester {
		return "requester"
	}
	return "receiver"
}

// Other возвращает позицию второго участника
func (s Slot) Other() Slot {
	return 1 - s
}

// ItemList определяет один из двух списков предметов сессии
type ItemList string

const (
	ListOffered   ItemList = "offered"
	ListRequested ItemList = "requested"
)

// Owner возвращает позицию участника, которому принадлежит список
func (l ItemList) Owner() Slot {
	if l == ListOffered {
		return SlotRequester
	}
	return SlotReceiver
}

// Participants - упорядоченная пара: 0 = инициатор, 1 = получатель
type Participants [2]uuid.UUID

// Approvals хранит подтверждения участников по их позициям
type Approvals [2]bool

// Both сообщает, что подтвердили оба участника
func (a Approvals) Both() bool {
	return a[SlotRequester] && a[SlotReceiver]
}

// TradeSession представляет переговоры об обмене между двумя пользователями
type TradeSession struct {
	ID               uuid.UUID    `json:"id"`
	ItemID           uuid.UUID    `json:"item_id"`
	Participants     Participants `json:"participants"`
	OfferedItemIDs   []uuid.UUID  `json:"offered_item_ids"`
	RequestedItemIDs []uuid.UUID  `json:"requested_item_ids"`
	Status           TradeStatus  `json:"status"`
	Approvals        Approvals    `json:"-"`
	IsChatActive     bool         `json:"is_chat_active"`
	LastMessageText  string       `json:"last_message_text,omitempty"`
	LastMessageTime  *time.Time   `json:"last_message_time,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// RequesterID возвращает ID инициатора обмена
func (s *TradeSession) RequesterID() uuid.UUID {
	return s.Participants[SlotRequester]
}

// ReceiverID возвращает ID получателя предложения
func (s *TradeSession) ReceiverID() uuid.UUID {
	return s.Participants[SlotReceiver]
}

// SlotOf возвращает позицию пользователя в сессии
func (s *TradeSession) SlotOf(userID uuid.UUID) (Slot, bool) {
	switch userID {
	case s.Participants[SlotRequester]:
		return SlotRequester, true
	case s.Participants[SlotReceiver]:
		return SlotReceiver, true
	}
	return 0, false
}

// IsParticipant проверяет участие пользователя в сессии
func (s *TradeSession) IsParticipant(userID uuid.UUID) bool {
	_, ok := s.SlotOf(userID)
	return ok
}

// Items возвращает указанный список предметов
func (s *TradeSession) Items(list ItemList) []uuid.UUID {
	if list == ListOffered {
		return s.OfferedItemIDs
	}
	return s.RequestedItemIDs
}

// SetItems заменяет указанный список предметов
func (s *TradeSession) SetItems(list ItemList, ids []uuid.UUID) {
	if list == ListOffered {
		s.OfferedItemIDs = ids
		return
	}
	s.RequestedItemIDs = ids
}

// ApprovalMap возвращает подтверждения в виде participantID -> bool
func (s *TradeSession) ApprovalMap() map[string]bool {
	return map[string]bool{
		s.Participants[SlotRequester].String(): s.Approvals[SlotRequester],
		s.Participants[SlotReceiver].String():  s.Approvals[SlotReceiver],
	}
}

// Clone возвращает копию сессии, не разделяющую срезы с оригиналом
func (s *TradeSession) Clone() *TradeSession {
	c := *s
	c.OfferedItemIDs = append([]uuid.UUID(nil), s.OfferedItemIDs...)
	c.RequestedItemIDs = append([]uuid.UUID(nil), s.RequestedItemIDs...)
	if s.LastMessageTime != nil {
		t := *s.LastMessageTime
		c.LastMessageTime = &t
	}
	return &c
}

// MarshalJSON добавляет approvals в виде словаря по участникам
func (s TradeSession) MarshalJSON() ([]byte, error) {
	type alias TradeSession
	return json.Marshal(struct {
		alias
		Approvals map[string]bool `json:"approvals"`
	}{
		alias:     alias(s),
		Approvals: s.ApprovalMap(),
	})
}

// SessionFilter задаёт фильтры списка сессий пользователя
type SessionFilter struct {
	Role   string      // all, incoming, outgoing
	Status TradeStatus // пусто - любой статус
}
