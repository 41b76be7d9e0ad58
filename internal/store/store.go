// Package store хранит сессии обмена и упорядоченный журнал их сообщений.
//
// Хранилище не содержит бизнес-правил: проверки участников, статусов и
// владельцев списков выполняет движок переговоров внутри UpdateFunc,
// которая вызывается под блокировкой строки сессии.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-trade/internal/models"
)

var (
	// ErrNotFound - сессия не существует или уже удалена
	ErrNotFound = errors.New("store: session not found")
	// ErrTransient - сбой соединения, операцию можно безопасно повторить
	ErrTransient = errors.New("store: transient failure")
	// ErrTimeout - хранилище не ответило за отведённое время
	ErrTimeout = errors.New("store: timeout")
)

// UpdateFunc изменяет сессию на месте и возвращает сообщения, которые
// нужно добавить в журнал той же транзакцией. Ошибка отменяет всю транзакцию.
// Если все сообщения оказались повторами по client_message_id, изменения
// сессии отбрасываются и возвращается её сохранённое состояние.
type UpdateFunc func(s *models.TradeSession) ([]models.Message, error)

// Store объединяет хранилище сессий и журнал сообщений
type Store interface {
	// CreateSession сохраняет новую сессию
	CreateSession(ctx context.Context, s *models.TradeSession) error
	// GetSession возвращает сессию или ErrNotFound
	GetSession(ctx context.Context, id uuid.UUID) (*models.TradeSession, error)
	// ListSessions возвращает сессии пользователя, новые сверху
	ListSessions(ctx context.Context, userID uuid.UUID, filter models.SessionFilter) ([]models.TradeSession, error)
	// UpdateSession атомарно читает, изменяет и сохраняет сессию вместе с новыми сообщениями
	UpdateSession(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*models.TradeSession, []models.Message, error)
	// DeleteSession удаляет сессию вместе со всеми её сообщениями
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// ListMessages возвращает сообщения сессии в порядке записи
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.Message, error)
	// MarkRead отмечает прочитанными сообщения, отправленные не readerID
	MarkRead(ctx context.Context, sessionID, readerID uuid.UUID) (int, error)
	// UnreadCount считает непрочитанные входящие сообщения в сессии
	UnreadCount(ctx context.Context, sessionID, userID uuid.UUID) (int, error)
	// UnreadCounts считает непрочитанные входящие сообщения по всем сессиям пользователя
	UnreadCounts(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error)
}

// matchesFilter проверяет сессию на соответствие фильтру списка
func matchesFilter(s *models.TradeSession, userID uuid.UUID, f models.SessionFilter) bool {
	switch f.Role {
	case "incoming":
		if s.ReceiverID() != userID {
			return false
		}
	case "outgoing":
		if s.RequesterID() != userID {
			return false
		}
	default:
		if !s.IsParticipant(userID) {
			return false
		}
	}
	return f.Status == "" || s.Status == f.Status
}
