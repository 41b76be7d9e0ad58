package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-trade/internal/models"
)

// MemoryStore хранит сессии в памяти процесса.
// Используется в тестах и при STORE_DRIVER=memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*memoryEntry
	seq      atomic.Int64
}

// memoryEntry - сессия и её журнал под собственной блокировкой
type memoryEntry struct {
	mu         sync.Mutex
	session    *models.TradeSession
	messages   []models.Message
	byClientID map[string]int
	deleted    bool
}

// NewMemoryStore создает пустое хранилище в памяти
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[uuid.UUID]*memoryEntry)}
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return err
	}
	return nil
}

func (m *MemoryStore) entry(id uuid.UUID) (*memoryEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}

// CreateSession сохраняет новую сессию
func (m *MemoryStore) CreateSession(ctx context.Context, s *models.TradeSession) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("сессия %s уже существует", s.ID)
	}
	m.sessions[s.ID] = &memoryEntry{
		session:    s.Clone(),
		byClientID: make(map[string]int),
	}
	return nil
}

// GetSession возвращает копию сессии
func (m *MemoryStore) GetSession(ctx context.Context, id uuid.UUID) (*models.TradeSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	e, ok := m.entry(id)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	return e.session.Clone(), nil
}

// ListSessions возвращает сессии пользователя, отсортированные по времени изменения
func (m *MemoryStore) ListSessions(ctx context.Context, userID uuid.UUID, filter models.SessionFilter) ([]models.TradeSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	result := make([]models.TradeSession, 0)
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && matchesFilter(e.session, userID, filter) {
			result = append(result, *e.session.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateSession выполняет fn под блокировкой сессии и сохраняет результат
func (m *MemoryStore) UpdateSession(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*models.TradeSession, []models.Message, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, nil, err
	}

	e, ok := m.entry(id)
	if !ok {
		return nil, nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, nil, ErrNotFound
	}

	work := e.session.Clone()
	msgs, err := fn(work)
	if err != nil {
		return nil, nil, err
	}

	stored := make([]models.Message, 0, len(msgs))
	inserted := 0
	for _, msg := range msgs {
		msg.SessionID = id
		if msg.ClientMessageID != "" {
			if idx, dup := e.byClientID[msg.ClientMessageID]; dup {
				existing := e.messages[idx]
				existing.Duplicate = true
				stored = append(stored, existing)
				continue
			}
		}
		msg.Seq = m.seq.Add(1)
		e.messages = append(e.messages, msg)
		if msg.ClientMessageID != "" {
			e.byClientID[msg.ClientMessageID] = len(e.messages) - 1
		}
		stored = append(stored, msg)
		inserted++
	}

	if len(msgs) > 0 && inserted == 0 {
		return e.session.Clone(), stored, nil
	}

	e.session = work
	return work.Clone(), stored, nil
}

// DeleteSession удаляет сессию и все её сообщения
func (m *MemoryStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	e, ok := m.entry(id)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.deleted = true
	e.messages = nil
	e.byClientID = nil
	e.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// ListMessages возвращает сообщения сессии по возрастанию seq
func (m *MemoryStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.Message, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	result := make([]models.Message, 0)
	e, ok := m.entry(sessionID)
	if !ok {
		return result, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return result, nil
	}
	return append(result, e.messages...), nil
}

// MarkRead отмечает прочитанными входящие сообщения
func (m *MemoryStore) MarkRead(ctx context.Context, sessionID, readerID uuid.UUID) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	e, ok := m.entry(sessionID)
	if !ok {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	updated := 0
	for i := range e.messages {
		if e.messages[i].SenderID != readerID && !e.messages[i].IsRead {
			e.messages[i].IsRead = true
			updated++
		}
	}
	return updated, nil
}

// UnreadCount считает непрочитанные входящие сообщения в сессии
func (m *MemoryStore) UnreadCount(ctx context.Context, sessionID, userID uuid.UUID) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	e, ok := m.entry(sessionID)
	if !ok {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return countUnread(e.messages, userID), nil
}

// UnreadCounts считает непрочитанные сообщения по всем сессиям пользователя
func (m *MemoryStore) UnreadCounts(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	counts := make(map[uuid.UUID]int)
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && e.session.IsParticipant(userID) {
			counts[e.session.ID] = countUnread(e.messages, userID)
		}
		e.mu.Unlock()
	}
	return counts, nil
}

func countUnread(msgs []models.Message, userID uuid.UUID) int {
	n := 0
	for _, msg := range msgs {
		if msg.SenderID != userID && !msg.IsRead {
			n++
		}
	}
	return n
}
