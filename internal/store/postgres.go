package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/flippy-trade/internal/models"
)

const sessionColumns = `id, item_id, requester_id, receiver_id, offered_item_ids, requested_item_ids,
       status, requester_approved, receiver_approved, is_chat_active,
       last_message_text, last_message_time, created_at, updated_at`

const messageColumns = `seq, id, session_id, sender_id, content, is_read, is_system_message,
       COALESCE(client_message_id, ''), created_at`

// PostgresStore хранит сессии и сообщения в PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создает хранилище поверх пула соединений
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// classify переводит ошибки драйвера в ошибки хранилища
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case pgconn.SafeToRetry(err):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func itemsToText(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func itemsFromText(values []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("некорректный ID предмета %q: %w", v, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func scanSession(row pgx.Row) (*models.TradeSession, error) {
	var s models.TradeSession
	var offered, requested []string
	var status string

	err := row.Scan(
		&s.ID,
		&s.ItemID,
		&s.Participants[models.SlotRequester],
		&s.Participants[models.SlotReceiver],
		&offered,
		&requested,
		&status,
		&s.Approvals[models.SlotRequester],
		&s.Approvals[models.SlotReceiver],
		&s.IsChatActive,
		&s.LastMessageText,
		&s.LastMessageTime,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = models.TradeStatus(status)
	if s.OfferedItemIDs, err = itemsFromText(offered); err != nil {
		return nil, err
	}
	if s.RequestedItemIDs, err = itemsFromText(requested); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var m models.Message
	err := row.Scan(
		&m.Seq,
		&m.ID,
		&m.SessionID,
		&m.SenderID,
		&m.Content,
		&m.IsRead,
		&m.IsSystemMessage,
		&m.ClientMessageID,
		&m.CreatedAt,
	)
	return m, err
}

// CreateSession сохраняет новую сессию
func (p *PostgresStore) CreateSession(ctx context.Context, s *models.TradeSession) error {
	_, err := p.pool.Exec(ctx, `
        INSERT INTO trade_sessions (id, item_id, requester_id, receiver_id, offered_item_ids, requested_item_ids,
                                    status, requester_approved, receiver_approved, is_chat_active, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `, s.ID, s.ItemID, s.RequesterID(), s.ReceiverID(),
		itemsToText(s.OfferedItemIDs), itemsToText(s.RequestedItemIDs),
		string(s.Status), s.Approvals[models.SlotRequester], s.Approvals[models.SlotReceiver],
		s.IsChatActive, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания сессии обмена: %w", classify(err))
	}
	return nil
}

// GetSession возвращает сессию по ID
func (p *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.TradeSession, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM trade_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сессии %s: %w", id, classify(err))
	}
	return s, nil
}

// ListSessions возвращает сессии пользователя с учётом фильтров
func (p *PostgresStore) ListSessions(ctx context.Context, userID uuid.UUID, filter models.SessionFilter) ([]models.TradeSession, error) {
	var where []string
	args := []any{userID}

	switch filter.Role {
	case "incoming":
		where = append(where, "receiver_id = $1")
	case "outgoing":
		where = append(where, "requester_id = $1")
	default:
		where = append(where, "(requester_id = $1 OR receiver_id = $1)")
	}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + sessionColumns + ` FROM trade_sessions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY updated_at DESC, created_at DESC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса сессий: %w", classify(err))
	}
	defer rows.Close()

	sessions := make([]models.TradeSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования сессии: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения сессий: %w", classify(err))
	}
	return sessions, nil
}

// UpdateSession блокирует строку сессии, применяет fn и сохраняет результат
// вместе с новыми сообщениями одной транзакцией
func (p *PostgresStore) UpdateSession(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*models.TradeSession, []models.Message, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка начала транзакции: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM trade_sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("ошибка блокировки сессии %s: %w", id, classify(err))
	}

	saved := s.Clone()
	msgs, err := fn(s)
	if err != nil {
		return nil, nil, err
	}

	stored := make([]models.Message, 0, len(msgs))
	inserted := 0
	for _, msg := range msgs {
		msg.SessionID = id
		if err := insertMessage(ctx, tx, &msg); err != nil {
			return nil, nil, err
		}
		if !msg.Duplicate {
			inserted++
		}
		stored = append(stored, msg)
	}

	// Повтор по client_message_id не меняет сессию
	if len(msgs) > 0 && inserted == 0 {
		return saved, stored, nil
	}

	_, err = tx.Exec(ctx, `
        UPDATE trade_sessions
        SET offered_item_ids = $2, requested_item_ids = $3, status = $4,
            requester_approved = $5, receiver_approved = $6, is_chat_active = $7,
            last_message_text = $8, last_message_time = $9, updated_at = $10
        WHERE id = $1
    `, id, itemsToText(s.OfferedItemIDs), itemsToText(s.RequestedItemIDs), string(s.Status),
		s.Approvals[models.SlotRequester], s.Approvals[models.SlotReceiver], s.IsChatActive,
		s.LastMessageText, s.LastMessageTime, s.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка обновления сессии %s: %w", id, classify(err))
	}

	// Фиксируем транзакцию
	if err = tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("ошибка фиксации транзакции: %w", classify(err))
	}
	return s, stored, nil
}

// insertMessage добавляет сообщение; при повторе client_message_id
// подставляет ранее сохранённое сообщение
func insertMessage(ctx context.Context, tx pgx.Tx, msg *models.Message) error {
	err := tx.QueryRow(ctx, `
        INSERT INTO trade_messages (id, session_id, sender_id, content, is_read, is_system_message, client_message_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
        ON CONFLICT (session_id, client_message_id) DO NOTHING
        RETURNING seq
    `, msg.ID, msg.SessionID, msg.SenderID, msg.Content, msg.IsRead, msg.IsSystemMessage,
		msg.ClientMessageID, msg.CreatedAt).Scan(&msg.Seq)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ошибка сохранения сообщения: %w", classify(err))
	}

	existing, err := scanMessage(tx.QueryRow(ctx, `
        SELECT `+messageColumns+`
        FROM trade_messages
        WHERE session_id = $1 AND client_message_id = $2
    `, msg.SessionID, msg.ClientMessageID))
	if err != nil {
		return fmt.Errorf("ошибка получения повторного сообщения: %w", classify(err))
	}
	existing.Duplicate = true
	*msg = existing
	return nil
}

// DeleteSession удаляет сессию, сообщения удаляются каскадно
func (p *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM trade_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления сессии %s: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages возвращает сообщения сессии в порядке записи
func (p *PostgresStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.Message, error) {
	rows, err := p.pool.Query(ctx, `
        SELECT `+messageColumns+`
        FROM trade_messages
        WHERE session_id = $1
        ORDER BY seq ASC
    `, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса сообщений: %w", classify(err))
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования сообщения: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения сообщений: %w", classify(err))
	}
	return messages, nil
}

// MarkRead отмечает прочитанными сообщения собеседника
func (p *PostgresStore) MarkRead(ctx context.Context, sessionID, readerID uuid.UUID) (int, error) {
	tag, err := p.pool.Exec(ctx, `
        UPDATE trade_messages
        SET is_read = true
        WHERE session_id = $1 AND sender_id <> $2 AND is_read = false
    `, sessionID, readerID)
	if err != nil {
		return 0, fmt.Errorf("ошибка обновления статуса прочтения: %w", classify(err))
	}
	return int(tag.RowsAffected()), nil
}

// UnreadCount считает непрочитанные входящие сообщения в сессии
func (p *PostgresStore) UnreadCount(ctx context.Context, sessionID, userID uuid.UUID) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
        SELECT COUNT(*) FROM trade_messages
        WHERE session_id = $1 AND sender_id <> $2 AND is_read = false
    `, sessionID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта непрочитанных: %w", classify(err))
	}
	return count, nil
}

// UnreadCounts считает непрочитанные сообщения по всем сессиям пользователя
func (p *PostgresStore) UnreadCounts(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := p.pool.Query(ctx, `
        SELECT s.id,
               COUNT(m.id) FILTER (WHERE m.sender_id <> $1 AND m.is_read = false) AS unread_count
        FROM trade_sessions s
        LEFT JOIN trade_messages m ON m.session_id = s.id
        WHERE s.requester_id = $1 OR s.receiver_id = $1
        GROUP BY s.id
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса непрочитанных: %w", classify(err))
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("ошибка сканирования строки: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения непрочитанных: %w", classify(err))
	}
	return counts, nil
}
