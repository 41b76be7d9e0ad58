// Package engine реализует переговоры об обмене: конечный автомат статусов,
// кворум подтверждений, редактирование списков предметов с аудитом в чате
// и сообщения участников.
//
// Все изменения одной сессии выполняются последовательно: движок держит
// мьютекс сессии на время транзакции хранилища и последующей рассылки,
// поэтому порядок событий для клиентов совпадает с порядком записи.
// Разные сессии друг друга не блокируют.
package engine

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-trade/internal/models"
	"github.com/rajivgeraev/flippy-trade/internal/store"
)

const maxClientMessageIDLength = 128

// Options настраивает движок
type Options struct {
	StoreTimeout              time.Duration
	Retries                   int
	RetryBackoff              time.Duration
	AllowEditsAfterCompletion bool
	MaxMessageLength          int
	Now                       func() time.Time
}

// DefaultOptions возвращает настройки по умолчанию
func DefaultOptions() Options {
	return Options{
		StoreTimeout:     5 * time.Second,
		Retries:          3,
		RetryBackoff:     50 * time.Millisecond,
		MaxMessageLength: 4000,
		Now:              func() time.Time { return time.Now().UTC() },
	}
}

// Engine - движок переговоров об обмене
type Engine struct {
	store  store.Store
	policy ItemPolicy
	pub    Publisher
	locks  *sessionLocks
	opts   Options
}

// New создает движок. policy и pub могут быть nil.
func New(st store.Store, policy ItemPolicy, pub Publisher, opts Options) *Engine {
	defaults := DefaultOptions()
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaults.StoreTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaults.RetryBackoff
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaults.MaxMessageLength
	}
	if opts.Now == nil {
		opts.Now = defaults.Now
	}
	if policy == nil {
		policy = TrustPolicy{}
	}
	if pub == nil {
		pub = NopPublisher{}
	}

	return &Engine{
		store:  st,
		policy: policy,
		pub:    pub,
		locks:  newSessionLocks(),
		opts:   opts,
	}
}

// CreateSessionRequest - предложение обмена
type CreateSessionRequest struct {
	ItemID         uuid.UUID
	Participants   models.Participants
	OfferedItemIDs []uuid.UUID
}

// PostMessageRequest - новое сообщение в чате сессии
type PostMessageRequest struct {
	Content         string
	IsSystemMessage bool
	ClientMessageID string
}

// getSession читает сессию; ErrNotFound хранилища превращается в NotFoundError
func (e *Engine) getSession(ctx context.Context, op string, id uuid.UUID) (*models.TradeSession, error) {
	var s *models.TradeSession
	err := e.do(ctx, op, func(ctx context.Context) error {
		var err error
		s, err = e.store.GetSession(ctx, id)
		return err
	})
	return s, err
}

// update выполняет fn внутри транзакции хранилища
func (e *Engine) update(ctx context.Context, op string, id uuid.UUID, fn store.UpdateFunc) (*models.TradeSession, []models.Message, error) {
	var (
		s    *models.TradeSession
		msgs []models.Message
	)
	err := e.do(ctx, op, func(ctx context.Context) error {
		var err error
		s, msgs, err = e.store.UpdateSession(ctx, id, fn)
		return err
	})
	return s, msgs, err
}

// CreateSession создает сессию обмена от имени инициатора
func (e *Engine) CreateSession(ctx context.Context, actorID uuid.UUID, req CreateSessionRequest) (*models.TradeSession, error) {
	requester, receiver := req.Participants[models.SlotRequester], req.Participants[models.SlotReceiver]

	switch {
	case req.ItemID == uuid.Nil:
		return nil, newError(KindValidation, "Необходимо указать ID предмета для обмена")
	case requester == uuid.Nil || receiver == uuid.Nil:
		return nil, newError(KindValidation, "Необходимо указать обоих участников обмена")
	case requester == receiver:
		return nil, newError(KindValidation, "Вы не можете предложить обмен самому себе")
	case requester != actorID:
		return nil, newError(KindAuthorization, "Предложение можно создать только от своего имени")
	}

	offered, err := normalizeItems(req.OfferedItemIDs)
	if err != nil {
		return nil, err
	}
	if len(offered) == 0 {
		return nil, newError(KindValidation, "Необходимо предложить хотя бы один предмет")
	}

	if err := e.policy.ValidateItems(ctx, requester, offered); err != nil {
		return nil, translate("create_session", err)
	}
	if err := e.policy.ValidateItems(ctx, receiver, []uuid.UUID{req.ItemID}); err != nil {
		return nil, translate("create_session", err)
	}

	now := e.opts.Now()
	s := &models.TradeSession{
		ID:               uuid.New(),
		ItemID:           req.ItemID,
		Participants:     models.Participants{requester, receiver},
		OfferedItemIDs:   offered,
		RequestedItemIDs: []uuid.UUID{req.ItemID},
		Status:           models.StatusPending,
		IsChatActive:     true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	unlock := e.locks.lock(s.ID)
	defer unlock()

	err = e.do(ctx, "create_session", func(ctx context.Context) error {
		return e.store.CreateSession(ctx, s)
	})
	if err != nil {
		return nil, err
	}

	e.pub.SessionCreated(s)
	return s, nil
}

// GetSession возвращает сессию участнику; для отсутствующей сессии - nil без ошибки
func (e *Engine) GetSession(ctx context.Context, actorID, id uuid.UUID) (*models.TradeSession, error) {
	s, err := e.getSession(ctx, "get_session", id)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	if !s.IsParticipant(actorID) {
		return nil, errNotParticipant()
	}
	return s, nil
}

// ListSessions возвращает сессии пользователя
func (e *Engine) ListSessions(ctx context.Context, actorID uuid.UUID, filter models.SessionFilter) ([]models.TradeSession, error) {
	var sessions []models.TradeSession
	err := e.do(ctx, "list_sessions", func(ctx context.Context) error {
		var err error
		sessions, err = e.store.ListSessions(ctx, actorID, filter)
		return err
	})
	return sessions, err
}

// UpdateStatus переводит сессию в новый статус по графу переходов.
// Повторная установка текущего статуса ничего не меняет.
func (e *Engine) UpdateStatus(ctx context.Context, actorID, id uuid.UUID, to models.TradeStatus) (*models.TradeSession, error) {
	if _, ok := models.ParseTradeStatus(string(to)); !ok {
		return nil, newError(KindValidation, "Недопустимый статус: %q", to)
	}

	unlock := e.locks.lock(id)
	defer unlock()

	var changed bool
	s, _, err := e.update(ctx, "update_status", id, func(s *models.TradeSession) ([]models.Message, error) {
		changed = false
		slot, ok := s.SlotOf(actorID)
		if !ok {
			return nil, errNotParticipant()
		}
		if s.Status == to {
			return nil, nil
		}
		if err := checkTransition(s.Status, to, slot); err != nil {
			return nil, err
		}

		s.Status = to
		s.IsChatActive = to != models.StatusDenied
		s.UpdatedAt = e.opts.Now()
		changed = true
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		e.pub.StatusChanged(s, actorID)
	}
	return s, nil
}

// Approve фиксирует подтверждение участника. Повторный вызов ничего не меняет.
// Когда подтвердили оба, в той же транзакции сессия переходит в completed.
func (e *Engine) Approve(ctx context.Context, actorID, id uuid.UUID) (*models.TradeSession, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	var recorded, completed bool
	s, _, err := e.update(ctx, "approve", id, func(s *models.TradeSession) ([]models.Message, error) {
		recorded, completed = false, false
		slot, ok := s.SlotOf(actorID)
		if !ok {
			return nil, errNotParticipant()
		}
		if s.Status == models.StatusCompleted {
			return nil, nil
		}
		if !canApprove(s.Status) {
			return nil, newError(KindInvalidState, "Нельзя подтвердить обмен со статусом %s", s.Status)
		}
		if s.Approvals[slot] {
			return nil, nil
		}

		s.Approvals[slot] = true
		recorded = true
		if s.Approvals.Both() {
			s.Status = models.StatusCompleted
			completed = true
		}
		s.UpdatedAt = e.opts.Now()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	if recorded {
		e.pub.ApprovalRecorded(s, actorID)
	}
	if completed {
		e.pub.SessionCompleted(s)
	}
	return s, nil
}

// EditItems заменяет список предметов, которым владеет участник, и пишет
// в журнал по системному сообщению на каждый добавленный и удалённый предмет
func (e *Engine) EditItems(ctx context.Context, actorID, id uuid.UUID, list models.ItemList, ids []uuid.UUID) (*models.TradeSession, []models.Message, error) {
	if list != models.ListOffered && list != models.ListRequested {
		return nil, nil, newError(KindValidation, "Неизвестный список предметов: %q", list)
	}

	next, err := normalizeItems(ids)
	if err != nil {
		return nil, nil, err
	}

	current, err := e.getSession(ctx, "edit_items", id)
	if err != nil {
		return nil, nil, err
	}
	slot, ok := current.SlotOf(actorID)
	if !ok {
		return nil, nil, errNotParticipant()
	}
	if slot != list.Owner() {
		return nil, nil, newError(KindAuthorization, "Список %s может изменять только %s", list, list.Owner())
	}
	if err := e.policy.ValidateItems(ctx, actorID, next); err != nil {
		return nil, nil, translate("edit_items", err)
	}

	unlock := e.locks.lock(id)
	defer unlock()

	s, msgs, err := e.update(ctx, "edit_items", id, func(s *models.TradeSession) ([]models.Message, error) {
		slot, ok := s.SlotOf(actorID)
		if !ok {
			return nil, errNotParticipant()
		}
		if slot != list.Owner() {
			return nil, newError(KindAuthorization, "Список %s может изменять только %s", list, list.Owner())
		}
		if err := canEditItems(s.Status, e.opts.AllowEditsAfterCompletion); err != nil {
			return nil, err
		}

		added, removed := diffItems(s.Items(list), next)
		if len(added) == 0 && len(removed) == 0 {
			return nil, nil
		}

		now := e.opts.Now()
		msgs := itemChangeMessages(actorID, added, removed, now)
		s.SetItems(list, next)
		s.LastMessageText = msgs[len(msgs)-1].Content
		s.LastMessageTime = &now
		s.UpdatedAt = now
		return msgs, nil
	})
	if err != nil {
		return nil, nil, err
	}

	if len(msgs) > 0 {
		e.pub.ItemsUpdated(s, list)
		for i := range msgs {
			e.pub.MessagePosted(s, &msgs[i])
		}
	}
	return s, msgs, nil
}

// DeleteSession удаляет сессию вместе с сообщениями
func (e *Engine) DeleteSession(ctx context.Context, actorID, id uuid.UUID) error {
	unlock := e.locks.lock(id)
	defer unlock()

	s, err := e.getSession(ctx, "delete_session", id)
	if err != nil {
		return err
	}
	if !s.IsParticipant(actorID) {
		return errNotParticipant()
	}

	err = e.do(ctx, "delete_session", func(ctx context.Context) error {
		return e.store.DeleteSession(ctx, id)
	})
	if err != nil {
		return err
	}

	e.pub.SessionDeleted(s)
	return nil
}

// PostMessage сохраняет сообщение участника и рассылает его после коммита.
// Повтор с тем же ClientMessageID возвращает ранее сохранённое сообщение.
func (e *Engine) PostMessage(ctx context.Context, actorID, id uuid.UUID, req PostMessageRequest) (*models.Message, error) {
	content := strings.TrimSpace(req.Content)
	switch {
	case content == "":
		return nil, newError(KindValidation, "Текст сообщения не может быть пустым")
	case utf8.RuneCountInString(content) > e.opts.MaxMessageLength:
		return nil, newError(KindValidation, "Сообщение длиннее %d символов", e.opts.MaxMessageLength)
	case len(req.ClientMessageID) > maxClientMessageIDLength:
		return nil, newError(KindValidation, "client_message_id длиннее %d символов", maxClientMessageIDLength)
	}

	unlock := e.locks.lock(id)
	defer unlock()

	s, msgs, err := e.update(ctx, "post_message", id, func(s *models.TradeSession) ([]models.Message, error) {
		if !s.IsParticipant(actorID) {
			return nil, errNotParticipant()
		}
		if s.Status == models.StatusDenied {
			return nil, newError(KindInvalidState, "Чат отклонённого обмена заморожен")
		}

		now := e.opts.Now()
		s.LastMessageText = content
		s.LastMessageTime = &now
		s.UpdatedAt = now
		return []models.Message{{
			ID:              uuid.New(),
			SenderID:        actorID,
			Content:         content,
			IsSystemMessage: req.IsSystemMessage,
			ClientMessageID: req.ClientMessageID,
			CreatedAt:       now,
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	msg := msgs[0]
	if !msg.Duplicate {
		e.pub.MessagePosted(s, &msg)
	}
	return &msg, nil
}

// ListMessages возвращает историю сессии в порядке записи.
// Для отсутствующей сессии возвращается пустой список.
func (e *Engine) ListMessages(ctx context.Context, actorID, id uuid.UUID) ([]models.Message, error) {
	s, err := e.getSession(ctx, "list_messages", id)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return []models.Message{}, nil
		}
		return nil, err
	}
	if !s.IsParticipant(actorID) {
		return nil, errNotParticipant()
	}

	var msgs []models.Message
	err = e.do(ctx, "list_messages", func(ctx context.Context) error {
		var err error
		msgs, err = e.store.ListMessages(ctx, id)
		return err
	})
	return msgs, err
}

// MarkRead отмечает прочитанными сообщения собеседника
func (e *Engine) MarkRead(ctx context.Context, actorID, id uuid.UUID) (int, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	s, err := e.getSession(ctx, "mark_read", id)
	if err != nil {
		return 0, err
	}
	if !s.IsParticipant(actorID) {
		return 0, errNotParticipant()
	}

	var updated int
	err = e.do(ctx, "mark_read", func(ctx context.Context) error {
		var err error
		updated, err = e.store.MarkRead(ctx, id, actorID)
		return err
	})
	if err != nil {
		return 0, err
	}

	if updated > 0 {
		e.pub.MessagesRead(s, actorID)
	}
	return updated, nil
}

// UnreadCount пересчитывает непрочитанные входящие сообщения по журналу
func (e *Engine) UnreadCount(ctx context.Context, actorID, id uuid.UUID) (int, error) {
	s, err := e.getSession(ctx, "unread_count", id)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return 0, nil
		}
		return 0, err
	}
	if !s.IsParticipant(actorID) {
		return 0, errNotParticipant()
	}

	var n int
	err = e.do(ctx, "unread_count", func(ctx context.Context) error {
		var err error
		n, err = e.store.UnreadCount(ctx, id, actorID)
		return err
	})
	return n, err
}

// UnreadCounts возвращает число непрочитанных сообщений по всем сессиям пользователя
func (e *Engine) UnreadCounts(ctx context.Context, actorID uuid.UUID) (map[uuid.UUID]int, error) {
	var counts map[uuid.UUID]int
	err := e.do(ctx, "unread_counts", func(ctx context.Context) error {
		var err error
		counts, err = e.store.UnreadCounts(ctx, actorID)
		return err
	})
	return counts, err
}

// AttachViewer проверяет, что пользователь участвует в сессии, и вызывает
// attach под блокировкой сессии. Так подключение к комнате упорядочено
// относительно удаления сессии и рассылок.
func (e *Engine) AttachViewer(ctx context.Context, actorID, id uuid.UUID, attach func()) error {
	unlock := e.locks.lock(id)
	defer unlock()

	s, err := e.getSession(ctx, "attach_viewer", id)
	if err != nil {
		return err
	}
	if !s.IsParticipant(actorID) {
		return errNotParticipant()
	}

	attach()
	return nil
}
