package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-trade/internal/models"
	"github.com/rajivgeraev/flippy-trade/internal/store"
)

var ctx = context.Background()

// recorder запоминает события в порядке рассылки
type recorder struct {
	mu     sync.Mutex
	events []string
	msgs   []models.Message
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.list() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (r *recorder) SessionCreated(s *models.TradeSession) { r.add("created") }
func (r *recorder) StatusChanged(s *models.TradeSession, actorID uuid.UUID) {
	r.add("status:%s", s.Status)
}
func (r *recorder) ApprovalRecorded(s *models.TradeSession, userID uuid.UUID) { r.add("approval") }
func (r *recorder) SessionCompleted(s *models.TradeSession)                    { r.add("completed") }
func (r *recorder) ItemsUpdated(s *models.TradeSession, list models.ItemList) {
	r.add("items:%s", list)
}
func (r *recorder) MessagePosted(s *models.TradeSession, m *models.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, *m)
	r.mu.Unlock()
	r.add("message:%s", m.Content)
}
func (r *recorder) MessagesRead(s *models.TradeSession, readerID uuid.UUID) { r.add("read") }
func (r *recorder) SessionDeleted(s *models.TradeSession)                  { r.add("deleted") }

type fixture struct {
	engine    *Engine
	store     *store.MemoryStore
	pub       *recorder
	requester uuid.UUID
	receiver  uuid.UUID
	item      uuid.UUID
	offered   uuid.UUID
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	pub := &recorder{}
	return &fixture{
		engine:    New(st, nil, pub, opts),
		store:     st,
		pub:       pub,
		requester: uuid.New(),
		receiver:  uuid.New(),
		item:      uuid.New(),
		offered:   uuid.New(),
	}
}

func (f *fixture) create(t *testing.T) *models.TradeSession {
	t.Helper()
	s, err := f.engine.CreateSession(ctx, f.requester, CreateSessionRequest{
		ItemID:         f.item,
		Participants:   models.Participants{f.requester, f.receiver},
		OfferedItemIDs: []uuid.UUID{f.offered},
	})
	require.NoError(t, err)
	return s
}

// activate создает сессию и переводит её в active
func (f *fixture) activate(t *testing.T) *models.TradeSession {
	t.Helper()
	s := f.create(t)
	s, err := f.engine.UpdateStatus(ctx, f.receiver, s.ID, models.StatusActive)
	require.NoError(t, err)
	return s
}

func (f *fixture) setStatus(t *testing.T, id uuid.UUID, status models.TradeStatus) {
	t.Helper()
	_, _, err := f.store.UpdateSession(ctx, id, func(s *models.TradeSession) ([]models.Message, error) {
		s.Status = status
		s.IsChatActive = status != models.StatusDenied
		return nil, nil
	})
	require.NoError(t, err)
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t)

	assert.Equal(t, models.StatusPending, s.Status)
	assert.Equal(t, f.requester, s.RequesterID())
	assert.Equal(t, f.receiver, s.ReceiverID())
	assert.Equal(t, []uuid.UUID{f.offered}, s.OfferedItemIDs)
	assert.Equal(t, []uuid.UUID{f.item}, s.RequestedItemIDs)
	assert.Equal(t, models.Approvals{}, s.Approvals)
	assert.True(t, s.IsChatActive)
	assert.Equal(t, []string{"created"}, f.pub.list())
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, Options{})
	other := uuid.New()

	tests := []struct {
		name  string
		actor uuid.UUID
		req   CreateSessionRequest
		kind  Kind
	}{
		{
			name:  "self trade",
			actor: f.requester,
			req:   CreateSessionRequest{ItemID: f.item, Participants: models.Participants{f.requester, f.requester}, OfferedItemIDs: []uuid.UUID{f.offered}},
			kind:  KindValidation,
		},
		{
			name:  "missing item",
			actor: f.requester,
			req:   CreateSessionRequest{Participants: models.Participants{f.requester, f.receiver}, OfferedItemIDs: []uuid.UUID{f.offered}},
			kind:  KindValidation,
		},
		{
			name:  "nothing offered",
			actor: f.requester,
			req:   CreateSessionRequest{ItemID: f.item, Participants: models.Participants{f.requester, f.receiver}},
			kind:  KindValidation,
		},
		{
			name:  "nil offered id",
			actor: f.requester,
			req:   CreateSessionRequest{ItemID: f.item, Participants: models.Participants{f.requester, f.receiver}, OfferedItemIDs: []uuid.UUID{uuid.Nil}},
			kind:  KindValidation,
		},
		{
			name:  "on behalf of someone else",
			actor: other,
			req:   CreateSessionRequest{ItemID: f.item, Participants: models.Participants{f.requester, f.receiver}, OfferedItemIDs: []uuid.UUID{f.offered}},
			kind:  KindAuthorization,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateSession(ctx, tt.actor, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
	assert.Empty(t, f.pub.list())
}

func TestCreateSessionDeduplicatesOffered(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := uuid.New(), uuid.New()

	s, err := f.engine.CreateSession(ctx, f.requester, CreateSessionRequest{
		ItemID:         f.item,
		Participants:   models.Participants{f.requester, f.receiver},
		OfferedItemIDs: []uuid.UUID{a, b, a},
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, s.OfferedItemIDs)
}

func TestUpdateStatusTransitions(t *testing.T) {
	tests := []struct {
		name     string
		from     models.TradeStatus
		to       models.TradeStatus
		receiver bool
		kind     Kind // пусто - переход разрешён
	}{
		{"receiver accepts", models.StatusPending, models.StatusActive, true, ""},
		{"receiver denies", models.StatusPending, models.StatusDenied, true, ""},
		{"requester cancels", models.StatusPending, models.StatusCancelled, false, ""},
		{"requester cannot accept", models.StatusPending, models.StatusActive, false, KindAuthorization},
		{"requester cannot deny", models.StatusPending, models.StatusDenied, false, KindAuthorization},
		{"receiver cannot cancel", models.StatusPending, models.StatusCancelled, true, KindAuthorization},
		{"requester marks ready", models.StatusActive, models.StatusReadyToTrade, false, ""},
		{"receiver marks ready", models.StatusActive, models.StatusReadyToTrade, true, ""},
		{"pending to ready", models.StatusPending, models.StatusReadyToTrade, true, KindInvalidState},
		{"active to cancelled", models.StatusActive, models.StatusCancelled, false, KindInvalidState},
		{"ready back to active", models.StatusReadyToTrade, models.StatusActive, true, KindInvalidState},
		{"completed by status", models.StatusReadyToTrade, models.StatusCompleted, true, KindInvalidState},
		{"denied is terminal", models.StatusDenied, models.StatusActive, true, KindInvalidState},
		{"cancelled is terminal", models.StatusCancelled, models.StatusPending, false, KindInvalidState},
		{"completed is terminal", models.StatusCompleted, models.StatusActive, true, KindInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			s := f.create(t)
			f.setStatus(t, s.ID, tt.from)

			actor := f.requester
			if tt.receiver {
				actor = f.receiver
			}

			got, err := f.engine.UpdateStatus(ctx, actor, s.ID, tt.to)
			if tt.kind == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.to, got.Status)
				assert.Equal(t, tt.to != models.StatusDenied, got.IsChatActive)
				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))

			stored, err := f.store.GetSession(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.from, stored.Status)
		})
	}
}

func TestUpdateStatusSameStatusIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.activate(t)
	before := len(f.pub.list())

	got, err := f.engine.UpdateStatus(ctx, f.requester, s.ID, models.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Len(t, f.pub.list(), before)
}

func TestUpdateStatusRejectsUnknownAndOutsiders(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t)

	_, err := f.engine.UpdateStatus(ctx, f.receiver, s.ID, "archived")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.UpdateStatus(ctx, uuid.New(), s.ID, models.StatusActive)
	assert.ErrorIs(t, err, ErrAuthorization)

	_, err = f.engine.UpdateStatus(ctx, f.receiver, uuid.New(), models.StatusActive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveCompletesAfterBoth(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.activate(t)

	s, err := f.engine.Approve(ctx, f.requester, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, s.Status)
	assert.Equal(t, models.Approvals{true, false}, s.Approvals)

	// повторное подтверждение ничего не меняет
	s, err = f.engine.Approve(ctx, f.requester, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Approvals{true, false}, s.Approvals)
	assert.Equal(t, 1, f.pub.count("approval"))

	s, err = f.engine.Approve(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, s.Status)
	assert.True(t, s.Approvals.Both())

	// после завершения подтверждение - no-op
	s, err = f.engine.Approve(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, s.Status)

	assert.Equal(t, []string{"created", "status:active", "approval", "approval", "completed"}, f.pub.list())
}

func TestApproveFromReadyToTrade(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.activate(t)
	_, err := f.engine.UpdateStatus(ctx, f.requester, s.ID, models.StatusReadyToTrade)
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	s, err = f.engine.Approve(ctx, f.requester, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, s.Status)
}

func TestApproveRejectedOutsideNegotiation(t *testing.T) {
	for _, status := range []models.TradeStatus{models.StatusPending, models.StatusDenied, models.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, Options{})
			s := f.create(t)
			f.setStatus(t, s.ID, status)

			_, err := f.engine.Approve(ctx, f.requester, s.ID)
			assert.ErrorIs(t, err, ErrInvalidState)
		})
	}

	f := newFixture(t, Options{})
	s := f.activate(t)
	_, err := f.engine.Approve(ctx, uuid.New(), s.ID)
	assert.ErrorIs(t, err, ErrAuthorization)
}

func TestConcurrentApprovalsCompleteExactlyOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, Options{})
		s := f.activate(t)

		var wg sync.WaitGroup
		for _, actor := range []uuid.UUID{f.requester, f.receiver} {
			wg.Add(1)
			go func(actor uuid.UUID) {
				defer wg.Done()
				_, err := f.engine.Approve(ctx, actor, s.ID)
				assert.NoError(t, err)
			}(actor)
		}
		wg.Wait()

		got, err := f.store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, got.Status)
		require.True(t, got.Approvals.Both())
		require.Equal(t, 1, f.pub.count("completed"))
		require.Equal(t, 2, f.pub.count("approval"))
	}
}

func TestEditItemsWritesAuditMessages(t *testing.T) {
	f := newFixture(t, Options{})
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	s, err := f.engine.CreateSession(ctx, f.requester, CreateSessionRequest{
		ItemID:         f.item,
		Participants:   models.Participants{f.requester, f.receiver},
		OfferedItemIDs: []uuid.UUID{a, b},
	})
	require.NoError(t, err)

	s, msgs, err := f.engine.EditItems(ctx, f.requester, s.ID, models.ListOffered, []uuid.UUID{b, c})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b, c}, s.OfferedItemIDs)

	require.Len(t, msgs, 2)
	assert.Equal(t, "Added "+c.String(), msgs[0].Content)
	assert.Equal(t, "Removed "+a.String(), msgs[1].Content)
	for _, m := range msgs {
		assert.True(t, m.IsSystemMessage)
		assert.Equal(t, f.requester, m.SenderID)
	}
	assert.Less(t, msgs[0].Seq, msgs[1].Seq)
	assert.Equal(t, "Removed "+a.String(), s.LastMessageText)

	history, err := f.engine.ListMessages(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, msgs[0].ID, history[0].ID)

	assert.Equal(t, []string{
		"created",
		"items:offered",
		"message:Added " + c.String(),
		"message:Removed " + a.String(),
	}, f.pub.list())
}

func TestEditItemsUnchangedListIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t)

	_, msgs, err := f.engine.EditItems(ctx, f.requester, s.ID, models.ListOffered, []uuid.UUID{f.offered, f.offered})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, []string{"created"}, f.pub.list())
}

func TestEditItemsOwnership(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.activate(t)
	extra := uuid.New()

	_, _, err := f.engine.EditItems(ctx, f.receiver, s.ID, models.ListOffered, []uuid.UUID{extra})
	assert.ErrorIs(t, err, ErrAuthorization)

	_, _, err = f.engine.EditItems(ctx, f.requester, s.ID, models.ListRequested, []uuid.UUID{extra})
	assert.ErrorIs(t, err, ErrAuthorization)

	_, _, err = f.engine.EditItems(ctx, uuid.New(), s.ID, models.ListOffered, []uuid.UUID{extra})
	assert.ErrorIs(t, err, ErrAuthorization)

	s, msgs, err := f.engine.EditItems(ctx, f.receiver, s.ID, models.ListRequested, []uuid.UUID{f.item, extra})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.item, extra}, s.RequestedItemIDs)
	require.Len(t, msgs, 1)
	assert.Equal(t, f.receiver, msgs[0].SenderID)

	stored, err := f.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.offered}, stored.OfferedItemIDs)
}

func TestEditItemsByStatus(t *testing.T) {
	tests := []struct {
		status     models.TradeStatus
		allowAfter bool
		kind       Kind
	}{
		{models.StatusPending, false, ""},
		{models.StatusActive, false, ""},
		{models.StatusReadyToTrade, false, ""},
		{models.StatusDenied, false, KindInvalidState},
		{models.StatusCancelled, true, KindInvalidState},
		{models.StatusCompleted, false, KindInvalidState},
		{models.StatusCompleted, true, ""},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/allow=%v", tt.status, tt.allowAfter), func(t *testing.T) {
			f := newFixture(t, Options{AllowEditsAfterCompletion: tt.allowAfter})
			s := f.create(t)
			f.setStatus(t, s.ID, tt.status)

			_, _, err := f.engine.EditItems(ctx, f.requester, s.ID, models.ListOffered, []uuid.UUID{uuid.New()})
			if tt.kind == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestEditItemsApprovalsSurvive(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.activate(t)

	_, err := f.engine.Approve(ctx, f.requester, s.ID)
	require.NoError(t, err)

	s, _, err = f.engine.EditItems(ctx, f.receiver, s.ID, models.ListRequested, []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, models.Approvals{true, false}, s.Approvals)
}

func TestPostMessage(t *testing.T) {
	f := newFixture(t, Options{MaxMessageLength: 10})
	s := f.create(t)

	msg, err := f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: "  hello  "})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, s.ID, msg.SessionID)
	assert.False(t, msg.IsRead)

	_, err = f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: "слишком длинно"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.PostMessage(ctx, uuid.New(), s.ID, PostMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrAuthorization)

	_, err = f.engine.PostMessage(ctx, f.requester, uuid.New(), PostMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.engine.GetSession(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastMessageText)
	require.NotNil(t, got.LastMessageTime)
}

func TestPostMessageByStatus(t *testing.T) {
	for _, status := range []models.TradeStatus{
		models.StatusPending, models.StatusActive, models.StatusReadyToTrade,
		models.StatusCancelled, models.StatusCompleted,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, Options{})
			s := f.create(t)
			f.setStatus(t, s.ID, status)

			_, err := f.engine.PostMessage(ctx, f.receiver, s.ID, PostMessageRequest{Content: "hi"})
			assert.NoError(t, err)
		})
	}

	f := newFixture(t, Options{})
	s := f.create(t)
	s, err := f.engine.UpdateStatus(ctx, f.receiver, s.ID, models.StatusDenied)
	require.NoError(t, err)
	assert.False(t, s.IsChatActive)

	_, err = f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: "please"})
	assert.ErrorIs(t, err, ErrInvalidState)

	msgs, err := f.engine.ListMessages(ctx, f.requester, s.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPostMessageIdempotentByClientID(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t)

	first, err := f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: "hi", ClientMessageID: "c-1"})
	require.NoError(t, err)
	second, err := f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: "hi", ClientMessageID: "c-1"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, 1, f.pub.count("message:"))

	msgs, err := f.engine.ListMessages(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPostMessageRetryKeepsPreview(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t)

	_, err := f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: "first", ClientMessageID: "c-1"})
	require.NoError(t, err)
	_, err = f.engine.PostMessage(ctx, f.receiver, s.ID, PostMessageRequest{Content: "second"})
	require.NoError(t, err)
	before, err := f.engine.GetSession(ctx, f.requester, s.ID)
	require.NoError(t, err)

	retry, err := f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: "first", ClientMessageID: "c-1"})
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)

	after, err := f.engine.GetSession(ctx, f.requester, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", after.LastMessageText)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	assert.Equal(t, 2, f.pub.count("message:"))
}

func TestConcurrentMessagesKeepBroadcastOrder(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := f.requester
			if i%2 == 1 {
				actor = f.receiver
			}
			_, err := f.engine.PostMessage(ctx, actor, s.ID, PostMessageRequest{Content: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := f.engine.ListMessages(ctx, f.requester, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 40)

	f.pub.mu.Lock()
	published := append([]models.Message(nil), f.pub.msgs...)
	f.pub.mu.Unlock()
	require.Len(t, published, 40)
	for i := range history {
		assert.Equal(t, history[i].ID, published[i].ID)
		if i > 0 {
			assert.Less(t, history[i-1].Seq, history[i].Seq)
		}
	}
	assert.Equal(t, 0, f.engine.locks.size())
}

func TestUnreadCountsAndMarkRead(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t)

	for _, text := range []string{"one", "two"} {
		_, err := f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: text})
		require.NoError(t, err)
	}
	_, err := f.engine.PostMessage(ctx, f.receiver, s.ID, PostMessageRequest{Content: "three"})
	require.NoError(t, err)

	n, err := f.engine.UnreadCount(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.engine.UnreadCount(ctx, f.requester, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := f.engine.UnreadCounts(ctx, f.receiver)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{s.ID: 2}, counts)

	updated, err := f.engine.MarkRead(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated)
	assert.Equal(t, 1, f.pub.count("read"))

	n, err = f.engine.UnreadCount(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// повторная отметка ничего не рассылает
	updated, err = f.engine.MarkRead(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Equal(t, 1, f.pub.count("read"))

	_, err = f.engine.UnreadCount(ctx, uuid.New(), s.ID)
	assert.ErrorIs(t, err, ErrAuthorization)
}

func TestReadPathsOnMissingSession(t *testing.T) {
	f := newFixture(t, Options{})
	missing := uuid.New()

	s, err := f.engine.GetSession(ctx, f.requester, missing)
	require.NoError(t, err)
	assert.Nil(t, s)

	msgs, err := f.engine.ListMessages(ctx, f.requester, missing)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	n, err := f.engine.UnreadCount(ctx, f.requester, missing)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.engine.MarkRead(ctx, f.requester, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, f.engine.DeleteSession(ctx, f.requester, missing), ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t)
	_, err := f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: "hi"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.DeleteSession(ctx, uuid.New(), s.ID), ErrAuthorization)

	require.NoError(t, f.engine.DeleteSession(ctx, f.receiver, s.ID))
	assert.Equal(t, "deleted", f.pub.list()[len(f.pub.list())-1])

	got, err := f.engine.GetSession(ctx, f.requester, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	msgs, err := f.store.ListMessages(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: "late"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsFilters(t *testing.T) {
	f := newFixture(t, Options{})
	incoming := f.create(t)

	outgoing, err := f.engine.CreateSession(ctx, f.receiver, CreateSessionRequest{
		ItemID:         uuid.New(),
		Participants:   models.Participants{f.receiver, f.requester},
		OfferedItemIDs: []uuid.UUID{uuid.New()},
	})
	require.NoError(t, err)
	_, err = f.engine.UpdateStatus(ctx, f.requester, outgoing.ID, models.StatusActive)
	require.NoError(t, err)

	all, err := f.engine.ListSessions(ctx, f.receiver, models.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	in, err := f.engine.ListSessions(ctx, f.receiver, models.SessionFilter{Role: "incoming"})
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, incoming.ID, in[0].ID)

	active, err := f.engine.ListSessions(ctx, f.receiver, models.SessionFilter{Status: models.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, outgoing.ID, active[0].ID)
}

func TestAttachViewer(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t)

	attached := false
	require.NoError(t, f.engine.AttachViewer(ctx, f.receiver, s.ID, func() { attached = true }))
	assert.True(t, attached)

	attached = false
	err := f.engine.AttachViewer(ctx, uuid.New(), s.ID, func() { attached = true })
	assert.ErrorIs(t, err, ErrAuthorization)
	assert.False(t, attached)

	err = f.engine.AttachViewer(ctx, f.receiver, uuid.New(), func() { attached = true })
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, attached)
}

func TestEndToEndFlow(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t)

	_, err := f.engine.Approve(ctx, f.requester, s.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.UpdateStatus(ctx, f.receiver, s.ID, models.StatusActive)
	require.NoError(t, err)
	_, err = f.engine.PostMessage(ctx, f.receiver, s.ID, PostMessageRequest{Content: "deal?"})
	require.NoError(t, err)
	_, _, err = f.engine.EditItems(ctx, f.requester, s.ID, models.ListOffered, []uuid.UUID{f.offered, uuid.New()})
	require.NoError(t, err)
	_, err = f.engine.UpdateStatus(ctx, f.requester, s.ID, models.StatusReadyToTrade)
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	s, err = f.engine.Approve(ctx, f.requester, s.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, s.Status)
	assert.Len(t, s.OfferedItemIDs, 2)

	_, err = f.engine.PostMessage(ctx, f.requester, s.ID, PostMessageRequest{Content: "thanks"})
	require.NoError(t, err)

	msgs, err := f.engine.ListMessages(ctx, f.receiver, s.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "deal?", msgs[0].Content)
	assert.True(t, msgs[1].IsSystemMessage)
	assert.Equal(t, "thanks", msgs[2].Content)
}

// fakeCatalog отдаёт заранее заданные объявления
type fakeCatalog struct {
	listings map[uuid.UUID]store.Listing
	err      error
}

func (c fakeCatalog) LookupListings(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]store.Listing, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[uuid.UUID]store.Listing)
	for _, id := range ids {
		if l, ok := c.listings[id]; ok {
			out[id] = l
		}
	}
	return out, nil
}

func TestCatalogPolicy(t *testing.T) {
	owner, stranger := uuid.New(), uuid.New()
	good := uuid.New()
	sold := uuid.New()
	noTrade := uuid.New()
	foreign := uuid.New()

	policy := CatalogPolicy{Catalog: fakeCatalog{listings: map[uuid.UUID]store.Listing{
		good:    {ID: good, UserID: owner, Status: "active", AllowTrade: true},
		sold:    {ID: sold, UserID: owner, Status: "sold", AllowTrade: true},
		noTrade: {ID: noTrade, UserID: owner, Status: "active", AllowTrade: false},
		foreign: {ID: foreign, UserID: stranger, Status: "active", AllowTrade: true},
	}}}

	assert.NoError(t, policy.ValidateItems(ctx, owner, []uuid.UUID{good}))
	assert.NoError(t, policy.ValidateItems(ctx, owner, nil))

	for name, id := range map[string]uuid.UUID{
		"missing":  uuid.New(),
		"inactive": sold,
		"no trade": noTrade,
		"foreign":  foreign,
	} {
		t.Run(name, func(t *testing.T) {
			err := policy.ValidateItems(ctx, owner, []uuid.UUID{good, id})
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	failing := CatalogPolicy{Catalog: fakeCatalog{err: store.ErrTransient}}
	err := failing.ValidateItems(ctx, owner, []uuid.UUID{good})
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(translate("test", err)))
}

func TestEngineWithCatalogPolicy(t *testing.T) {
	requester, receiver := uuid.New(), uuid.New()
	wanted, mine, theirs := uuid.New(), uuid.New(), uuid.New()

	policy := CatalogPolicy{Catalog: fakeCatalog{listings: map[uuid.UUID]store.Listing{
		wanted: {ID: wanted, UserID: receiver, Status: "active", AllowTrade: true},
		mine:   {ID: mine, UserID: requester, Status: "active", AllowTrade: true},
		theirs: {ID: theirs, UserID: receiver, Status: "active", AllowTrade: true},
	}}}
	e := New(store.NewMemoryStore(), policy, nil, Options{})

	_, err := e.CreateSession(ctx, requester, CreateSessionRequest{
		ItemID:         wanted,
		Participants:   models.Participants{requester, receiver},
		OfferedItemIDs: []uuid.UUID{theirs},
	})
	assert.ErrorIs(t, err, ErrValidation)

	s, err := e.CreateSession(ctx, requester, CreateSessionRequest{
		ItemID:         wanted,
		Participants:   models.Participants{requester, receiver},
		OfferedItemIDs: []uuid.UUID{mine},
	})
	require.NoError(t, err)

	_, _, err = e.EditItems(ctx, requester, s.ID, models.ListOffered, []uuid.UUID{mine, theirs})
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = e.EditItems(ctx, receiver, s.ID, models.ListRequested, []uuid.UUID{wanted, theirs})
	assert.NoError(t, err)
}

// flakyStore возвращает заданные ошибки на первых вызовах UpdateSession
type flakyStore struct {
	store.Store
	failures []error
	calls    atomic.Int32
}

func (s *flakyStore) UpdateSession(ctx context.Context, id uuid.UUID, fn store.UpdateFunc) (*models.TradeSession, []models.Message, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.failures) {
		return nil, nil, s.failures[n]
	}
	return s.Store.UpdateSession(ctx, id, fn)
}

func TestRetryOnTransientStoreErrors(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem, failures: []error{store.ErrTransient, store.ErrTransient}}
	e := New(flaky, nil, nil, Options{Retries: 3, RetryBackoff: time.Millisecond})

	requester, receiver := uuid.New(), uuid.New()
	s, err := e.CreateSession(ctx, requester, CreateSessionRequest{
		ItemID:         uuid.New(),
		Participants:   models.Participants{requester, receiver},
		OfferedItemIDs: []uuid.UUID{uuid.New()},
	})
	require.NoError(t, err)

	msg, err := e.PostMessage(ctx, requester, s.ID, PostMessageRequest{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestRetryGivesUp(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem, failures: []error{
		store.ErrTransient, store.ErrTransient, store.ErrTransient,
	}}
	e := New(flaky, nil, nil, Options{Retries: 1, RetryBackoff: time.Millisecond})

	requester, receiver := uuid.New(), uuid.New()
	s, err := e.CreateSession(ctx, requester, CreateSessionRequest{
		ItemID:         uuid.New(),
		Participants:   models.Participants{requester, receiver},
		OfferedItemIDs: []uuid.UUID{uuid.New()},
	})
	require.NoError(t, err)

	_, err = e.PostMessage(ctx, requester, s.ID, PostMessageRequest{Content: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.True(t, err.(*Error).Retryable())
	assert.Equal(t, int32(2), flaky.calls.Load())
}

func TestTimeoutIsNotRetried(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem, failures: []error{fmt.Errorf("%w: slow", store.ErrTimeout)}}
	e := New(flaky, nil, nil, Options{Retries: 3, RetryBackoff: time.Millisecond})

	requester, receiver := uuid.New(), uuid.New()
	s, err := e.CreateSession(ctx, requester, CreateSessionRequest{
		ItemID:         uuid.New(),
		Participants:   models.Participants{requester, receiver},
		OfferedItemIDs: []uuid.UUID{uuid.New()},
	})
	require.NoError(t, err)

	_, err = e.Approve(ctx, requester, s.ID)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(1), flaky.calls.Load())
}

func TestUnexpectedStoreErrorIsInternal(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem, failures: []error{errors.New("disk on fire")}}
	e := New(flaky, nil, nil, Options{})

	requester, receiver := uuid.New(), uuid.New()
	s, err := e.CreateSession(ctx, requester, CreateSessionRequest{
		ItemID:         uuid.New(),
		Participants:   models.Participants{requester, receiver},
		OfferedItemIDs: []uuid.UUID{uuid.New()},
	})
	require.NoError(t, err)

	_, err = e.PostMessage(ctx, requester, s.ID, PostMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrInternal)
}

func TestCanceledContextIsTransient(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t)

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := f.engine.PostMessage(cctx, f.requester, s.ID, PostMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrTransient)
}

func TestSessionLocksAreReleased(t *testing.T) {
	l := newSessionLocks()
	id := uuid.New()

	unlock := l.lock(id)
	assert.Equal(t, 1, l.size())

	acquired := make(chan struct{})
	go func() {
		u := l.lock(id)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return l.size() == 0 }, time.Second, time.Millisecond)
}

func TestDiffItems(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	added, removed := diffItems([]uuid.UUID{a, b, c}, []uuid.UUID{d, b})
	assert.Equal(t, []uuid.UUID{d}, added)
	assert.Equal(t, []uuid.UUID{a, c}, removed)

	added, removed = diffItems(nil, nil)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}
