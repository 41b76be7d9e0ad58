package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-trade/internal/models"
)

var bgCtx = context.Background()

func newTestSession(requester, receiver uuid.UUID) *models.TradeSession {
	now := time.Now().UTC().Truncate(time.Microsecond)
	item := uuid.New()
	return &models.TradeSession{
		ID:               uuid.New(),
		ItemID:           item,
		Participants:     models.Participants{requester, receiver},
		OfferedItemIDs:   []uuid.UUID{uuid.New()},
		RequestedItemIDs: []uuid.UUID{item},
		Status:           models.StatusPending,
		IsChatActive:     true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func chat(sender uuid.UUID, content string) models.Message {
	return models.Message{
		ID:        uuid.New(),
		SenderID:  sender,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func appendMessages(t *testing.T, s Store, sessionID uuid.UUID, msgs ...models.Message) []models.Message {
	t.Helper()
	_, stored, err := s.UpdateSession(bgCtx, sessionID, func(*models.TradeSession) ([]models.Message, error) {
		return msgs, nil
	})
	require.NoError(t, err)
	return stored
}

// runStoreSuite проверяет общий контракт Store для любой реализации
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		sess := newTestSession(uuid.New(), uuid.New())
		require.NoError(t, s.CreateSession(bgCtx, sess))

		got, err := s.GetSession(bgCtx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.Equal(t, sess.Participants, got.Participants)
		assert.Equal(t, sess.OfferedItemIDs, got.OfferedItemIDs)
		assert.Equal(t, sess.RequestedItemIDs, got.RequestedItemIDs)
		assert.Equal(t, models.StatusPending, got.Status)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetSession(bgCtx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateAppliesMutationAndMessages", func(t *testing.T) {
		s := newStore(t)
		requester, receiver := uuid.New(), uuid.New()
		sess := newTestSession(requester, receiver)
		require.NoError(t, s.CreateSession(bgCtx, sess))

		updated, stored, err := s.UpdateSession(bgCtx, sess.ID, func(ts *models.TradeSession) ([]models.Message, error) {
			ts.Status = models.StatusActive
			ts.Approvals[models.SlotReceiver] = true
			return []models.Message{chat(receiver, "hello"), chat(requester, "hi")}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, updated.Status)
		require.Len(t, stored, 2)
		assert.Less(t, stored[0].Seq, stored[1].Seq)
		assert.Equal(t, sess.ID, stored[0].SessionID)

		got, err := s.GetSession(bgCtx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Equal(t, models.Approvals{false, true}, got.Approvals)

		msgs, err := s.ListMessages(bgCtx, sess.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "hello", msgs[0].Content)
		assert.Equal(t, "hi", msgs[1].Content)
	})

	t.Run("UpdateErrorRollsBack", func(t *testing.T) {
		s := newStore(t)
		sess := newTestSession(uuid.New(), uuid.New())
		require.NoError(t, s.CreateSession(bgCtx, sess))

		boom := errors.New("boom")
		_, _, err := s.UpdateSession(bgCtx, sess.ID, func(ts *models.TradeSession) ([]models.Message, error) {
			ts.Status = models.StatusCompleted
			return []models.Message{chat(ts.RequesterID(), "lost")}, boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetSession(bgCtx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)

		msgs, err := s.ListMessages(bgCtx, sess.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.UpdateSession(bgCtx, uuid.New(), func(*models.TradeSession) ([]models.Message, error) {
			return nil, nil
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentUpdatesAreSerialized", func(t *testing.T) {
		s := newStore(t)
		sess := newTestSession(uuid.New(), uuid.New())
		require.NoError(t, s.CreateSession(bgCtx, sess))

		const writers = 20
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := s.UpdateSession(bgCtx, sess.ID, func(ts *models.TradeSession) ([]models.Message, error) {
					ts.OfferedItemIDs = append(ts.OfferedItemIDs, uuid.New())
					return nil, nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.GetSession(bgCtx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, got.OfferedItemIDs, writers+1)
	})

	t.Run("ClientMessageIDIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		requester := uuid.New()
		sess := newTestSession(requester, uuid.New())
		require.NoError(t, s.CreateSession(bgCtx, sess))

		first := chat(requester, "once")
		first.ClientMessageID = "c-1"
		stored := appendMessages(t, s, sess.ID, first)
		require.Len(t, stored, 1)
		assert.False(t, stored[0].Duplicate)

		retry := chat(requester, "once")
		retry.ClientMessageID = "c-1"
		again := appendMessages(t, s, sess.ID, retry)
		require.Len(t, again, 1)
		assert.True(t, again[0].Duplicate)
		assert.Equal(t, stored[0].ID, again[0].ID)

		msgs, err := s.ListMessages(bgCtx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("DuplicateMessageKeepsSession", func(t *testing.T) {
		s := newStore(t)
		requester := uuid.New()
		sess := newTestSession(requester, uuid.New())
		require.NoError(t, s.CreateSession(bgCtx, sess))

		post := func(content, clientID string) *models.TradeSession {
			msg := chat(requester, content)
			msg.ClientMessageID = clientID
			got, _, err := s.UpdateSession(bgCtx, sess.ID, func(ts *models.TradeSession) ([]models.Message, error) {
				now := time.Now().UTC()
				ts.LastMessageText = content
				ts.LastMessageTime = &now
				ts.UpdatedAt = now
				return []models.Message{msg}, nil
			})
			require.NoError(t, err)
			return got
		}

		post("first", "c-1")
		post("second", "c-2")
		before, err := s.GetSession(bgCtx, sess.ID)
		require.NoError(t, err)

		retried := post("first", "c-1")
		assert.Equal(t, "second", retried.LastMessageText)

		got, err := s.GetSession(bgCtx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "second", got.LastMessageText)
		assert.True(t, before.UpdatedAt.Equal(got.UpdatedAt))
	})

	t.Run("DeleteCascadesMessages", func(t *testing.T) {
		s := newStore(t)
		requester := uuid.New()
		sess := newTestSession(requester, uuid.New())
		require.NoError(t, s.CreateSession(bgCtx, sess))
		appendMessages(t, s, sess.ID, chat(requester, "a"), chat(requester, "b"), chat(requester, "c"))

		require.NoError(t, s.DeleteSession(bgCtx, sess.ID))

		msgs, err := s.ListMessages(bgCtx, sess.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		_, err = s.GetSession(bgCtx, sess.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteSession(bgCtx, sess.ID), ErrNotFound)
	})

	t.Run("UnreadAndMarkRead", func(t *testing.T) {
		s := newStore(t)
		requester, receiver := uuid.New(), uuid.New()
		sess := newTestSession(requester, receiver)
		require.NoError(t, s.CreateSession(bgCtx, sess))
		appendMessages(t, s, sess.ID, chat(requester, "1"), chat(requester, "2"), chat(receiver, "3"))

		n, err := s.UnreadCount(bgCtx, sess.ID, receiver)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		counts, err := s.UnreadCounts(bgCtx, requester)
		require.NoError(t, err)
		assert.Equal(t, map[uuid.UUID]int{sess.ID: 1}, counts)

		updated, err := s.MarkRead(bgCtx, sess.ID, receiver)
		require.NoError(t, err)
		assert.Equal(t, 2, updated)

		n, err = s.UnreadCount(bgCtx, sess.ID, receiver)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.UnreadCount(bgCtx, sess.ID, requester)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("ListSessionsFilters", func(t *testing.T) {
		s := newStore(t)
		me, other := uuid.New(), uuid.New()

		outgoing := newTestSession(me, other)
		incoming := newTestSession(other, me)
		incoming.Status = models.StatusActive
		incoming.UpdatedAt = outgoing.UpdatedAt.Add(time.Second)
		foreign := newTestSession(other, uuid.New())
		for _, sess := range []*models.TradeSession{outgoing, incoming, foreign} {
			require.NoError(t, s.CreateSession(bgCtx, sess))
		}

		all, err := s.ListSessions(bgCtx, me, models.SessionFilter{Role: "all"})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, incoming.ID, all[0].ID)

		in, err := s.ListSessions(bgCtx, me, models.SessionFilter{Role: "incoming"})
		require.NoError(t, err)
		require.Len(t, in, 1)
		assert.Equal(t, incoming.ID, in[0].ID)

		out, err := s.ListSessions(bgCtx, me, models.SessionFilter{Role: "outgoing"})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, outgoing.ID, out[0].ID)

		active, err := s.ListSessions(bgCtx, me, models.SessionFilter{Status: models.StatusActive})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, incoming.ID, active[0].ID)
	})
}
