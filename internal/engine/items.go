package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-trade/internal/models"
)

// normalizeItems убирает повторы, сохраняя порядок первого вхождения
func normalizeItems(ids []uuid.UUID) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			return nil, newError(KindValidation, "Пустой ID предмета")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// diffItems возвращает добавленные (в порядке next) и удалённые (в порядке prev) ID
func diffItems(prev, next []uuid.UUID) (added, removed []uuid.UUID) {
	inPrev := make(map[uuid.UUID]struct{}, len(prev))
	for _, id := range prev {
		inPrev[id] = struct{}{}
	}
	inNext := make(map[uuid.UUID]struct{}, len(next))
	for _, id := range next {
		inNext[id] = struct{}{}
		if _, ok := inPrev[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range prev {
		if _, ok := inNext[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}

// itemChangeMessages строит системные сообщения аудита: сначала Added, затем Removed
func itemChangeMessages(senderID uuid.UUID, added, removed []uuid.UUID, now time.Time) []models.Message {
	msgs := make([]models.Message, 0, len(added)+len(removed))
	systemMessage := func(content string) models.Message {
		return models.Message{
			ID:              uuid.New(),
			SenderID:        senderID,
			Content:         content,
			IsSystemMessage: true,
			CreatedAt:       now,
		}
	}
	for _, id := range added {
		msgs = append(msgs, systemMessage(fmt.Sprintf("Added %s", id)))
	}
	for _, id := range removed {
		msgs = append(msgs, systemMessage(fmt.Sprintf("Removed %s", id)))
	}
	return msgs
}
