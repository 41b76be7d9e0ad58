package engine

import (
	"github.com/rajivgeraev/flippy-trade/internal/models"
)

// actorRule определяет, кто из участников может выполнить переход
type actorRule int

const (
	anyParticipant actorRule = iota
	requesterOnly
	receiverOnly
)

func (r actorRule) allows(slot models.Slot) bool {
	switch r {
	case requesterOnly:
		return slot == models.SlotRequester
	case receiverOnly:
		return slot == models.SlotReceiver
	}
	return true
}

// transitions - граф статусов, доступных через UpdateStatus.
// В completed сессия попадает только через подтверждение обоих участников.
var transitions = map[models.TradeStatus]map[models.TradeStatus]actorRule{
	models.StatusPending: {
		models.StatusActive:    receiverOnly,
		models.StatusDenied:    receiverOnly,
		models.StatusCancelled: requesterOnly,
	},
	models.StatusActive: {
		models.StatusReadyToTrade: anyParticipant,
	},
}

// checkTransition проверяет переход from -> to для участника в позиции slot
func checkTransition(from, to models.TradeStatus, slot models.Slot) error {
	if to == models.StatusCompleted {
		return newError(KindInvalidState, "Обмен завершается только после подтверждения обоими участниками")
	}

	if from.IsTerminal() {
		return newError(KindInvalidState, "Сессия в статусе %s уже закрыта", from)
	}

	rule, ok := transitions[from][to]
	if !ok {
		return newError(KindInvalidState, "Недопустимый переход статуса: %s -> %s", from, to)
	}

	if !rule.allows(slot) {
		switch rule {
		case receiverOnly:
			return newError(KindAuthorization, "Только получатель предложения может перевести его в статус %s", to)
		default:
			return newError(KindAuthorization, "Только отправитель предложения может перевести его в статус %s", to)
		}
	}
	return nil
}

// canApprove сообщает, принимает ли статус подтверждения участников
func canApprove(status models.TradeStatus) bool {
	return status == models.StatusActive || status == models.StatusReadyToTrade
}

// canEditItems проверяет, можно ли менять списки предметов в данном статусе
func canEditItems(status models.TradeStatus, allowAfterCompletion bool) error {
	switch status {
	case models.StatusDenied, models.StatusCancelled:
		return newError(KindInvalidState, "Нельзя изменить предметы в обмене со статусом %s", status)
	case models.StatusCompleted:
		if !allowAfterCompletion {
			return newError(KindInvalidState, "Нельзя изменить предметы в завершённом обмене")
		}
	}
	return nil
}
