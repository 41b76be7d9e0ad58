package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/rajivgeraev/flippy-trade/internal/store"
)

// do выполняет обращение к хранилищу с таймаутом STORE_TIMEOUT.
// Сбои соединения, которые безопасно повторить, повторяются с
// экспоненциальной задержкой не более opts.Retries раз.
func (e *Engine) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
		err = fn(callCtx)
		cancel()

		if err == nil || !errors.Is(err, store.ErrTransient) || attempt >= e.opts.Retries {
			break
		}

		delay := e.opts.RetryBackoff << attempt
		log.Printf("Повтор операции %s через %v (попытка %d): %v", op, delay, attempt+1, err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return translate(op, ctx.Err())
		}
	}
	return translate(op, err)
}

// translate переводит ошибки хранилища и контекста в ошибки движка
func translate(op string, err error) error {
	if err == nil {
		return nil
	}

	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return errSessionNotFound()
	case errors.Is(err, store.ErrTransient), errors.Is(err, store.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: KindTransient, Message: "Хранилище временно недоступно, повторите запрос", Err: err}
	}

	log.Printf("Ошибка операции %s: %v", op, err)
	return &Error{Kind: KindInternal, Message: "Внутренняя ошибка сервера", Err: err}
}
