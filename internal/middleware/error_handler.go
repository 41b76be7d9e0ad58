package middleware

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/flippy-trade/internal/engine"
)

// StatusFor возвращает HTTP-статус для класса ошибки движка
func StatusFor(kind engine.Kind) int {
	switch kind {
	case engine.KindAuthentication:
		return fiber.StatusUnauthorized
	case engine.KindAuthorization:
		return fiber.StatusForbidden
	case engine.KindNotFound:
		return fiber.StatusNotFound
	case engine.KindInvalidState:
		return fiber.StatusConflict
	case engine.KindValidation:
		return fiber.StatusBadRequest
	case engine.KindTransient:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// ErrorHandler отдаёт ошибки в JSON вида {"error": ..., "code": ...}
func ErrorHandler(c fiber.Ctx, err error) error {
	var engineErr *engine.Error
	if errors.As(err, &engineErr) {
		status := StatusFor(engineErr.Kind)
		if status == fiber.StatusServiceUnavailable {
			c.Set(fiber.HeaderRetryAfter, "1")
		}
		return c.Status(status).JSON(fiber.Map{
			"error": engineErr.Message,
			"code":  engineErr.Kind,
		})
	}

	// Проверяем, является ли ошибка из Fiber
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiberErr.Message,
			"code":  codeForStatus(fiberErr.Code),
		})
	}

	log.Printf("Необработанная ошибка %s %s: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Внутренняя ошибка сервера",
		"code":  engine.KindInternal,
	})
}

func codeForStatus(status int) engine.Kind {
	switch status {
	case fiber.StatusUnauthorized:
		return engine.KindAuthentication
	case fiber.StatusForbidden:
		return engine.KindAuthorization
	case fiber.StatusNotFound:
		return engine.KindNotFound
	case fiber.StatusConflict:
		return engine.KindInvalidState
	case fiber.StatusServiceUnavailable:
		return engine.KindTransient
	}
	if status >= 400 && status < 500 {
		return engine.KindValidation
	}
	return engine.KindInternal
}
