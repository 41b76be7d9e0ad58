package engine

import (
	"errors"
	"fmt"
)

// Kind классифицирует ошибки движка переговоров
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindInvalidState   Kind = "invalid_state"
	KindValidation     Kind = "validation"
	KindTransient      Kind = "transient"
	KindInternal       Kind = "internal"
)

// Error - ошибка движка с классом и сообщением для клиента
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is позволяет сравнивать ошибку с сентинелами вида ErrValidation
func (e *Error) Is(target error) bool {
	return target == sentinels[e.Kind]
}

// Retryable сообщает, что операцию можно повторить без риска
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

var (
	ErrAuthentication = &Error{Kind: KindAuthentication, Message: "authentication required"}
	ErrAuthorization  = &Error{Kind: KindAuthorization, Message: "forbidden"}
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidState   = &Error{Kind: KindInvalidState, Message: "invalid state"}
	ErrValidation     = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrTransient      = &Error{Kind: KindTransient, Message: "temporarily unavailable"}
	ErrInternal       = &Error{Kind: KindInternal, Message: "internal error"}
)

var sentinels = map[Kind]error{
	KindAuthentication: ErrAuthentication,
	KindAuthorization:  ErrAuthorization,
	KindNotFound:       ErrNotFound,
	KindInvalidState:   ErrInvalidState,
	KindValidation:     ErrValidation,
	KindTransient:      ErrTransient,
	KindInternal:       ErrInternal,
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf возвращает класс ошибки; для посторонних ошибок - KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func errNotParticipant() *Error {
	return newError(KindAuthorization, "Вы не являетесь участником этого обмена")
}

func errSessionNotFound() *Error {
	return newError(KindNotFound, "Сессия обмена не найдена")
}
