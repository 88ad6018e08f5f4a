package services

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidToken = errors.New("invalid guest token")
)

// ValidationError - некорректный запрос на создание сообщения, повторять бессмысленно
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientIOError - хранилище недоступно; клиент повторит запрос на следующем тике
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("message store %s failed: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientIOError
	if errors.As(err, &te) {
		return err
	}
	return &TransientIOError{Op: op, Err: err}
}
