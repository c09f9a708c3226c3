package voip

import (
	"errors"
	"fmt"
)

// ErrorCode типизированный код ошибки движка.
// Позволяет классифицировать ошибки коллабораторов и решать, что из них
// отражается в булевом результате публичного API.
type ErrorCode int

const (
	ErrorCodeNotFound ErrorCode = iota + 2000
	ErrorCodeDeviceInitFailure
	ErrorCodeInvalidState
	ErrorCodeQueueFull
	ErrorCodeInvalidArgument
	ErrorCodeCodecUnsupported
	ErrorCodeClosed
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeNotFound:
		return "NotFound"
	case ErrorCodeDeviceInitFailure:
		return "DeviceInitFailure"
	case ErrorCodeInvalidState:
		return "InvalidState"
	case ErrorCodeQueueFull:
		return "QueueFull"
	case ErrorCodeInvalidArgument:
		return "InvalidArgument"
	case ErrorCodeCodecUnsupported:
		return "CodecUnsupported"
	case ErrorCodeClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error ошибка движка с кодом, контекстом канала и обернутой причиной
type Error struct {
	Code      ErrorCode
	Message   string
	ChannelID ChannelID
	HasID     bool
	Wrapped   error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.HasID {
		msg = fmt.Sprintf("[voip:%s] канал %d: %s", e.Code, e.ChannelID, msg)
	} else {
		msg = fmt.Sprintf("[voip:%s] %s", e.Code, msg)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap поддерживает errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Базовые ошибки для сравнения через errors.Is
var (
	ErrNotFound         = &Error{Code: ErrorCodeNotFound, Message: "канал не найден"}
	ErrDeviceInit       = &Error{Code: ErrorCodeDeviceInitFailure, Message: "аудио устройство не инициализировано"}
	ErrInvalidState     = &Error{Code: ErrorCodeInvalidState, Message: "недопустимое состояние"}
	ErrQueueFull        = &Error{Code: ErrorCodeQueueFull, Message: "очередь заполнена"}
	ErrInvalidArgument  = &Error{Code: ErrorCodeInvalidArgument, Message: "недопустимый аргумент"}
	ErrCodecUnsupported = &Error{Code: ErrorCodeCodecUnsupported, Message: "кодек не поддерживается"}
	ErrClosed           = &Error{Code: ErrorCodeClosed, Message: "канал закрыт"}
)

// NewError создает ошибку для конкретного канала
func NewError(code ErrorCode, id ChannelID, message string) *Error {
	return &Error{Code: code, ChannelID: id, HasID: true, Message: message}
}

// WrapError оборачивает причину в ошибку движка
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Wrapped: err}
}

// CodeOf извлекает код ошибки, 0 если ошибка не является *Error
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
