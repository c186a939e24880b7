package chat

import (
	"errors"
	"fmt"
)

// Error is a client-facing failure with a stable numeric code.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrInvalidChatMembers      = &Error{Code: 1000, Message: "invalid chat members"}
	ErrValidationFailed        = &Error{Code: 2000, Message: "validation failed"}
	ErrInternalProcessingError = &Error{Code: 2001, Message: "internal processing error"}
	ErrMissingParameters       = &Error{Code: 3000, Message: "missing parameters"}
	ErrChatBlocked             = &Error{Code: 4003, Message: "chat is blocked"}
	ErrChatNotFound            = &Error{Code: 4004, Message: "chat not found"}
	ErrMessageNotFound         = &Error{Code: 4005, Message: "message not found"}
	ErrForbidden               = &Error{Code: 4006, Message: "forbidden"}
	ErrInvalidOperation        = &Error{Code: 4007, Message: "invalid operation"}
)

// ErrNotMember is returned by repositories when a membership row is absent.
var ErrNotMember = errors.New("membership not found")

// Errorf wraps a sentinel with detail while keeping errors.Is working.
func Errorf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// AsError maps any error onto the client-facing table. Errors that carry
// no code become ErrInternalProcessingError.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return &Error{Code: ce.Code, Message: err.Error()}
	}
	return ErrInternalProcessingError
}
