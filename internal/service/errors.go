package service

import (
	"errors"

	"github.com/vedran77/chatrelay/pkg/validator"
)

var (
	ErrUnauthenticated  = errors.New("authentication required")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrNotChannelMember = errors.New("you are not part of this channel")
	ErrUserNotFound     = errors.New("user not found")
	ErrCannotChatSelf   = errors.New("cannot start a chat with yourself")
)

const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeBadRequest      = "BAD_REQUEST"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeInternal        = "INTERNAL"
)

// ValidationError carries one message per rejected request field.
type ValidationError struct {
	Fields validator.ValidationErrors
}

func (e *ValidationError) Error() string {
	return "validation failed"
}

// Describe maps err to the code and message shown to the caller. Fields is
// set for validation failures only.
func Describe(err error) (code, message string, fields map[string]string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return CodeValidation, "Validation failed", verr.Fields
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated, "Authentication required", nil
	case errors.Is(err, ErrNotChannelMember):
		return CodeForbidden, "You are not part of this channel", nil
	case errors.Is(err, ErrChannelNotFound):
		return CodeNotFound, "Channel not found", nil
	case errors.Is(err, ErrUserNotFound):
		return CodeNotFound, "User not found", nil
	case errors.Is(err, ErrCannotChatSelf):
		return CodeBadRequest, "Cannot start a chat with yourself", nil
	default:
		return CodeInternal, "Something went wrong", nil
	}
}

// IsInternal reports whether err is outside the caller-facing taxonomy.
func IsInternal(err error) bool {
	code, _, _ := Describe(err)
	return code == CodeInternal
}
