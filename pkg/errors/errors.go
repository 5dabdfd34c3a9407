package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	CodeNetwork            = "NETWORK_ERROR"
	CodeConversationClosed = "CONVERSATION_CLOSED"
	CodeNotFound           = "NOT_FOUND"
	CodeConflictingCreate  = "CONFLICTING_CREATE"
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeInternal           = "INTERNAL_ERROR"
)

type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code string, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
		Err:     err,
	}
}

func BadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     err,
	}
}

func Unauthorized(message string, err error) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     err,
	}
}

func Forbidden(message string, err error) *AppError {
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
		Status:  http.StatusForbidden,
		Err:     err,
	}
}

func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func TooManyRequests(message string, err error) *AppError {
	return &AppError{
		Code:    CodeTooManyRequests,
		Message: message,
		Status:  http.StatusTooManyRequests,
		Err:     err,
	}
}

// NetworkError reports a failed or timed out round-trip to the remote store.
func NetworkError(message string, err error) *AppError {
	return &AppError{
		Code:    CodeNetwork,
		Message: message,
		Status:  http.StatusServiceUnavailable,
		Err:     err,
	}
}

// ConversationClosed is returned for sends, typing and status changes on a
// blocked or deleted conversation.
func ConversationClosed(conversationID string) *AppError {
	return &AppError{
		Code:    CodeConversationClosed,
		Message: fmt.Sprintf("Conversation %s is closed", conversationID),
		Status:  http.StatusConflict,
	}
}

func ConflictingCreate(message string) *AppError {
	return &AppError{
		Code:    CodeConflictingCreate,
		Message: message,
		Status:  http.StatusConflict,
	}
}

func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Translate maps any error coming back from the store into the sync taxonomy.
// Errors already in the taxonomy pass through; everything else becomes a
// NETWORK_ERROR.
func Translate(err error) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Code == CodeInternal {
			return NetworkError("Remote store request failed", appErr)
		}
		return appErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkError("Remote store request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NetworkError("Remote store request canceled", err)
	}

	switch status.Code(err) {
	case codes.NotFound:
		return NotFound("Document", err)
	case codes.DeadlineExceeded:
		return NetworkError("Remote store request timed out", err)
	}

	return NetworkError("Remote store request failed", err)
}
