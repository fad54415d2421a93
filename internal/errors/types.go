package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeIO             ErrorType = "io"
	ErrorTypeMalformedMatch ErrorType = "malformed_match"
	ErrorTypePersistence    ErrorType = "persistence"
	ErrorTypeConfig         ErrorType = "config"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeInternal       ErrorType = "internal"
)

// Common error codes.
const (
	ErrCodeRootMissing     = "ERR_ROOT_MISSING"
	ErrCodeRootNotDir      = "ERR_ROOT_NOT_DIR"
	ErrCodeReadFailed      = "ERR_READ_FAILED"
	ErrCodeDecodeFailed    = "ERR_DECODE_FAILED"
	ErrCodeWalkFailed      = "ERR_WALK_FAILED"
	ErrCodeOutsideRoot     = "ERR_OUTSIDE_ROOT"
	ErrCodeWrongArity      = "ERR_WRONG_ARITY"
	ErrCodeEmptyField      = "ERR_EMPTY_FIELD"
	ErrCodeSchemaFailed    = "ERR_SCHEMA_FAILED"
	ErrCodeInsertFailed    = "ERR_INSERT_FAILED"
	ErrCodeQueryFailed     = "ERR_QUERY_FAILED"
	ErrCodeConnectFailed   = "ERR_CONNECT_FAILED"
	ErrCodeConfigInvalid   = "ERR_CONFIG_INVALID"
	ErrCodeFetchFailed     = "ERR_FETCH_FAILED"
	ErrCodeUploadFailed    = "ERR_UPLOAD_FAILED"
	ErrCodeInternalError   = "ERR_INTERNAL"
	ErrCodeValidationFail = "ERR_VALIDATION_FAILED"
)

// Error is a structured error carrying the category, a stable code, and
// the file or raw match it concerns.
type Error struct {
	Type     ErrorType
	Code     string
	Message  string
	Cause    error
	FilePath string
	// Raw is the captured tuple for malformed matches
	Raw     []string
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.FilePath != "" {
		parts = append(parts, e.FilePath)
	}
	parts = append(parts, e.Message)
	if len(e.Raw) > 0 {
		parts = append(parts, fmt.Sprintf("(raw %q)", e.Raw))
	}

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same type and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithFile records the file the error concerns.
func (e *Error) WithFile(path string) *Error {
	e.FilePath = path

	return e
}

// NewIOError creates an I/O error for a path.
func NewIOError(code, path, message string, cause error) *Error {
	return &Error{
		Type:     ErrorTypeIO,
		Code:     code,
		Message:  message,
		Cause:    cause,
		FilePath: path,
	}
}

// NewMalformedMatchError creates an error for a match whose captured groups
// cannot form a record.
func NewMalformedMatchError(code, path string, raw []string, message string) *Error {
	var copied []string
	if raw != nil {
		copied = append([]string(nil), raw...)
	}

	return &Error{
		Type:     ErrorTypeMalformedMatch,
		Code:     code,
		Message:  message,
		FilePath: path,
		Raw:      copied,
	}
}

// NewPersistenceError creates an error for a failed storage operation.
func NewPersistenceError(code, message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypePersistence,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(message string) *Error {
	return &Error{
		Type:    ErrorTypeConfig,
		Code:    ErrCodeConfigInvalid,
		Message: message,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func isType(err error, typ ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == typ
	}

	return false
}

// IsIOError checks if an error is an I/O error.
func IsIOError(err error) bool { return isType(err, ErrorTypeIO) }

// IsMalformedMatch checks if an error is a malformed-match error.
func IsMalformedMatch(err error) bool { return isType(err, ErrorTypeMalformedMatch) }

// IsPersistenceError checks if an error came from the history store.
func IsPersistenceError(err error) bool { return isType(err, ErrorTypePersistence) }

// IsConfigError checks if an error is a configuration error.
func IsConfigError(err error) bool { return isType(err, ErrorTypeConfig) }

// ErrorHandler logs errors according to their category.
type ErrorHandler struct {
	logger Logger
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs an error at a level matching its category. Malformed matches
// and unreadable files are warnings; everything else is an error.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil || h.logger == nil {
		return
	}

	var e *Error
	if !errors.As(err, &e) {
		h.logger.Error(ctx, err, "Unhandled error occurred")

		return
	}

	switch e.Type {
	case ErrorTypeMalformedMatch:
		h.logger.Warn(ctx, err, "Malformed match",
			"code", e.Code,
			"file", e.FilePath,
			"raw", e.Raw)
	case ErrorTypeIO:
		h.logger.Warn(ctx, err, "I/O error",
			"code", e.Code,
			"file", e.FilePath)
	default:
		h.logger.Error(ctx, err, "Error occurred",
			"type", e.Type,
			"code", e.Code)
	}
}
