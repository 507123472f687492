package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for command engine operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeValidation      ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeVersionConflict ErrorCode = 1002
	ErrCodeAlreadyFinished ErrorCode = 1003

	// Pipeline errors
	ErrCodePredecessorTimeout ErrorCode = 1500
	ErrCodeHandlerFailure     ErrorCode = 1501
	ErrCodePipelineFailed     ErrorCode = 1502

	// Server errors (5xx equivalent)
	ErrCodeInternal    ErrorCode = 2000
	ErrCodeUnavailable ErrorCode = 2001
	ErrCodeTimeout     ErrorCode = 2002
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                 "OK",
	ErrCodeValidation:         "ValidationError",
	ErrCodeNotFound:           "NotFound",
	ErrCodeVersionConflict:    "VersionConflict",
	ErrCodeAlreadyFinished:    "AlreadyFinished",
	ErrCodePredecessorTimeout: "PredecessorTimeout",
	ErrCodeHandlerFailure:     "HandlerFailure",
	ErrCodePipelineFailed:     "PipelineFailed",
	ErrCodeInternal:           "Internal",
	ErrCodeUnavailable:        "Unavailable",
	ErrCodeTimeout:            "Timeout",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// EngineError represents a structured error with code and context
type EngineError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts EngineError to gRPC status
func (e *EngineError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *EngineError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeValidation:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeVersionConflict:
		return codes.Aborted
	case ErrCodeAlreadyFinished:
		return codes.FailedPrecondition
	case ErrCodePredecessorTimeout, ErrCodeTimeout:
		return codes.DeadlineExceeded
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewEngineError creates a new EngineError
func NewEngineError(code ErrorCode, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	e.Details[key] = value
	return e
}

func Validation(message string) *EngineError {
	return NewEngineError(ErrCodeValidation, message, nil)
}

func InvalidField(field, reason string) *EngineError {
	return NewEngineError(ErrCodeValidation, fmt.Sprintf("invalid %s: %s", field, reason), nil).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func NotFound(pk, sk string) *EngineError {
	return NewEngineError(ErrCodeNotFound, fmt.Sprintf("item not found: %s|%s", pk, sk), nil).
		WithDetail("pk", pk).
		WithDetail("sk", sk)
}

func VersionConflict(pk, sk string, expected int64) *EngineError {
	return NewEngineError(ErrCodeVersionConflict, fmt.Sprintf("version %d is not the latest for %s|%s", expected, pk, sk), nil).
		WithDetail("pk", pk).
		WithDetail("sk", sk).
		WithDetail("expected_version", expected)
}

func AlreadyFinished(key string, status string) *EngineError {
	return NewEngineError(ErrCodeAlreadyFinished, fmt.Sprintf("command %s already finished with status %s", key, status), nil).
		WithDetail("key", key).
		WithDetail("status", status)
}

func PredecessorTimeout(key string) *EngineError {
	return NewEngineError(ErrCodePredecessorTimeout, fmt.Sprintf("timed out waiting for predecessor of %s", key), nil).
		WithDetail("key", key)
}

func HandlerFailure(handler string, cause error) *EngineError {
	return NewEngineError(ErrCodeHandlerFailure, fmt.Sprintf("sync handler %s failed", handler), cause).
		WithDetail("handler", handler)
}

func PipelineFailed(key, reason string) *EngineError {
	return NewEngineError(ErrCodePipelineFailed, fmt.Sprintf("command %s failed: %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func Timeout(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeTimeout, message, cause)
}

func InternalError(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeUnavailable, message, cause)
}

// IsEngineError checks if an error is, or wraps, an EngineError
func IsEngineError(err error) bool {
	var ee *EngineError
	return stderrors.As(err, &ee)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	var ee *EngineError
	return stderrors.As(err, &ee) && ee.Code == code
}
