package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/devrev/cqrsengine/internal/errors"
	"github.com/devrev/cqrsengine/internal/middleware"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string         `json:"status"`
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ErrorHandler renders engine errors as JSON responses.
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError writes err with the HTTP status derived from its engine code.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	var engineErr *apperrors.EngineError
	if !errors.As(err, &engineErr) {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			engineErr = apperrors.Timeout("request deadline exceeded", err)
		case errors.Is(err, context.Canceled):
			engineErr = apperrors.Unavailable("request cancelled", err)
		default:
			engineErr = apperrors.InternalError("unexpected error", err)
		}
	}

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: engineErr.Code.String(),
		Message:   engineErr.Error(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	}
	if len(engineErr.Details) > 0 {
		resp.Details = engineErr.Details
	}
	h.WriteErrorResponse(w, HTTPStatus(engineErr), resp)
}

// WriteValidationError writes a 400 for malformed requests.
func (h *ErrorHandler) WriteValidationError(w http.ResponseWriter, r *http.Request, message string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrorResponse{
		Status:    "error",
		ErrorCode: apperrors.ErrCodeValidation.String(),
		Message:   message,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

// WriteErrorResponse writes a formatted error response to the HTTP response writer.
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", resp.ErrorCode),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// HTTPStatus maps an engine error to an HTTP status through its gRPC code.
func HTTPStatus(err *apperrors.EngineError) int {
	switch err.Code {
	case apperrors.ErrCodePipelineFailed, apperrors.ErrCodeHandlerFailure:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeVersionConflict, apperrors.ErrCodeAlreadyFinished:
		return http.StatusConflict
	}

	switch err.ToGRPCStatus().Code() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
