// Package httputil provides HTTP utility functions for request and response handling.
package httputil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/allisson/payauth-gateway/internal/errors"
)

// MakeJSONResponse writes a JSON response with the given status code and data
func MakeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// statusAndBody maps a domain error to its HTTP status code and response body.
// Shared by HandleError (net/http) and HandleErrorGin (gin) so the taxonomy is
// defined in exactly one place.
func statusAndBody(err error) (int, ErrorResponse) {
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "The requested resource was not found",
		}

	case apperrors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, ErrorResponse{
			Error:   "conflict",
			Message: "A conflict occurred with existing data",
		}

	case apperrors.Is(err, apperrors.ErrRotationConflict):
		return http.StatusConflict, ErrorResponse{
			Error:   "rotation_conflict",
			Message: "A rotation is already in progress for this client",
		}

	case apperrors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "invalid_input",
			Message: err.Error(),
		}

	case apperrors.Is(err, apperrors.ErrInvalidCredentials),
		apperrors.Is(err, apperrors.ErrUnauthenticated),
		apperrors.Is(err, apperrors.ErrUnauthorized):
		// Deliberately identical status and message for all three: the
		// caller must not be able to distinguish "unknown client",
		// "wrong secret", and "missing/expired token" from the response.
		return http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "Authentication failed",
		}

	case apperrors.Is(err, apperrors.ErrForbidden):
		return http.StatusForbidden, ErrorResponse{
			Error:   "forbidden",
			Message: "You don't have permission to access this resource",
		}

	case apperrors.Is(err, apperrors.ErrVaultUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error:   "service_unavailable",
			Message: "The service is temporarily unavailable",
		}

	case apperrors.Is(err, apperrors.ErrTimeout):
		return http.StatusGatewayTimeout, ErrorResponse{
			Error:   "timeout",
			Message: "The request exceeded its deadline",
		}

	default:
		// For unknown/internal errors, don't expose details to the client
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		}
	}
}

// HandleError maps domain errors to HTTP status codes and writes an appropriate response.
// It logs the error with structured logging and returns a user-friendly error message.
func HandleError(w http.ResponseWriter, err error, logger *slog.Logger) {
	if err == nil {
		return
	}

	statusCode, errorResponse := statusAndBody(err)

	if logger != nil {
		logSecurityAware(logger, statusCode, errorResponse, err)
	}

	MakeJSONResponse(w, statusCode, errorResponse)
}

// HandleErrorGin maps domain errors to HTTP status codes and writes the
// response through a gin.Context. Mirrors HandleError for handlers built on
// the gin router instead of raw net/http.
func HandleErrorGin(c *gin.Context, err error, logger *slog.Logger) {
	if err == nil {
		return
	}

	statusCode, errorResponse := statusAndBody(err)

	if logger != nil {
		logSecurityAware(logger, statusCode, errorResponse, err)
	}

	c.JSON(statusCode, errorResponse)
}

// logSecurityAware logs at Warn for authentication/authorization failures
// (security events per the error taxonomy) and Error otherwise.
func logSecurityAware(logger *slog.Logger, statusCode int, resp ErrorResponse, err error) {
	level := slog.LevelError
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "request failed",
		slog.Int("status_code", statusCode),
		slog.String("error_code", resp.Error),
		slog.Any("error", err),
	)
}

// HandleValidationError writes a 400 Bad Request response for validation errors
func HandleValidationError(w http.ResponseWriter, err error, logger *slog.Logger) {
	if logger != nil {
		logger.Warn("validation failed", slog.Any("error", err))
	}

	errorResponse := ErrorResponse{
		Error:   "validation_error",
		Message: err.Error(),
	}

	MakeJSONResponse(w, http.StatusBadRequest, errorResponse)
}

// HandleValidationErrorGin writes a 400 Bad Request response for validation
// errors through a gin.Context.
func HandleValidationErrorGin(c *gin.Context, err error, logger *slog.Logger) {
	if logger != nil {
		logger.Warn("validation failed", slog.Any("error", err))
	}

	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "validation_error",
		Message: err.Error(),
	})
}
