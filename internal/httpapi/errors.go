package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/db"
	"github.com/xpadev-net/live-event-orchestrator/internal/lifecycle"
	"github.com/xpadev-net/live-event-orchestrator/internal/log"
)

// ErrorCode represents an API error code.
type ErrorCode string

const (
	// Client errors
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeDuplicateSlug     ErrorCode = "DUPLICATE_SLUG"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Server errors
	ErrCodeUpstream ErrorCode = "UPSTREAM_ERROR"
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error details.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewErrorResponse creates a new error response.
func NewErrorResponse(code ErrorCode, message string) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// RespondError sends an error response with the given status code.
func RespondError(c *gin.Context, statusCode int, code ErrorCode, message string) {
	c.JSON(statusCode, NewErrorResponse(code, message))
}

// RespondBadRequest sends a 400 Bad Request response.
func RespondBadRequest(c *gin.Context, message string) {
	RespondError(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// RespondUnauthorized sends a 401 Unauthorized response.
func RespondUnauthorized(c *gin.Context, message string) {
	RespondError(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// RespondNotFound sends a 404 Not Found response.
func RespondNotFound(c *gin.Context, message string) {
	RespondError(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// RespondInternalError sends a 500 Internal Server Error response.
func RespondInternalError(c *gin.Context, message string) {
	RespondError(c, http.StatusInternalServerError, ErrCodeInternal, message)
}

// RespondValidationError sends a 400 response for validation errors.
func RespondValidationError(c *gin.Context, message string) {
	RespondError(c, http.StatusBadRequest, ErrCodeValidation, message)
}

// Classify maps a service error to its HTTP status and error code.
func Classify(err error) (int, ErrorCode) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound),
		errors.Is(err, db.ErrEventNotFound),
		errors.Is(err, db.ErrDomainNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, lifecycle.ErrValidation):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict, ErrCodeInvalidTransition
	case errors.Is(err, db.ErrDuplicateSlug):
		return http.StatusConflict, ErrCodeDuplicateSlug
	case errors.Is(err, lifecycle.ErrUpstream):
		return http.StatusBadGateway, ErrCodeUpstream
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// RespondServiceError sends the response matching err. Client errors carry
// err's message; unclassified errors are logged and answered with fallback.
func RespondServiceError(c *gin.Context, err error, fallback string) {
	status, code := Classify(err)
	if code == ErrCodeInternal {
		log.Error(fallback,
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		RespondError(c, status, code, fallback)
		return
	}
	if code == ErrCodeUpstream {
		log.Warn("session provider failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	RespondError(c, status, code, err.Error())
}
