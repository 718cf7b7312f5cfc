package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"imgconvert/internal/artifacts"
	"imgconvert/internal/batch"
	"imgconvert/internal/billing"
	"imgconvert/internal/quota"
	"imgconvert/internal/storage"
)

const (
	CodeOK           = "OK"
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeValidation   = "VALIDATION_ERROR"
	CodeRateLimit    = "RATE_LIMIT_EXCEEDED"
	CodeInternal     = "INTERNAL_ERROR"
)

// Response is the envelope every JSON endpoint answers with.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code"`
	Data    any    `json:"data,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, Response{
		Status:  "success",
		Message: http.StatusText(status),
		Code:    CodeOK,
		Data:    data,
	})
}

func respondError(c *gin.Context, status int, code, message string, data any) {
	c.AbortWithStatusJSON(status, Response{
		Status:  "error",
		Message: message,
		Code:    code,
		Data:    data,
	})
}

// respondErr maps domain errors to status codes. Anything unrecognised is
// logged and reported as an internal error without its details.
func (s *Server) respondErr(c *gin.Context, op string, err error) {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		respondError(c, http.StatusTooManyRequests, CodeRateLimit, exceeded.Error(), gin.H{
			"kind":      exceeded.Kind,
			"limit":     exceeded.Limit,
			"used":      exceeded.Used,
			"remaining": exceeded.Remaining,
		})
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, artifacts.ErrNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound):
		respondError(c, http.StatusNotFound, CodeNotFound, "not found", nil)
	case errors.Is(err, billing.ErrSubscriptionMismatch):
		respondError(c, http.StatusForbidden, CodeForbidden, billing.ErrSubscriptionMismatch.Error(), nil)
	case errors.Is(err, billing.ErrNoCustomer):
		respondError(c, http.StatusUnprocessableEntity, CodeValidation, billing.ErrNoCustomer.Error(), nil)
	case errors.Is(err, batch.ErrInvalidTransition), errors.Is(err, batch.ErrAlreadyTerminal), errors.Is(err, storage.ErrConflict):
		respondError(c, http.StatusConflict, CodeConflict, err.Error(), nil)
	default:
		s.log.Error("request failed",
			slog.String("op", op),
			slog.String("path", c.FullPath()),
			slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}
