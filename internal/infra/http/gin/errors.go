package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	gin "github.com/gin-gonic/gin"

	"huddle/internal/app/session"
	domain "huddle/internal/domain/messaging"
)

// statusFor maps messaging error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case domain.IsNotAuthenticated(err):
		return http.StatusUnauthorized
	case domain.IsAccessDenied(err):
		return http.StatusForbidden
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsTransient(err),
		errors.Is(err, session.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondMessagingError renders err as {"error": <user message>}. Only
// unexpected failures are logged at error level.
func respondMessagingError(c *gin.Context, logger *slog.Logger, err error, action string, attrs ...any) {
	status := statusFor(err)
	_ = c.Error(err)
	if logger != nil {
		level := slog.LevelDebug
		switch {
		case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
			level = slog.LevelError
		case status == http.StatusServiceUnavailable:
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "messaging call failed",
			append([]any{"action", action, "error", err}, attrs...)...)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": domain.UserMessage(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
