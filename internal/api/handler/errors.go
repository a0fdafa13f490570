package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/memedex/internal/api/middleware"
	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/logger"
)

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidCandidate),
		errors.Is(err, domain.ErrInvalidPatch),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoTemplateForVariant),
		errors.Is(err, domain.ErrHashComputation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStateRegression),
		errors.Is(err, domain.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIndexUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error": ...}. Unexpected errors are logged and hidden.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		middleware.GetLogger(c).WithError(err).Error("Request failed")
		c.JSON(status, gin.H{
			"error":      "internal error",
			"request_id": logger.GetRequestID(c.Request.Context()),
		})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
}
