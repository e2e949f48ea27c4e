package httpapi

import (
	"errors"
	"net/http"

	"eventcore/internal/adapters/archive"
	"eventcore/internal/blob"
	"eventcore/internal/core"

	"github.com/gin-gonic/gin"
)

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var violation core.RuleViolationError
	switch {
	case core.IsNotFound(err), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidDataValue),
		errors.Is(err, core.ErrInvalidEventStatus),
		errors.Is(err, archive.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrEventExists):
		return http.StatusConflict
	case errors.As(err, &violation):
		return http.StatusUnprocessableEntity
	case core.IsPersistence(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var violation core.RuleViolationError
	if errors.As(err, &violation) {
		body["violations"] = violations(violation.Result)
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}
