package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/domain"
)

// statusFor maps a classified error to its HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindMalformedInput:
		return http.StatusBadRequest
	case domain.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError aborts the request with the status and message of err.
// Unclassified errors do not leak their text.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": http.StatusText(status)}

	var de *domain.Error
	if errors.As(err, &de) && status != http.StatusInternalServerError {
		body["error"] = de.Kind.String()
		if de.Msg != "" {
			body["message"] = de.Msg
		}
		body["retryable"] = de.Retryable()
	}
	c.AbortWithStatusJSON(status, body)
}
