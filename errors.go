package main

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	codeValidation = "VALIDATION_ERROR"
	codeServer     = "SERVER_ERROR"
)

// ValidationError is returned when input breaks a field invariant.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{
		Message: "Invalid request",
		Fields:  map[string]string{field: msg},
	}
}

func errorResponse(message, code string, details any) gin.H {
	body := gin.H{"message": message, "code": code}
	if details != nil {
		body["details"] = details
	}
	return gin.H{"error": body}
}

// abortWithError maps err onto the error envelope. Validation problems are
// returned verbatim; anything else is logged and hidden behind a 500.
func abortWithError(c *gin.Context, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		var details any
		if len(verr.Fields) > 0 {
			details = verr.Fields
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse(verr.Message, codeValidation, details))
		return
	}

	slog.ErrorContext(c.Request.Context(), "Request failed",
		"error", err,
		"path", c.FullPath(),
		"request_id", requestID(c))
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse("Server error", codeServer, nil))
}
