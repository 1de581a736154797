package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/darwin-engine/darwin/internal/fix"
	"github.com/darwin-engine/darwin/internal/store"
)

// Stable error codes in HTTP error bodies.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
)

// errorBody is the structured error response shape. Provider-specific error
// text never lands in Message.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorBody{Code: code, Message: message})
}

// respondStoreError maps an error from the data plane onto the taxonomy.
func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(c, http.StatusNotFound, CodeNotFound, "record not found")
	case errors.Is(err, fix.ErrFixConflict):
		respondError(c, http.StatusConflict, CodeConflict, "a fix is already running or completed for this task")
	case errors.Is(err, fix.ErrNoRepo):
		respondError(c, http.StatusBadRequest, CodeValidation, "no repository configured for product")
	default:
		respondError(c, http.StatusServiceUnavailable, CodeStoreUnavailable, "store operation failed")
	}
}
