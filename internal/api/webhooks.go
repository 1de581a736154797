package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/darwin-engine/darwin/internal/forge"
)

// forgeWebhook verifies and dispatches a forge delivery. Signature
// verification happens before anything else touches state; a bad or missing
// signature is a 401 with no side effects.
func (s *Server) forgeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, "unreadable webhook body")
		return
	}
	if len(payload) > maxWebhookBody {
		respondError(c, http.StatusRequestEntityTooLarge, CodeValidation, "webhook body too large")
		return
	}

	signature := c.GetHeader(forge.SignatureHeader)
	if !forge.VerifySignature(payload, signature, s.deps.WebhookSecret) {
		s.logger.Warn("webhook signature rejected", map[string]interface{}{
			"event": c.GetHeader(forge.EventHeader),
		})
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "invalid webhook signature")
		return
	}

	event, err := forge.ParseEvent(c.GetHeader(forge.EventHeader), payload)
	if errors.Is(err, forge.ErrUnhandledEvent) {
		// Acknowledge deliveries the pipeline does not act on so the forge
		// stops retrying them.
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, "malformed webhook payload")
		return
	}

	res, err := s.deps.Review.Handle(c.Request.Context(), event)
	if err != nil {
		s.logger.Error("webhook handling failed", map[string]interface{}{
			"event": event.Kind, "action": event.Action, "error": err.Error(),
		})
		respondError(c, http.StatusInternalServerError, CodeInternal, "webhook processing failed")
		return
	}
	c.JSON(http.StatusOK, res)
}
