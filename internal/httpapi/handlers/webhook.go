package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/httpapi/middleware"
	"github.com/suPer8Hu/agentdesk/internal/webhook"
)

const maxWebhookBody = 10 << 20

func webhookFail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

// WhatsAppWebhook is the gateway's delivery endpoint. Every classified event is
// acknowledged with 200 so the gateway only retries real failures.
func (h *Handler) WhatsAppWebhook(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		webhookFail(c, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		webhookFail(c, http.StatusBadRequest, "Unable to read request body")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		webhookFail(c, http.StatusBadRequest, "Empty request body")
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		webhookFail(c, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	res, err := h.Webhooks.Handle(c.Request.Context(), raw)
	log := logrus.WithFields(logrus.Fields{
		"event":      res.Event,
		"instance":   res.Instance,
		"request_id": c.GetString(middleware.RequestIDKey),
	})
	if errors.Is(err, webhook.ErrUnknownInstance) {
		// retrying cannot create the instance, so the gateway gets a 200
		log.WithError(err).Error("[WEBHOOK] event for unknown instance")
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "Instance not found"})
		return
	}
	if err != nil {
		log.WithError(err).Error("[WEBHOOK] processing failed")
		webhookFail(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": res.Message})
}
