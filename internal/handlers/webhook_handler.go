package handlers

import (
	"crypto/subtle"
	"net/http"

	"fosterline/internal/services"

	"github.com/gin-gonic/gin"
)

// WebhookHandler receives delivery status callbacks from the email
// provider: delivered, opened, clicked, bounced. Callbacks are matched to
// audit rows by provider message id and applied monotonically.
type WebhookHandler struct {
	dispatcher *services.DispatcherService
	secret     string
}

func NewWebhookHandler(dispatcher *services.DispatcherService, secret string) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher, secret: secret}
}

type deliveryStatusRequest struct {
	MessageID string `json:"message_id" binding:"required"`
	Status    string `json:"status" binding:"required"`
}

// DeliveryStatus applies one provider callback. Unknown message ids get a
// 404 so the provider stops retrying; stale or out-of-order statuses are
// acknowledged and dropped.
func (h *WebhookHandler) DeliveryStatus(c *gin.Context) {
	if h.secret != "" {
		given := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(given), []byte(h.secret)) != 1 {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid webhook secret"})
			return
		}
	}

	var req deliveryStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	if err := h.dispatcher.ApplyProviderStatus(c.Request.Context(), req.MessageID, req.Status); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Failed to apply status", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok"})
}

// RegisterWebhookRoutes mounts the provider callback endpoint. Kept outside
// the authenticated API group since the provider authenticates with the
// shared secret header instead.
func RegisterWebhookRoutes(r *gin.Engine, handler *WebhookHandler) {
	r.POST("/webhooks/delivery-status", handler.DeliveryStatus)
}
