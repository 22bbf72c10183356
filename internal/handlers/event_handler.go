package handlers

import (
	"net/http"

	"fosterline/internal/services"

	"github.com/gin-gonic/gin"
)

// EventHandler ingests domain events from the rest of the case management
// system. Producers may redeliver; the engine dedupes on the event id.
type EventHandler struct {
	service *services.AutomationService
}

func NewEventHandler(service *services.AutomationService) *EventHandler {
	return &EventHandler{service: service}
}

// IngestEvent matches one event against the active definitions. Responds
// 202 once all resulting jobs are durably enqueued; delivery itself happens
// later on the scheduler loop.
func (h *EventHandler) IngestEvent(c *gin.Context) {
	var evt services.DomainEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error()})
		return
	}

	if err := h.service.HandleEvent(c.Request.Context(), &evt); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to process event", Message: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "accepted"})
}

// RegisterEventRoutes mounts the event ingestion endpoint.
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	r.POST("/events", handler.IngestEvent)
}
