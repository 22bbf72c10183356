package handlers

import (
	"net/http"
	"strconv"

	"fosterline/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler exposes definition CRUD, activation toggles, test sends
// and the audit log over HTTP for the admin UI.
type AutomationHandler struct {
	service *services.AutomationService
}

func NewAutomationHandler(service *services.AutomationService) *AutomationHandler {
	return &AutomationHandler{service: service}
}

// ListAutomations returns a page of definitions. Supports ?page, ?page_size,
// ?trigger_type and ?active filters.
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	triggerType := c.Query("trigger_type")

	var active *bool
	if raw := c.Query("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid active filter", Message: err.Error()})
			return
		}
		active = &v
	}

	defs, total, err := h.service.ListAutomations(c.Request.Context(), page, pageSize, triggerType, active)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list automations", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     defs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pageCount(total, pageSize),
	})
}

// CreateAutomation stores a new definition.
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	var req services.CreateAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	def, err := h.service.CreateAutomation(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, def)
}

// GetAutomation returns one definition.
func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	def, err := h.service.GetAutomation(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to get automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, def)
}

// UpdateAutomation applies a partial update.
func (h *AutomationHandler) UpdateAutomation(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req services.UpdateAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	def, err := h.service.UpdateAutomation(c.Request.Context(), id, &req)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to update automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, def)
}

// DeleteAutomation removes a definition; its logs remain.
func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteAutomation(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to delete automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

type toggleRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// ToggleAutomation activates or deactivates a definition.
func (h *AutomationHandler) ToggleAutomation(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	def, err := h.service.SetActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to toggle automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, def)
}

type testSendRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// TestAutomation sends the definition's template to the given address
// immediately, with sample data, bypassing matching and delay.
func (h *AutomationHandler) TestAutomation(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req testSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	log, err := h.service.TestAutomation(c.Request.Context(), id, req.Email)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Test send failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, log)
}

// ListLogs returns a page of audit rows. Supports ?page, ?page_size,
// ?automation_id and ?status filters.
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	status := c.Query("status")

	var automationID uint
	if raw := c.Query("automation_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid automation_id", Message: err.Error()})
			return
		}
		automationID = uint(v)
	}

	logs, total, err := h.service.ListLogs(c.Request.Context(), page, pageSize, automationID, status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list logs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     logs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pageCount(total, pageSize),
	})
}

// GetLog returns one audit row.
func (h *AutomationHandler) GetLog(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	log, err := h.service.GetLog(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to get log", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *AutomationHandler) pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return 0, false
	}
	return uint(id), true
}

func statusFor(err error) int {
	switch err.Error() {
	case "automation not found", "email template not found", "automation log not found":
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// RegisterAutomationRoutes mounts the automation admin surface.
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.ListAutomations)
		auto.POST("", handler.CreateAutomation)
		auto.GET(":id", handler.GetAutomation)
		auto.PUT(":id", handler.UpdateAutomation)
		auto.DELETE(":id", handler.DeleteAutomation)
		auto.POST(":id/toggle", handler.ToggleAutomation)
		auto.POST(":id/test", handler.TestAutomation)
	}
	r.GET("/automation-logs", handler.ListLogs)
	r.GET("/automation-logs/:id", handler.GetLog)
}
