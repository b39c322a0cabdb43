package handlers

import (
	"net/http"

	"pubflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebhookHandler 公开的 webhook 触发入口（不走 JWT，依赖限流）
type WebhookHandler struct {
	automationService *services.AutomationService
	logger            *logrus.Logger
}

func NewWebhookHandler(automationService *services.AutomationService, logger *logrus.Logger) *WebhookHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebhookHandler{automationService: automationService, logger: logger}
}

// Receive runs the automation with the request body as its json input.
// @Router /api/v1/webhooks/{automationId} [post]
func (h *WebhookHandler) Receive(c *gin.Context) {
	var payload interface{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			badRequest(c, "Invalid webhook payload", err)
			return
		}
	}
	run, err := h.automationService.RunWebhook(c.Request.Context(), c.Param("automationId"), payload)
	if err != nil {
		respondError(c, h.logger, "Webhook rejected", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"automation_run_id": run.ID,
		"status":            run.Status,
	})
}

// RegisterWebhookRoutes 注册 webhook 路由
func RegisterWebhookRoutes(r *gin.RouterGroup, h *WebhookHandler) {
	r.POST("/webhooks/:automationId", h.Receive)
}
