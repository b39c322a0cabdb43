package handlers

import (
	"net/http"

	"pubflow/internal/actions"
	"pubflow/internal/middleware"
	"pubflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ActionHandler exposes the action registry to editors.
type ActionHandler struct {
	registry          *actions.Registry
	automationService *services.AutomationService
	logger            *logrus.Logger
}

func NewActionHandler(registry *actions.Registry, automationService *services.AutomationService, logger *logrus.Logger) *ActionHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ActionHandler{registry: registry, automationService: automationService, logger: logger}
}

// ActionInfo describes one registered action.
type ActionInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      actions.Schema `json:"schema"`
}

// ValidateRequest is a config to check, optionally against a community's defaults.
type ValidateRequest struct {
	CommunityID string                 `json:"community_id"`
	Config      map[string]interface{} `json:"config"`
}

// ListActions 列出已注册动作及其配置结构
// @Router /api/actions [get]
func (h *ActionHandler) ListActions(c *gin.Context) {
	names := h.registry.Names()
	out := make([]ActionInfo, 0, len(names))
	for _, name := range names {
		a, _ := h.registry.Get(name)
		out = append(out, ActionInfo{Name: name, Description: a.Description(), Schema: a.ConfigSchema()})
	}
	c.JSON(http.StatusOK, out)
}

// ValidateConfig 校验动作配置（供编辑表单使用）
// @Router /api/actions/{name}/validate [post]
func (h *ActionHandler) ValidateConfig(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	res, err := h.automationService.ValidateActionConfig(c.Request.Context(), req.CommunityID, c.Param("name"), req.Config)
	if err != nil {
		respondError(c, h.logger, "Failed to validate config", err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, res)
}

// RegisterActionRoutes 注册动作路由
func RegisterActionRoutes(r *gin.RouterGroup, h *ActionHandler) {
	read := middleware.RequirePermissionsAny(middleware.PermAutomationsRead)
	r.GET("/actions", read, h.ListActions)
	r.POST("/actions/:name/validate", read, h.ValidateConfig)
}
