package handlers

import (
	"encoding/json"
	"net/http"

	"pubflow/internal/middleware"
	"pubflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 自动化定义与手动触发
type AutomationHandler struct {
	automationService *services.AutomationService
	logger            *logrus.Logger
}

// NewAutomationHandler 创建自动化处理器
func NewAutomationHandler(automationService *services.AutomationService, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{
		automationService: automationService,
		logger:            logger,
	}
}

// RunRequest is the body of a manual trigger.
type RunRequest struct {
	PubID     string                            `json:"pub_id"`
	JSON      json.RawMessage                   `json:"json"`
	Overrides map[string]map[string]interface{} `json:"overrides"`
}

// DefaultsRequest sets a community's default config for one action.
type DefaultsRequest struct {
	CommunityID string                 `json:"community_id" binding:"required"`
	Config      map[string]interface{} `json:"config"`
}

// ListAutomations 按阶段列出自动化
// @Summary 列出自动化
// @Tags 自动化
// @Produce json
// @Param stage_id query string true "阶段ID"
// @Success 200 {array} models.Automation
// @Router /api/automations [get]
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	stageID := c.Query("stage_id")
	if stageID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Missing stage_id",
			Message: "stage_id query parameter is required",
		})
		return
	}
	list, err := h.automationService.ListAutomations(c.Request.Context(), stageID)
	if err != nil {
		respondError(c, h.logger, "Failed to list automations", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetAutomation 获取自动化详情
// @Router /api/automations/{id} [get]
func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	automation, err := h.automationService.GetAutomation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Automation not found", err)
		return
	}
	c.JSON(http.StatusOK, automation)
}

// CreateAutomation 创建自动化
// @Summary 创建自动化
// @Tags 自动化
// @Accept json
// @Produce json
// @Param automation body services.AutomationRequest true "自动化定义"
// @Success 201 {object} models.Automation
// @Failure 400 {object} ErrorResponse
// @Router /api/automations [post]
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	automation, err := h.automationService.CreateAutomation(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to create automation", err)
		return
	}
	c.JSON(http.StatusCreated, automation)
}

// UpdateAutomation 替换自动化定义
// @Router /api/automations/{id} [put]
func (h *AutomationHandler) UpdateAutomation(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	automation, err := h.automationService.UpdateAutomation(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to update automation", err)
		return
	}
	c.JSON(http.StatusOK, automation)
}

// DeleteAutomation 删除自动化
// @Router /api/automations/{id} [delete]
func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	if err := h.automationService.DeleteAutomation(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, "Failed to delete automation", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Automation deleted"})
}

// RunAutomation 手动触发自动化
// @Summary 手动触发
// @Tags 自动化
// @Accept json
// @Produce json
// @Param id path string true "自动化ID"
// @Param run body RunRequest false "输入"
// @Success 200 {object} models.AutomationRun
// @Router /api/automations/{id}/run [post]
func (h *AutomationHandler) RunAutomation(c *gin.Context) {
	var req RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	var input interface{}
	if len(req.JSON) > 0 {
		if err := json.Unmarshal(req.JSON, &input); err != nil {
			badRequest(c, "Invalid json input", err)
			return
		}
	}
	run, err := h.automationService.RunManual(c.Request.Context(), c.Param("id"), req.PubID, input, req.Overrides)
	if err != nil {
		respondError(c, h.logger, "Failed to run automation", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// SetActionDefaults 设置社区级动作默认配置
// @Router /api/actions/{name}/defaults [put]
func (h *AutomationHandler) SetActionDefaults(c *gin.Context) {
	var req DefaultsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if err := h.automationService.SetActionDefaults(c.Request.Context(), req.CommunityID, c.Param("name"), req.Config); err != nil {
		respondError(c, h.logger, "Failed to set action defaults", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Defaults saved", Data: req.Config})
}

// RegisterAutomationRoutes 注册自动化路由
func RegisterAutomationRoutes(r *gin.RouterGroup, h *AutomationHandler) {
	automations := r.Group("/automations")
	automations.Use(middleware.RequireResourcePermission("automations"))
	{
		automations.GET("", h.ListAutomations)
		automations.POST("", h.CreateAutomation)
		automations.GET("/:id", h.GetAutomation)
		automations.PUT("/:id", h.UpdateAutomation)
		automations.DELETE("/:id", h.DeleteAutomation)
	}
	r.POST("/automations/:id/run", middleware.RequirePermissionsAny(middleware.PermAutomationsRun), h.RunAutomation)
	r.PUT("/actions/:name/defaults", middleware.RequirePermissionsAny(middleware.PermAutomationsWrite), h.SetActionDefaults)
}
