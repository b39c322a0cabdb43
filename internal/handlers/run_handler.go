package handlers

import (
	"net/http"

	"pubflow/internal/config"
	"pubflow/internal/middleware"
	"pubflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RunHandler 执行记录查询
type RunHandler struct {
	ledger *services.RunLedger
	logger *logrus.Logger
}

func NewRunHandler(ledger *services.RunLedger, logger *logrus.Logger) *RunHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RunHandler{ledger: ledger, logger: logger}
}

// ListRuns 分页列出自动化执行记录
// @Summary 执行记录列表
// @Tags 执行记录
// @Produce json
// @Param community_id query string false "社区ID"
// @Param stage_id query string false "阶段ID"
// @Param automation_id query string false "自动化ID"
// @Param pub_id query string false "Pub ID"
// @Param status query string false "状态"
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Success 200 {object} PaginatedResponse
// @Router /api/automation-runs [get]
func (h *RunHandler) ListRuns(c *gin.Context) {
	filter := services.RunFilter{
		CommunityID:  c.Query("community_id"),
		StageID:      c.Query("stage_id"),
		AutomationID: c.Query("automation_id"),
		PubID:        c.Query("pub_id"),
		Status:       c.Query("status"),
		Page:         queryInt(c, "page", 1),
		PageSize:     queryInt(c, "page_size", 20),
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	runs, total, err := h.ledger.ListAutomationRuns(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, "Failed to list automation runs", err)
		return
	}

	pages := int(total) / filter.PageSize
	if int(total)%filter.PageSize != 0 {
		pages++
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     runs,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Pages:    pages,
	})
}

// GetRun 获取单次执行及其动作执行
// @Router /api/automation-runs/{id} [get]
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.ledger.GetAutomationRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Automation run not found", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// RegisterRunRoutes 注册执行记录路由
func RegisterRunRoutes(r *gin.RouterGroup, h *RunHandler) {
	runs := r.Group("/automation-runs")
	runs.Use(middleware.RequirePermissionsAny(middleware.PermAutomationsRead))
	{
		runs.GET("", h.ListRuns)
		runs.GET("/:id", h.GetRun)
	}
}

// RegisterRunActivityRoutes 注册运行推送 websocket。握手需要 automations.read，
// 浏览器可用 ?access_token= 传递 JWT；来源按 security.cors 校验
func RegisterRunActivityRoutes(r *gin.RouterGroup, cfg *config.Config, hub *services.RunActivityHub) {
	if cfg != nil && cfg.Security.CORS.Enabled {
		hub.SetAllowedOrigins(cfg.Security.CORS.AllowedOrigins)
	}
	r.GET("/ws/runs",
		middleware.AuthMiddleware(cfg),
		middleware.RequirePermissionsAny(middleware.PermAutomationsRead),
		hub.HandleWebSocket,
	)
}
