package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"pubflow/internal/config"
	"pubflow/internal/metrics"
	"pubflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EnhancedHealthHandler 健康检查：数据库、延迟任务队列、运行推送
type EnhancedHealthHandler struct {
	config *config.Config
	db     *gorm.DB
	jobs   *services.JobRunner
	hub    *services.RunActivityHub
	logger *logrus.Logger
}

// NewEnhancedHealthHandler 创建健康检查处理器；jobs 与 hub 可为 nil
func NewEnhancedHealthHandler(cfg *config.Config, db *gorm.DB, jobs *services.JobRunner, hub *services.RunActivityHub) *EnhancedHealthHandler {
	return &EnhancedHealthHandler{
		config: cfg,
		db:     db,
		jobs:   jobs,
		hub:    hub,
		logger: logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    time.Duration `json:"uptime"`
	Version   string        `json:"version"`
	GoVersion string        `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点
func (h *EnhancedHealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   config.Version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime),
			Version:   config.Version,
			GoVersion: runtime.Version(),
		},
	}

	allHealthy := true
	h.checkDatabase(ctx, &response, &allHealthy)
	h.checkScheduler(ctx, &response, &allHealthy)

	if h.hub != nil {
		response.Services["run_activity"] = ServiceInfo{
			Status:  "healthy",
			Details: map[string]interface{}{"subscribers": h.hub.GetClientCount()},
		}
	}

	if h.config != nil && h.config.Security.RateLimiting.Enabled {
		total, byPrefix := metrics.RateLimitSnapshot()
		response.Services["rate_limit"] = ServiceInfo{
			Status:  "healthy",
			Details: map[string]interface{}{"dropped_total": total, "dropped_by_prefix": byPrefix},
		}
	}

	statusCode := http.StatusOK
	if !allHealthy {
		response.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点，只检查数据库
func (h *EnhancedHealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	services := make(map[string]string)
	if err := h.ping(ctx); err != nil {
		services["database"] = "not_ready"
		ready = false
	} else {
		services["database"] = "ready"
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  services,
	})
}

func (h *EnhancedHealthHandler) ping(ctx context.Context) error {
	if h.db == nil {
		return errDBNotInitialized
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// checkDatabase 检查数据库状态
func (h *EnhancedHealthHandler) checkDatabase(ctx context.Context, response *HealthResponse, allHealthy *bool) {
	start := time.Now()
	info := ServiceInfo{Status: "healthy"}
	if h.config != nil {
		info.Details = map[string]interface{}{"driver": h.config.Database.Driver}
	}
	if err := h.ping(ctx); err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		*allHealthy = false
	}
	info.Latency = time.Since(start).String()
	response.Services["database"] = info
}

// checkScheduler 汇报延迟任务队列积压；队列不可读时视为不健康
func (h *EnhancedHealthHandler) checkScheduler(ctx context.Context, response *HealthResponse, allHealthy *bool) {
	if h.jobs == nil {
		response.Services["scheduler"] = ServiceInfo{Status: "disabled"}
		return
	}
	start := time.Now()
	stats, err := h.jobs.Stats(ctx)
	if err != nil {
		response.Services["scheduler"] = ServiceInfo{Status: "unhealthy", Error: err.Error(), Latency: time.Since(start).String()}
		*allHealthy = false
		return
	}
	response.Services["scheduler"] = ServiceInfo{Status: "healthy", Latency: time.Since(start).String(), Details: stats}
}
