package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pubflow/internal/config"
	"pubflow/internal/handlers"
	"pubflow/internal/middleware"
	"pubflow/internal/observability"
	"pubflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var flagAutoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the delayed job runner",
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&flagAutoMigrate, "migrate", true, "run AutoMigrate before serving")
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logrus.Warnf("init tracing: %v", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if flagAutoMigrate {
		if err := migrate(a.db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 运行推送
	hub := services.NewRunActivityHub(a.logger)
	a.ledger.Observe(hub)
	go hub.Run(ctx)

	// 延迟任务执行器
	if cfg.Scheduler.Enabled {
		if err := a.jobs.Start(ctx); err != nil {
			return fmt.Errorf("start job runner: %w", err)
		}
	} else {
		logrus.Info("scheduler disabled; delayed automations will not fire from this instance")
	}

	switch cfg.Server.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Server.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(cfg, a, hub)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Automation.ActionTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	cancel()

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited")
	return nil
}

func setupRouter(cfg *config.Config, a *app, hub *services.RunActivityHub) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	if a.metrics != nil {
		router.Use(middleware.RequestMetrics(a.metrics))
	}
	router.Use(middleware.RateLimit(cfg, a.metrics))

	// 健康检查
	healthHandler := handlers.NewEnhancedHealthHandler(cfg, a.db, a.jobs, hub)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// 监控端点
	if a.metrics != nil {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(a.metrics.Handler()))
	}

	// 需要 JWT 的管理 API
	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	{
		handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(a.svc, a.logger))
		handlers.RegisterRunRoutes(api, handlers.NewRunHandler(a.ledger, a.logger))
		handlers.RegisterActionRoutes(api, handlers.NewActionHandler(a.registry, a.svc, a.logger))
	}

	// webhook 公开；运行推送在握手时校验 JWT
	v1 := router.Group("/api/v1")
	{
		handlers.RegisterWebhookRoutes(v1, handlers.NewWebhookHandler(a.svc, a.logger))
		handlers.RegisterRunActivityRoutes(v1, cfg, hub)
	}

	return router
}
