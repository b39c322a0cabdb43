package cli

import (
	"fmt"

	"pubflow/internal/actions"
	"pubflow/internal/config"
	"pubflow/internal/expr"
	"pubflow/internal/metrics"
	"pubflow/internal/models"
	"pubflow/internal/services"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// app bundles the wired services every command works with.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	db       *gorm.DB
	metrics  *metrics.Metrics
	registry *actions.Registry
	data     *services.StageService
	ledger   *services.RunLedger
	jobs     *services.JobRunner
	gateway  *services.SchedulerGateway
	svc      *services.AutomationService
}

// openDatabase connects with the configured driver and applies pool settings.
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if cfg.Log.Level == "debug" {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "", "postgres":
		dialector = postgres.Open(cfg.Database.PostgresDSN())
	case "sqlite":
		dsn := cfg.Database.DSN
		if dsn == "" {
			dsn = "pubflow.db"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.AllModels()...)
}

// newApp connects the database and wires the orchestrator, the scheduler
// gateway and the job runner together.
func newApp(cfg *config.Config) (*app, error) {
	appLogger := logrus.StandardLogger()
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: appLogger, db: db}
	if cfg.Monitoring.Enabled {
		a.metrics = metrics.New()
	}

	a.data = services.NewStageService(db, appLogger)
	a.ledger = services.NewRunLedger(db, appLogger, services.MetricsObserver(a.metrics))
	a.jobs = services.NewJobRunner(db, appLogger, cfg.Scheduler)
	a.jobs.SetMetrics(a.metrics)

	a.registry = actions.NewRegistry(
		actions.NewLogAction(appLogger),
		actions.NewMoveAction(a.data),
		actions.NewHTTPAction(cfg.Automation.HTTPTimeout, cfg.Automation.CircuitBreaker),
		actions.NewEmailAction(&actions.SMTPSender{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}, cfg.SMTP.From),
	)

	evaluator := expr.NewJSONataEvaluator()
	a.svc = services.NewAutomationService(db, appLogger, a.registry, evaluator, a.data, a.ledger, cfg.Automation)
	a.svc.SetMetrics(a.metrics)
	a.gateway = services.NewSchedulerGateway(a.data, a.ledger, a.jobs, a.svc.Engine(), appLogger)
	a.svc.SetScheduler(a.gateway)
	a.jobs.SetHandler(a.svc)
	a.data.SetHooks(a.svc)
	return a, nil
}

func (a *app) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
