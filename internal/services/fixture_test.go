package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"pubflow/internal/actions"
	"pubflow/internal/condition"
	"pubflow/internal/config"
	"pubflow/internal/expr"
	"pubflow/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newServicesTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:services_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeAdapter records its calls and delegates to run.
type fakeAdapter struct {
	name   string
	fields []actions.Field
	run    func(ctx context.Context, cfg map[string]interface{}, rc actions.RunContext) (*actions.Result, error)

	mu    sync.Mutex
	calls []actions.RunContext
	cfgs  []map[string]interface{}
}

func (a *fakeAdapter) Name() string        { return a.name }
func (a *fakeAdapter) Description() string { return "test adapter " + a.name }
func (a *fakeAdapter) ConfigSchema() actions.Schema {
	return actions.Schema{Fields: a.fields}
}

func (a *fakeAdapter) Run(ctx context.Context, cfg map[string]interface{}, rc actions.RunContext) (*actions.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, rc)
	a.cfgs = append(a.cfgs, cfg)
	a.mu.Unlock()
	if a.run == nil {
		return actions.Succeeded("ok", nil), nil
	}
	return a.run(ctx, cfg, rc)
}

func (a *fakeAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *fakeAdapter) Call(i int) (actions.RunContext, map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[i], a.cfgs[i]
}

type fixture struct {
	db        *gorm.DB
	logger    *logrus.Logger
	data      *StageService
	ledger    *RunLedger
	runner    *JobRunner
	gateway   *SchedulerGateway
	svc       *AutomationService
	community models.Community
	draft     models.Stage
	review    models.Stage
}

func newFixture(t *testing.T, cfg config.AutomationConfig, adapters ...actions.Adapter) *fixture {
	t.Helper()
	db := newServicesTestDB(t)
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)

	f := &fixture{db: db, logger: lg}
	f.data = NewStageService(db, lg)
	f.ledger = NewRunLedger(db, lg)
	f.runner = NewJobRunner(db, lg, config.SchedulerConfig{MaxAttempts: 3, RetryBackoff: time.Nanosecond})

	all := append([]actions.Adapter{actions.NewLogAction(lg), actions.NewMoveAction(f.data)}, adapters...)
	ev := expr.NewJSONataEvaluator()
	f.svc = NewAutomationService(db, lg, actions.NewRegistry(all...), ev, f.data, f.ledger, cfg)
	f.gateway = NewSchedulerGateway(f.data, f.ledger, f.runner, condition.NewEngine(ev), lg)
	f.svc.SetScheduler(f.gateway)
	f.runner.SetHandler(f.svc)
	f.data.SetHooks(f.svc)

	f.community = models.Community{Slug: "journal", Name: "Journal"}
	require.NoError(t, db.Create(&f.community).Error)
	f.draft = models.Stage{CommunityID: f.community.ID, Name: "Draft", Order: 0}
	require.NoError(t, db.Create(&f.draft).Error)
	f.review = models.Stage{CommunityID: f.community.ID, Name: "Review", Order: 1}
	require.NoError(t, db.Create(&f.review).Error)
	return f
}

func (f *fixture) createPub(t *testing.T, stage *models.Stage, title string, values map[string]interface{}) *models.Pub {
	t.Helper()
	pub := &models.Pub{CommunityID: f.community.ID, Title: title, Values: models.ToJSON(values)}
	if stage != nil {
		pub.StageID = &stage.ID
	}
	require.NoError(t, f.db.Create(pub).Error)
	return pub
}

func (f *fixture) createAutomation(t *testing.T, req AutomationRequest) *models.Automation {
	t.Helper()
	a, err := f.svc.CreateAutomation(context.Background(), &req)
	require.NoError(t, err)
	return a
}

// drain sweeps until no job is due.
func (f *fixture) drain(t *testing.T, max int) int {
	t.Helper()
	total := 0
	for i := 0; i < max; i++ {
		n, err := f.runner.Sweep(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return total
		}
		total += n
	}
	return total
}

func (f *fixture) runsOf(t *testing.T, automationID string) []models.AutomationRun {
	t.Helper()
	var runs []models.AutomationRun
	require.NoError(t, f.db.Preload("ActionRuns").
		Where("automation_id = ?", automationID).
		Order("created_at ASC").
		Find(&runs).Error)
	return runs
}

func statusCondition(value string) json.RawMessage {
	raw, _ := json.Marshal(condition.And(condition.Leaf("status", `pub.values.status = "`+value+`"`)))
	return raw
}

func decode(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
