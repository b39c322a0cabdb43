package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pubflow/internal/actions"
	"pubflow/internal/config"
	"pubflow/internal/expr"
	"pubflow/internal/middleware"
	"pubflow/internal/models"
	"pubflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "handlers-test-secret"

type testAPI struct {
	router *gin.Engine
	db     *gorm.DB
	svc    *services.AutomationService
	stage  models.Stage
	pub    models.Pub
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:handlers_"+name+"?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	lg := logrus.New()
	lg.SetLevel(logrus.FatalLevel)

	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testSecret

	data := services.NewStageService(db, lg)
	ledger := services.NewRunLedger(db, lg)
	runner := services.NewJobRunner(db, lg, cfg.Scheduler)
	registry := actions.NewRegistry(
		actions.NewLogAction(lg),
		actions.NewMoveAction(data),
		actions.NewHTTPAction(time.Second, actions.BreakerConfig{}),
	)
	svc := services.NewAutomationService(db, lg, registry, expr.NewJSONataEvaluator(), data, ledger, cfg.Automation)
	gateway := services.NewSchedulerGateway(data, ledger, runner, svc.Engine(), lg)
	svc.SetScheduler(gateway)
	runner.SetHandler(svc)
	data.SetHooks(svc)

	community := models.Community{Slug: "journal", Name: "Journal"}
	require.NoError(t, db.Create(&community).Error)
	stage := models.Stage{CommunityID: community.ID, Name: "Draft"}
	require.NoError(t, db.Create(&stage).Error)
	pub := models.Pub{CommunityID: community.ID, StageID: &stage.ID, Title: "Paper", Values: models.ToJSON(map[string]interface{}{"status": "approved"})}
	require.NoError(t, db.Create(&pub).Error)

	r := gin.New()
	health := NewEnhancedHealthHandler(cfg, db, runner, nil)
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)

	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	RegisterAutomationRoutes(api, NewAutomationHandler(svc, lg))
	RegisterRunRoutes(api, NewRunHandler(ledger, lg))
	RegisterActionRoutes(api, NewActionHandler(registry, svc, lg))

	hub := services.NewRunActivityHub(lg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	public := r.Group("/api/v1")
	RegisterWebhookRoutes(public, NewWebhookHandler(svc, lg))
	RegisterRunActivityRoutes(public, cfg, hub)

	return &testAPI{router: r, db: db, svc: svc, stage: stage, pub: pub}
}

func token(t *testing.T, roles ...string) string {
	tok, err := middleware.IssueToken(testSecret, "pubflow", "tester", roles, nil, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestAutomationRoutes_CRUDAndPermissions(t *testing.T) {
	api := newTestAPI(t)
	editor := token(t, "editor")
	viewer := token(t, "viewer")

	body := map[string]interface{}{
		"stage_id": api.stage.ID,
		"name":     "Announce",
		"actions":  []map[string]interface{}{{"action": "log", "config": map[string]interface{}{"text": "{{ pub.title }}"}}},
		"triggers": []map[string]interface{}{{"event": "manual"}},
	}

	w := api.do(t, http.MethodPost, "/api/automations", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = api.do(t, http.MethodPost, "/api/automations", viewer, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodPost, "/api/automations", editor, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.ActionInstances, 1)

	w = api.do(t, http.MethodGet, "/api/automations?stage_id="+api.stage.ID, viewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = api.do(t, http.MethodGet, "/api/automations", viewer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body["name"] = "Announce loudly"
	w = api.do(t, http.MethodPut, "/api/automations/"+created.ID, editor, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	bad := map[string]interface{}{"stage_id": api.stage.ID, "name": "Bad", "actions": []map[string]interface{}{{"action": "fax"}}}
	w = api.do(t, http.MethodPost, "/api/automations", editor, bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodDelete, "/api/automations/"+created.ID, editor, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = api.do(t, http.MethodGet, "/api/automations/"+created.ID, viewer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunRoutes_ManualRunAndHistory(t *testing.T) {
	api := newTestAPI(t)
	editor := token(t, "editor")

	automation, err := api.svc.CreateAutomation(context.Background(), &services.AutomationRequest{
		StageID: api.stage.ID,
		Name:    "Announce",
		Actions: []services.ActionInstanceInput{{Action: "log", Config: map[string]interface{}{"text": "{{ pub.title }}"}}},
	})
	require.NoError(t, err)

	w := api.do(t, http.MethodPost, "/api/automations/"+automation.ID+"/run", editor, map[string]interface{}{"pub_id": api.pub.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var run models.AutomationRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	require.Len(t, run.ActionRuns, 1)

	w = api.do(t, http.MethodPost, "/api/automations/missing/run", editor, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodGet, "/api/automation-runs/"+run.ID, editor, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/api/automation-runs?automation_id="+automation.ID+"&page_size=500", editor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Data     []models.AutomationRun `json:"data"`
		Total    int64                  `json:"total"`
		PageSize int                    `json:"page_size"`
		Pages    int                    `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 20, page.PageSize)
	assert.Equal(t, 1, page.Pages)
	require.Len(t, page.Data, 1)
	assert.Equal(t, run.ID, page.Data[0].ID)
}

func TestActionRoutes(t *testing.T) {
	api := newTestAPI(t)
	viewer := token(t, "viewer")

	w := api.do(t, http.MethodGet, "/api/actions", viewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var infos []ActionInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"http", "log", "move"}, names)

	w = api.do(t, http.MethodPost, "/api/actions/http/validate", viewer, map[string]interface{}{"config": map[string]interface{}{"method": "GET"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "url")

	w = api.do(t, http.MethodPost, "/api/actions/http/validate", viewer, map[string]interface{}{
		"config": map[string]interface{}{"url": "https://example.org/hook", "method": "{{ json.method }}"},
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodPut, "/api/actions/log/defaults", viewer, map[string]interface{}{"community_id": "c", "config": map[string]interface{}{}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookRoute(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	hooked, err := api.svc.CreateAutomation(ctx, &services.AutomationRequest{
		StageID:  api.stage.ID,
		Name:     "Inbound",
		Actions:  []services.ActionInstanceInput{{Action: "log", Config: map[string]interface{}{"text": "{{ json.event }}"}}},
		Triggers: []services.TriggerInput{{Event: models.EventWebhook}},
	})
	require.NoError(t, err)
	manual, err := api.svc.CreateAutomation(ctx, &services.AutomationRequest{
		StageID: api.stage.ID,
		Name:    "Manual only",
		Actions: []services.ActionInstanceInput{{Action: "log"}},
	})
	require.NoError(t, err)

	w := api.do(t, http.MethodPost, "/api/v1/webhooks/"+hooked.ID, "", map[string]interface{}{"event": "submitted"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.RunStatusSuccess, resp["status"])

	w = api.do(t, http.MethodPost, "/api/v1/webhooks/"+manual.ID, "", map[string]interface{}{})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/webhooks/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Services["database"].Status)
	assert.Equal(t, "healthy", health.Services["scheduler"].Status)

	w = api.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	sqlDB, _ := api.db.DB()
	sqlDB.Close()
	w = api.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRunActivityRoute_RequiresReadPermission(t *testing.T) {
	api := newTestAPI(t)
	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/api/v1/ws/runs", "", nil).Code)

	srv := httptest.NewServer(api.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/runs"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?access_token="+token(t, "guest"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?stage_id="+api.stage.ID+"&access_token="+token(t, "viewer"), nil)
	require.NoError(t, err)
	conn.Close()
}
