package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pubflow/internal/actions"
	"pubflow/internal/config"
	"pubflow/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAutomation_StackGuardRunsBeforeIO(t *testing.T) {
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	// No database, registry or data service: any I/O would panic.
	svc := NewAutomationService(nil, lg, nil, nil, nil, nil, config.AutomationConfig{})

	stack := make([]string, models.MaxStackDepth+1)
	for i := range stack {
		stack[i] = "run-" + string(rune('a'+i))
	}
	_, err := svc.RunAutomation(context.Background(), RunAutomationRequest{AutomationID: "missing", Stack: stack})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStackDepthExceeded))
	assert.True(t, IsFatal(err))
}

func TestRunAutomation_MaxDepthStackIsAllowed(t *testing.T) {
	f := newFixture(t, config.AutomationConfig{})
	stack := make([]string, models.MaxStackDepth)
	_, err := f.svc.RunAutomation(context.Background(), RunAutomationRequest{AutomationID: "missing", Stack: stack})
	assert.ErrorIs(t, err, ErrAutomationNotFound)
}

func TestRunAutomation_ConditionGate(t *testing.T) {
	record := &fakeAdapter{name: "record", fields: []actions.Field{{Name: "text", Kind: actions.KindString, Required: true}}}
	f := newFixture(t, config.AutomationConfig{}, record)
	ctx := context.Background()

	automation := f.createAutomation(t, AutomationRequest{
		StageID:   f.draft.ID,
		Name:      "Announce approval",
		Condition: statusCondition("approved"),
		Actions: []ActionInstanceInput{
			{Action: "log", Config: map[string]interface{}{"text": "approved {{ pub.title }}"}},
			{Action: "record", Config: map[string]interface{}{"text": "{{ pub.title }}"}},
		},
		Triggers: []TriggerInput{{Event: models.EventManual}},
	})

	approved := f.createPub(t, &f.draft, "Ada's paper", map[string]interface{}{"status": "approved"})
	run, err := f.svc.RunManual(ctx, automation.ID, approved.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	require.Len(t, run.ActionRuns, 2)
	for _, ar := range run.ActionRuns {
		assert.Equal(t, models.RunStatusSuccess, ar.Status)
	}
	require.Equal(t, 1, record.Calls())
	rc, cfg := record.Call(0)
	assert.Equal(t, "Ada's paper", cfg["text"])
	assert.Equal(t, approved.ID, rc.PubID)
	assert.Equal(t, []string{run.ID}, rc.Stack)

	draft := f.createPub(t, &f.draft, "Work in progress", map[string]interface{}{"status": "draft"})
	run, err = f.svc.RunManual(ctx, automation.ID, draft.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, run.Status)
	assert.Equal(t, 1, record.Calls(), "no adapter runs when the condition fails")

	stored, err := f.ledger.GetAutomationRun(ctx, run.ID)
	require.NoError(t, err)
	result := decode(t, stored.Result)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result, "failureReason")
	assert.Contains(t, strings.Join(toStrings(result["flatMessages"]), "\n"), `"draft"`)
	require.Len(t, stored.ActionRuns, 2)
	for _, ar := range stored.ActionRuns {
		assert.Equal(t, models.RunStatusFailure, ar.Status)
	}
}

func TestRunAutomation_ActionFailuresAreIsolated(t *testing.T) {
	ok := &fakeAdapter{name: "ok"}
	fails := &fakeAdapter{name: "fails", run: func(context.Context, map[string]interface{}, actions.RunContext) (*actions.Result, error) {
		return actions.Failed("Upstream refused", errors.New("status 409")), nil
	}}
	errs := &fakeAdapter{name: "errs", run: func(context.Context, map[string]interface{}, actions.RunContext) (*actions.Result, error) {
		return nil, errors.New("connection reset")
	}}
	panics := &fakeAdapter{name: "panics", run: func(context.Context, map[string]interface{}, actions.RunContext) (*actions.Result, error) {
		panic("boom")
	}}
	f := newFixture(t, config.AutomationConfig{}, ok, fails, errs, panics)

	automation := f.createAutomation(t, AutomationRequest{
		StageID: f.draft.ID,
		Name:    "Mixed",
		Actions: []ActionInstanceInput{{Action: "ok"}, {Action: "fails"}, {Action: "errs"}, {Action: "panics"}},
	})
	run, err := f.svc.RunManual(context.Background(), automation.ID, "", map[string]interface{}{"k": "v"}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, run.Status)

	byAction := map[string]models.ActionRun{}
	for _, ar := range run.ActionRuns {
		byAction[ar.Action] = ar
	}
	assert.Equal(t, models.RunStatusSuccess, byAction["ok"].Status)
	assert.Equal(t, models.RunStatusFailure, byAction["fails"].Status)
	assert.Equal(t, models.RunStatusFailure, byAction["errs"].Status)
	assert.Equal(t, models.RunStatusFailure, byAction["panics"].Status)
	assert.Equal(t, "status 409", decode(t, byAction["fails"].Result)["error"])
	assert.Equal(t, "connection reset", decode(t, byAction["errs"].Result)["error"])
	assert.Contains(t, decode(t, byAction["panics"].Result)["error"], "boom")

	summary := decode(t, run.Result)["error"].(string)
	assert.Contains(t, summary, "fails: status 409")
	assert.Contains(t, summary, "errs: connection reset")
}

func TestRunAutomation_RefireUpsertsSameRows(t *testing.T) {
	var attempt int32
	flaky := &fakeAdapter{name: "flaky", run: func(context.Context, map[string]interface{}, actions.RunContext) (*actions.Result, error) {
		if atomic.AddInt32(&attempt, 1) == 1 {
			return actions.Failed("first attempt", errors.New("try again")), nil
		}
		return actions.Succeeded("second attempt", nil), nil
	}}
	f := newFixture(t, config.AutomationConfig{}, flaky)
	ctx := context.Background()
	automation := f.createAutomation(t, AutomationRequest{
		StageID: f.draft.ID,
		Name:    "Flaky",
		Actions: []ActionInstanceInput{{Action: "flaky"}},
	})

	req := RunAutomationRequest{
		AutomationID:             automation.ID,
		Trigger:                  Trigger{Event: models.EventManual},
		ScheduledAutomationRunID: "6d8b8d53-6d0c-4a40-9f8e-0d0f5b1c0a11",
	}
	first, err := f.svc.RunAutomation(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, first.Status)

	second, err := f.svc.RunAutomation(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var runCount, actionCount int64
	f.db.Model(&models.AutomationRun{}).Where("id = ?", req.ScheduledAutomationRunID).Count(&runCount)
	f.db.Model(&models.ActionRun{}).Where("automation_run_id = ?", req.ScheduledAutomationRunID).Count(&actionCount)
	assert.Equal(t, int64(1), runCount)
	assert.Equal(t, int64(1), actionCount)

	stored, err := f.ledger.GetAutomationRun(ctx, req.ScheduledAutomationRunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, stored.Status)
	assert.Equal(t, models.RunStatusSuccess, stored.ActionRuns[0].Status)
	assert.Equal(t, models.ActionRunID(req.ScheduledAutomationRunID, automation.ActionInstances[0].ID), stored.ActionRuns[0].ID)
}

func TestRunAutomation_ConfigErrorsAreRecorded(t *testing.T) {
	strict := &fakeAdapter{name: "strict", fields: []actions.Field{
		{Name: "method", Kind: actions.KindString, Required: true, Rules: "oneof=GET POST"},
	}}
	f := newFixture(t, config.AutomationConfig{}, strict)
	automation := f.createAutomation(t, AutomationRequest{
		StageID: f.draft.ID,
		Name:    "Strict",
		Actions: []ActionInstanceInput{
			{Action: "strict"},
			{Action: "strict", Config: map[string]interface{}{"method": "{{ json.method }}"}},
		},
	})
	run, err := f.svc.RunManual(context.Background(), automation.ID, "", map[string]interface{}{"method": "DELETE"}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, run.Status)
	assert.Equal(t, 0, strict.Calls())

	require.Len(t, run.ActionRuns, 2)
	missing := decode(t, run.ActionRuns[0].Result)["cause"].(map[string]interface{})
	assert.Equal(t, "INVALID_RAW_CONFIG", missing["code"])
	interpolated := decode(t, run.ActionRuns[1].Result)["cause"].(map[string]interface{})
	assert.Equal(t, "INVALID_INTERPOLATED_CONFIG", interpolated["code"])

	var stored models.ActionRun
	require.NoError(t, f.db.First(&stored, "id = ?", run.ActionRuns[1].ID).Error)
	assert.Equal(t, map[string]interface{}{"method": "{{ json.method }}"}, decode(t, stored.Config),
		"a config that fails to resolve is stored as given")
}

func TestRunAutomation_DefaultsAndOverrides(t *testing.T) {
	record := &fakeAdapter{name: "record", fields: []actions.Field{
		{Name: "to", Kind: actions.KindString, Required: true},
		{Name: "subject", Kind: actions.KindString, Required: true},
	}}
	f := newFixture(t, config.AutomationConfig{}, record)
	ctx := context.Background()
	require.NoError(t, f.svc.SetActionDefaults(ctx, f.community.ID, "record", map[string]interface{}{"to": "editors@example.org", "subject": "default"}))

	automation := f.createAutomation(t, AutomationRequest{
		StageID: f.draft.ID,
		Name:    "Notify",
		Actions: []ActionInstanceInput{{Action: "record", Config: map[string]interface{}{"subject": "configured"}}},
	})
	instanceID := automation.ActionInstances[0].ID

	_, err := f.svc.RunManual(ctx, automation.ID, "", nil, map[string]map[string]interface{}{
		instanceID: {"subject": "override"},
	})
	require.NoError(t, err)
	_, cfg := record.Call(0)
	assert.Equal(t, "editors@example.org", cfg["to"])
	assert.Equal(t, "override", cfg["subject"])

	_, err = f.svc.RunManual(ctx, automation.ID, "", nil, map[string]map[string]interface{}{"nope": {}})
	assert.ErrorIs(t, err, ErrActionInstanceNotFound)
}

func TestRunAutomation_ActionTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := &fakeAdapter{name: "stuck", run: func(context.Context, map[string]interface{}, actions.RunContext) (*actions.Result, error) {
		<-release
		return actions.Succeeded("late", nil), nil
	}}
	f := newFixture(t, config.AutomationConfig{ActionTimeout: 50 * time.Millisecond}, stuck)
	automation := f.createAutomation(t, AutomationRequest{
		StageID: f.draft.ID,
		Name:    "Stuck",
		Actions: []ActionInstanceInput{{Action: "stuck"}, {Action: "log"}},
	})

	run, err := f.svc.RunManual(context.Background(), automation.ID, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, run.Status)
	for _, ar := range run.ActionRuns {
		if ar.Action == "stuck" {
			assert.Contains(t, decode(t, ar.Result)["error"], "timed out")
		} else {
			assert.Equal(t, models.RunStatusSuccess, ar.Status)
		}
	}
}

func TestRunWebhook(t *testing.T) {
	record := &fakeAdapter{name: "record", fields: []actions.Field{{Name: "text", Kind: actions.KindString}}}
	f := newFixture(t, config.AutomationConfig{}, record)
	ctx := context.Background()

	manualOnly := f.createAutomation(t, AutomationRequest{StageID: f.draft.ID, Name: "Manual only"})
	_, err := f.svc.RunWebhook(ctx, manualOnly.ID, map[string]interface{}{})
	assert.ErrorIs(t, err, ErrTriggerNotConfigured)

	hooked := f.createAutomation(t, AutomationRequest{
		StageID:  f.draft.ID,
		Name:     "Hooked",
		Actions:  []ActionInstanceInput{{Action: "record", Config: map[string]interface{}{"text": "{{ json.doi }}"}}},
		Triggers: []TriggerInput{{Event: models.EventWebhook}},
	})
	run, err := f.svc.RunWebhook(ctx, hooked.ID, map[string]interface{}{"doi": "10.1000/182"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, models.EventWebhook, run.TriggerEvent)
	_, cfg := record.Call(0)
	assert.Equal(t, "10.1000/182", cfg["text"])
}

func toStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
