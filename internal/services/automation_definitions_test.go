package services

import (
	"context"
	"encoding/json"
	"testing"

	"pubflow/internal/actionconfig"
	"pubflow/internal/actions"
	"pubflow/internal/config"
	"pubflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAutomation_Validation(t *testing.T) {
	f := newFixture(t, config.AutomationConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  AutomationRequest
	}{
		{"missing name", AutomationRequest{StageID: f.draft.ID}},
		{"unknown action", AutomationRequest{StageID: f.draft.ID, Name: "x", Actions: []ActionInstanceInput{{Action: "fax"}}}},
		{"bad timing", AutomationRequest{StageID: f.draft.ID, Name: "x", ConditionEvaluationTiming: "sometimes"}},
		{"bad condition", AutomationRequest{StageID: f.draft.ID, Name: "x", Condition: json.RawMessage(`[1, 2]`)}},
		{"unknown event", AutomationRequest{StageID: f.draft.ID, Name: "x", Triggers: []TriggerInput{{Event: "pubDeleted"}}}},
		{"cascade without source", AutomationRequest{StageID: f.draft.ID, Name: "x", Triggers: []TriggerInput{{Event: models.EventActionFailed}}}},
		{"delay without duration", AutomationRequest{StageID: f.draft.ID, Name: "x", Triggers: []TriggerInput{{Event: models.EventPubInStageForDuration}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateAutomation(ctx, &tt.req)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}

	_, err := f.svc.CreateAutomation(ctx, &AutomationRequest{StageID: "nowhere", Name: "x"})
	assert.ErrorIs(t, err, ErrStageNotFound)

	var count int64
	f.db.Model(&models.Automation{}).Count(&count)
	assert.Zero(t, count)
}

func TestAutomationCRUD(t *testing.T) {
	f := newFixture(t, config.AutomationConfig{})
	ctx := context.Background()

	a := f.createAutomation(t, AutomationRequest{
		StageID:                   f.draft.ID,
		Name:                      "Notify",
		Condition:                 statusCondition("approved"),
		ConditionEvaluationTiming: models.TimingOnExecution,
		Actions: []ActionInstanceInput{
			{Action: "log", Name: "first", Config: map[string]interface{}{"text": "one"}},
			{Action: "log", Name: "second"},
		},
		Triggers: []TriggerInput{{Event: models.EventManual}, {Event: models.EventWebhook}},
	})
	assert.Equal(t, f.community.ID, a.CommunityID)

	got, err := f.svc.GetAutomation(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got.ActionInstances, 2)
	assert.Equal(t, "first", got.ActionInstances[0].Name)
	assert.Equal(t, "second", got.ActionInstances[1].Name)
	assert.Len(t, got.Triggers, 2)

	updated, err := f.svc.UpdateAutomation(ctx, a.ID, &AutomationRequest{
		StageID: f.review.ID,
		Name:    "Notify reviewers",
		Actions: []ActionInstanceInput{{Action: "log"}},
	})
	require.NoError(t, err)
	assert.Equal(t, f.review.ID, updated.StageID)
	assert.Len(t, updated.ActionInstances, 1)
	assert.Empty(t, updated.Triggers)

	list, err := f.svc.ListAutomations(ctx, f.review.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = f.svc.ListAutomations(ctx, f.draft.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, f.svc.DeleteAutomation(ctx, a.ID))
	assert.ErrorIs(t, f.svc.DeleteAutomation(ctx, a.ID), ErrAutomationNotFound)
	_, err = f.svc.GetAutomation(ctx, a.ID)
	assert.ErrorIs(t, err, ErrAutomationNotFound)

	var instances int64
	f.db.Model(&models.ActionInstance{}).Where("automation_id = ?", a.ID).Count(&instances)
	assert.Zero(t, instances)
}

func actionsHTTPStub() *fakeAdapter {
	return &fakeAdapter{name: "webhook", fields: []actions.Field{
		{Name: "url", Kind: actions.KindString, Required: true, Rules: "url"},
		{Name: "method", Kind: actions.KindString, Required: true, Rules: "oneof=GET POST"},
	}}
}

func TestValidateActionConfig_UsesCommunityDefaults(t *testing.T) {
	f := newFixture(t, config.AutomationConfig{}, actionsHTTPStub())
	ctx := context.Background()

	res, err := f.svc.ValidateActionConfig(ctx, f.community.ID, "webhook", map[string]interface{}{"method": "POST"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, actionconfig.CodeInvalidConfigWithDefaults, res.Error.Code)

	require.NoError(t, f.svc.SetActionDefaults(ctx, f.community.ID, "webhook", map[string]interface{}{"url": "https://example.org/hook"}))
	res, err = f.svc.ValidateActionConfig(ctx, f.community.ID, "webhook", map[string]interface{}{"method": "POST"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "https://example.org/hook", res.Config["url"])

	// templates are not checked until run time
	res, err = f.svc.ValidateActionConfig(ctx, f.community.ID, "webhook", map[string]interface{}{"method": "{{ json.method }}"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.ErrorIs(t, f.svc.SetActionDefaults(ctx, f.community.ID, "fax", nil), ErrInvalidDefinition)

	res, err = f.svc.ValidateActionConfig(ctx, "", "fax", nil)
	require.NoError(t, err)
	assert.Equal(t, actionconfig.CodeActionNotFound, res.Error.Code)
}

const importYAML = `
communities:
  - slug: press
    name: University Press
    defaults:
      log:
        text: default text
    stages:
      - name: Submitted
        automations:
          - name: Acknowledge
            actions:
              - action: log
            triggers:
              - event: pubEnteredStage
          - name: Escalate
            actions:
              - action: log
                config:
                  text: "{{ pub.title }} failed acknowledgement"
            triggers:
              - event: actionFailed
                source_automation: Acknowledge
      - name: Accepted
        automations:
          - name: Stale
            condition:
              type: AND
              items:
                - kind: condition
                  id: accepted
                  type: jsonata
                  expression: pub.values.status = "accepted"
            condition_evaluation_timing: both
            actions:
              - action: log
            triggers:
              - event: pubInStageForDuration
                config:
                  duration: 2
                  interval: week
    pubs:
      - title: A Study of Things
        stage: Submitted
        values:
          status: submitted
`

func TestImport_IsRepeatable(t *testing.T) {
	f := newFixture(t, config.AutomationConfig{})
	ctx := context.Background()

	defs, err := ParseDefinitions([]byte(importYAML))
	require.NoError(t, err)

	sum, err := f.svc.Import(ctx, defs)
	require.NoError(t, err)
	assert.Equal(t, ImportSummary{Communities: 1, Stages: 2, Automations: 3, Pubs: 1}, sum)

	_, err = f.svc.Import(ctx, defs)
	require.NoError(t, err)

	var community models.Community
	require.NoError(t, f.db.Where("slug = ?", "press").Take(&community).Error)
	var automations []models.Automation
	require.NoError(t, f.db.Where("community_id = ?", community.ID).Preload("Triggers").Find(&automations).Error)
	require.Len(t, automations, 3, "re-import replaces automations in place")

	byName := map[string]models.Automation{}
	for _, a := range automations {
		byName[a.Name] = a
	}
	escalate := byName["Escalate"]
	require.Len(t, escalate.Triggers, 1)
	require.NotNil(t, escalate.Triggers[0].SourceAutomationID)
	assert.Equal(t, byName["Acknowledge"].ID, *escalate.Triggers[0].SourceAutomationID)
	assert.Equal(t, models.TimingBoth, byName["Stale"].ConditionEvaluationTiming)
	assert.NotEmpty(t, byName["Stale"].Condition)

	var instances int64
	f.db.Model(&models.ActionInstance{}).Where("automation_id = ?", escalate.ID).Count(&instances)
	assert.Equal(t, int64(1), instances)

	defaults, err := f.data.ActionDefaults(ctx, community.ID)
	require.NoError(t, err)
	assert.Equal(t, "default text", defaults["log"]["text"])

	var pubs int64
	f.db.Model(&models.Pub{}).Where("community_id = ?", community.ID).Count(&pubs)
	assert.Equal(t, int64(2), pubs, "pubs are appended on every import")
}

func TestImport_RejectsUnknownReferences(t *testing.T) {
	f := newFixture(t, config.AutomationConfig{})
	ctx := context.Background()

	_, err := f.svc.Import(ctx, Definitions{Communities: []CommunityDefinition{{
		Slug:   "broken",
		Stages: []StageDefinition{{Name: "Only"}},
		Pubs:   []PubDefinition{{Title: "Lost", Stage: "Elsewhere"}},
	}}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = f.svc.Import(ctx, Definitions{Communities: []CommunityDefinition{{
		Slug: "broken",
		Stages: []StageDefinition{{Name: "Only", Automations: []AutomationDefinition{{
			Name:     "Follower",
			Actions:  []ActionInstanceInput{{Action: "log"}},
			Triggers: []TriggerDefinition{{Event: models.EventActionSucceeded, SourceAutomation: "Ghost"}},
		}}}},
	}}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	var count int64
	f.db.Model(&models.Community{}).Where("slug = ?", "broken").Count(&count)
	assert.Zero(t, count, "failed imports roll back")
}
