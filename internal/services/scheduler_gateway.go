package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pubflow/internal/condition"
	"pubflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DelayedAutomationRequest schedules an automation to run after its trigger's delay.
type DelayedAutomationRequest struct {
	AutomationID          string
	StageID               string
	PubID                 string
	JSON                  interface{}
	Event                 string
	Config                map[string]interface{} // trigger config; the automation's own trigger config when nil
	Stack                 []string
	TriggeringActionRunID string
}

// ActionOutcomeEvent reports a completed action run to automations listening for it.
type ActionOutcomeEvent struct {
	AutomationID    string // the automation that ran the action
	AutomationRunID string
	ActionRunID     string
	StageID         string
	PubID           string
	JSON            interface{}
	Success         bool
	Stack           []string // includes AutomationRunID
}

// SchedulerGateway turns trigger events into jobs. It owns job keys, delay math
// and the placeholder rows of delayed runs.
type SchedulerGateway struct {
	data   *StageService
	ledger *RunLedger
	jobs   JobScheduler
	engine *condition.Engine
	logger *logrus.Logger
	now    func() time.Time
}

func NewSchedulerGateway(data *StageService, ledger *RunLedger, jobs JobScheduler, engine *condition.Engine, logger *logrus.Logger) *SchedulerGateway {
	if logger == nil {
		logger = logrus.New()
	}
	return &SchedulerGateway{data: data, ledger: ledger, jobs: jobs, engine: engine, logger: logger, now: time.Now}
}

// JobKey is the deterministic key of a delayed automation job.
func JobKey(event, stageID, automationID, pubID string) string {
	return strings.Join([]string{event, stageID, automationID, pubID}, ":")
}

// DelayUntil adds a trigger's {duration, interval} to now. Months and years are
// calendar based.
func DelayUntil(now time.Time, cfg map[string]interface{}) (time.Time, error) {
	raw, ok := cfg["duration"]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: duration missing", ErrTriggerNotConfigured)
	}
	var n int
	switch v := raw.(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid duration %v", v)
		}
		n = int(i)
	default:
		return time.Time{}, fmt.Errorf("invalid duration %v", raw)
	}
	if n < 0 {
		return time.Time{}, fmt.Errorf("negative duration %d", n)
	}
	interval, _ := cfg["interval"].(string)
	switch interval {
	case "minute", "":
		return now.Add(time.Duration(n) * time.Minute), nil
	case "hour":
		return now.Add(time.Duration(n) * time.Hour), nil
	case "day":
		return now.AddDate(0, 0, n), nil
	case "week":
		return now.AddDate(0, 0, 7*n), nil
	case "month":
		return now.AddDate(0, n, 0), nil
	case "year":
		return now.AddDate(n, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("unsupported interval %q", interval)
}

// ScheduleDelayedAutomation writes placeholder rows and schedules the run. It
// reports scheduled=false when the trigger-time condition check fails. A pending
// job for the same key is cancelled first.
func (g *SchedulerGateway) ScheduleDelayedAutomation(ctx context.Context, req DelayedAutomationRequest) (string, bool, error) {
	automation, err := g.data.GetAutomation(ctx, req.AutomationID)
	if err != nil {
		return "", false, err
	}
	if req.Event == "" {
		req.Event = models.EventPubInStageForDuration
	}
	if req.StageID == "" {
		req.StageID = automation.StageID
	}
	cfg := req.Config
	if cfg == nil {
		trig, ok := automation.TriggerFor(req.Event)
		if !ok {
			return "", false, fmt.Errorf("%w: %s", ErrTriggerNotConfigured, req.Event)
		}
		if cfg, err = models.JSONMap(trig.Config); err != nil {
			return "", false, fmt.Errorf("trigger config: %w", err)
		}
	}
	fireAt, err := DelayUntil(g.now(), cfg)
	if err != nil {
		return "", false, err
	}

	stage, err := g.data.GetStage(ctx, req.StageID)
	if err != nil {
		return "", false, err
	}
	var pub *models.Pub
	if req.PubID != "" {
		if pub, err = g.data.GetPub(ctx, req.PubID); err != nil {
			return "", false, err
		}
	}

	if automation.EvaluatesOnTrigger() && len(automation.Condition) > 0 {
		community, err := g.data.GetCommunity(ctx, automation.CommunityID)
		if err != nil {
			return "", false, err
		}
		block, err := condition.Parse(automation.Condition)
		if err != nil {
			g.logger.Warnf("scheduler: automation %s has an invalid condition: %v", automation.ID, err)
			return "", false, nil
		}
		res := g.engine.Evaluate(ctx, block, BuildContext(automation, stage, community, pub, req.JSON))
		if !res.Passed {
			g.logger.Infof("scheduler: %s not scheduled, condition failed: %s", automation.ID, strings.Join(res.Messages, "; "))
			return "", false, nil
		}
	}

	key := JobKey(req.Event, req.StageID, automation.ID, req.PubID)
	if err := g.cancelPending(ctx, key); err != nil {
		return "", false, err
	}

	runID := uuid.NewString()
	stack := append([]string(nil), req.Stack...)
	run := &models.AutomationRun{
		ID:            runID,
		AutomationID:  automation.ID,
		CommunityID:   automation.CommunityID,
		StageID:       req.StageID,
		InputJSON:     models.ToJSON(req.JSON),
		TriggerEvent:  req.Event,
		TriggerConfig: models.ToJSON(cfg),
		Stack:         models.ToJSON(stack),
		Status:        models.RunStatusScheduled,
	}
	if req.PubID != "" {
		run.InputPubID = &req.PubID
	}
	if len(stack) > 0 {
		run.SourceAutomationRunID = &stack[len(stack)-1]
	}
	if err := g.ledger.UpsertAutomationRun(ctx, run); err != nil {
		return "", false, err
	}
	if err := g.ledger.UpsertActionRuns(ctx, placeholderActionRuns(runID, automation.ActionInstances, req.TriggeringActionRunID)); err != nil {
		return "", false, err
	}

	payload, err := json.Marshal(RunAutomationRequest{
		AutomationID:             automation.ID,
		Trigger:                  Trigger{Event: req.Event, Config: cfg},
		PubID:                    req.PubID,
		JSON:                     req.JSON,
		Stack:                    stack,
		ScheduledAutomationRunID: runID,
		TriggeringActionRunID:    req.TriggeringActionRunID,
	})
	if err != nil {
		return "", false, err
	}
	jobID, err := g.jobs.Schedule(ctx, Job{Key: key, Kind: JobKindAutomation, Payload: payload, FireAt: fireAt})
	if err != nil {
		return "", false, err
	}
	g.logger.Infof("scheduler: automation %s scheduled for %s (run %s)", automation.ID, fireAt.Format(time.RFC3339), runID)
	return jobID, true, nil
}

// UnscheduleDelayedAutomation cancels the pending job for the key and fails its placeholder rows.
func (g *SchedulerGateway) UnscheduleDelayedAutomation(ctx context.Context, stageID, automationID, pubID, event string) error {
	return g.cancelPending(ctx, JobKey(event, stageID, automationID, pubID))
}

func (g *SchedulerGateway) cancelPending(ctx context.Context, key string) error {
	job, err := g.jobs.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if job == nil || job.Status != models.JobStatusPending {
		return nil
	}
	if err := g.jobs.Unschedule(ctx, key); err != nil {
		return err
	}
	var req RunAutomationRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		g.logger.Warnf("scheduler: job %s has an unreadable payload: %v", key, err)
		return nil
	}
	if req.ScheduledAutomationRunID == "" {
		return nil
	}
	g.logger.Infof("scheduler: cancelled %s (run %s)", key, req.ScheduledAutomationRunID)
	return g.ledger.CancelScheduledRun(ctx, req.ScheduledAutomationRunID)
}

// FireActionOutcome enqueues the automations in the stage that listen for the
// source automation's action outcome. Each triggering action run gets its own job.
func (g *SchedulerGateway) FireActionOutcome(ctx context.Context, evt ActionOutcomeEvent) error {
	event := models.EventActionFailed
	if evt.Success {
		event = models.EventActionSucceeded
	}
	targets, err := g.data.AutomationsForEvent(ctx, evt.StageID, event, evt.AutomationID)
	if err != nil {
		return err
	}
	var errs []error
	for i := range targets {
		target := &targets[i]
		trig, _ := target.TriggerFor(event)
		var cfg map[string]interface{}
		if trig != nil {
			cfg, _ = models.JSONMap(trig.Config)
		}
		req := RunAutomationRequest{
			AutomationID:          target.ID,
			Trigger:               Trigger{Event: event, Config: cfg},
			PubID:                 evt.PubID,
			JSON:                  evt.JSON,
			Stack:                 evt.Stack,
			TriggeringActionRunID: evt.ActionRunID,
		}
		key := JobKey(event, evt.StageID, target.ID, evt.PubID) + ":" + evt.ActionRunID
		if err := g.Enqueue(ctx, key, req); err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", target.ID, err))
			continue
		}
		g.logger.Debugf("scheduler: %s queued %s after action run %s", event, target.ID, evt.ActionRunID)
	}
	return errors.Join(errs...)
}

// Enqueue schedules an automation run to fire on the next sweep. The run id is
// derived from key unless the request already carries one.
func (g *SchedulerGateway) Enqueue(ctx context.Context, key string, req RunAutomationRequest) error {
	if req.ScheduledAutomationRunID == "" {
		req.ScheduledAutomationRunID = models.QueuedRunID(key)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = g.jobs.Schedule(ctx, Job{Key: key, Kind: JobKindAutomation, Payload: payload, FireAt: g.now()})
	return err
}

func placeholderActionRuns(runID string, instances []models.ActionInstance, triggeringActionRunID string) []models.ActionRun {
	runs := make([]models.ActionRun, 0, len(instances))
	for _, inst := range instances {
		ar := models.ActionRun{
			ID:               models.ActionRunID(runID, inst.ID),
			AutomationRunID:  runID,
			ActionInstanceID: inst.ID,
			Action:           inst.Action,
			Config:           inst.Config,
			Status:           models.RunStatusScheduled,
		}
		if triggeringActionRunID != "" {
			id := triggeringActionRunID
			ar.TriggeringActionRunID = &id
		}
		runs = append(runs, ar)
	}
	return runs
}
