package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pubflow/internal/actionconfig"
	"pubflow/internal/actions"
	"pubflow/internal/condition"
	"pubflow/internal/config"
	"pubflow/internal/expr"
	"pubflow/internal/metrics"
	"pubflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Trigger is the event that started a run and its trigger config.
type Trigger struct {
	Event  string                 `json:"event"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// RunAutomationRequest is the input of RunAutomation. It is also the payload of
// automation jobs.
type RunAutomationRequest struct {
	AutomationID string      `json:"automationId"`
	Trigger      Trigger     `json:"trigger"`
	PubID        string      `json:"pubId,omitempty"`
	JSON         interface{} `json:"json,omitempty"`
	// Stack lists the automation runs that led here, oldest first.
	Stack                    []string                          `json:"stack,omitempty"`
	ScheduledAutomationRunID string                            `json:"scheduledAutomationRunId,omitempty"`
	TriggeringActionRunID    string                            `json:"triggeringActionRunId,omitempty"`
	Overrides                map[string]map[string]interface{} `json:"overrides,omitempty"`
}

// AutomationService runs automations: condition check, action fan-out, run
// persistence and cascades.
type AutomationService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	registry  *actions.Registry
	evaluator expr.Evaluator
	engine    *condition.Engine
	data      *StageService
	ledger    *RunLedger
	gateway   *SchedulerGateway
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	maxStackDepth int
	actionTimeout time.Duration
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, registry *actions.Registry, evaluator expr.Evaluator, data *StageService, ledger *RunLedger, cfg config.AutomationConfig) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxStackDepth <= 0 {
		cfg.MaxStackDepth = models.MaxStackDepth
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 60 * time.Second
	}
	return &AutomationService{
		db:            db,
		logger:        logger,
		registry:      registry,
		evaluator:     evaluator,
		engine:        condition.NewEngine(evaluator),
		data:          data,
		ledger:        ledger,
		tracer:        otel.Tracer("pubflow.automation"),
		maxStackDepth: cfg.MaxStackDepth,
		actionTimeout: cfg.ActionTimeout,
	}
}

// SetScheduler 注入调度网关（级联与延迟触发）
func (s *AutomationService) SetScheduler(g *SchedulerGateway) { s.gateway = g }

// SetMetrics 注入指标
func (s *AutomationService) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Engine exposes the condition engine shared with the scheduler gateway.
func (s *AutomationService) Engine() *condition.Engine { return s.engine }

// RunAutomation executes one automation run. Errors are returned only when the
// run cannot start (stack overflow, missing records) or the ledger cannot be
// written; action failures are recorded on the run.
func (s *AutomationService) RunAutomation(ctx context.Context, req RunAutomationRequest) (*models.AutomationRun, error) {
	if len(req.Stack) > s.maxStackDepth {
		return nil, fmt.Errorf("%w: %d runs deep (max %d), stack %s",
			ErrStackDepthExceeded, len(req.Stack), s.maxStackDepth, strings.Join(req.Stack, " > "))
	}

	ctx, span := s.tracer.Start(ctx, "automation.run", trace.WithAttributes(
		attribute.String("automation.id", req.AutomationID),
		attribute.String("automation.event", req.Trigger.Event),
		attribute.Int("automation.stack_depth", len(req.Stack)),
	))
	defer span.End()

	run, err := s.runAutomation(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("automation.run_id", run.ID), attribute.String("automation.status", run.Status))
	return run, nil
}

func (s *AutomationService) runAutomation(ctx context.Context, req RunAutomationRequest) (*models.AutomationRun, error) {
	automation, err := s.data.GetAutomation(ctx, req.AutomationID)
	if err != nil {
		return nil, err
	}
	stage, err := s.data.GetStage(ctx, automation.StageID)
	if err != nil {
		return nil, err
	}
	community, err := s.data.GetCommunity(ctx, automation.CommunityID)
	if err != nil {
		return nil, err
	}
	var pub *models.Pub
	if req.PubID != "" {
		if pub, err = s.data.GetPub(ctx, req.PubID); err != nil {
			return nil, err
		}
	}
	for instanceID := range req.Overrides {
		if !hasInstance(automation.ActionInstances, instanceID) {
			return nil, fmt.Errorf("%w: %s", ErrActionInstanceNotFound, instanceID)
		}
	}

	runID := req.ScheduledAutomationRunID
	if runID == "" {
		runID = uuid.NewString()
	}
	stack := append([]string(nil), req.Stack...)
	childStack := append(append([]string(nil), stack...), runID)
	data := BuildContext(automation, stage, community, pub, req.JSON)

	run := &models.AutomationRun{
		ID:            runID,
		AutomationID:  automation.ID,
		CommunityID:   community.ID,
		StageID:       stage.ID,
		InputJSON:     models.ToJSON(req.JSON),
		TriggerEvent:  req.Trigger.Event,
		TriggerConfig: models.ToJSON(req.Trigger.Config),
		Stack:         models.ToJSON(stack),
		Status:        models.RunStatusScheduled,
	}
	if pub != nil {
		run.InputPubID = &pub.ID
	}
	if len(stack) > 0 {
		run.SourceAutomationRunID = &stack[len(stack)-1]
	}
	if err := s.ledger.UpsertAutomationRun(ctx, run); err != nil {
		return nil, err
	}

	placeholders := placeholderActionRuns(runID, automation.ActionInstances, req.TriggeringActionRunID)

	if automation.EvaluatesOnExecution() && len(automation.Condition) > 0 {
		if res, ok := s.checkCondition(ctx, automation, data); !ok {
			return s.failOnCondition(ctx, runID, placeholders, res)
		}
	}

	if err := s.ledger.UpsertActionRuns(ctx, placeholders); err != nil {
		return nil, err
	}

	defaults, err := s.data.ActionDefaults(ctx, community.ID)
	if err != nil {
		s.logger.Warnf("automation: load action defaults for %s failed: %v", community.ID, err)
		defaults = nil
	}

	results := make([]models.ActionRun, len(automation.ActionInstances))
	var wg sync.WaitGroup
	for i := range automation.ActionInstances {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.executeAction(ctx, actionJob{
				automation: automation,
				instance:   &automation.ActionInstances[i],
				run:        placeholders[i],
				defaults:   defaults[automation.ActionInstances[i].Action],
				overrides:  req.Overrides[automation.ActionInstances[i].ID],
				pubID:      req.PubID,
				stack:      childStack,
				data:       data,
			})
		}(i)
	}
	wg.Wait()

	// Outcomes must be durable even if the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.ledger.UpsertActionRuns(persistCtx, results); err != nil {
		return nil, err
	}

	status := models.RunStatusSuccess
	var failures []string
	for _, r := range results {
		if r.Status != models.RunStatusSuccess {
			status = models.RunStatusFailure
			failures = append(failures, fmt.Sprintf("%s: %s", r.Action, resultError(r.Result)))
		}
	}
	summary := map[string]interface{}{"success": status == models.RunStatusSuccess}
	if len(failures) > 0 {
		summary["error"] = strings.Join(failures, "; ")
	}
	final, err := s.ledger.CompleteAutomationRun(persistCtx, runID, status, summary)
	if err != nil {
		return nil, err
	}
	final.ActionRuns = results

	s.logger.WithFields(logrus.Fields{
		"automation": automation.ID,
		"run":        runID,
		"status":     status,
		"actions":    len(results),
	}).Info("automation run finished")

	s.cascade(persistCtx, automation, stage.ID, req, results, childStack)
	return final, nil
}

func (s *AutomationService) checkCondition(ctx context.Context, automation *models.Automation, data map[string]interface{}) (condition.Result, bool) {
	block, err := condition.Parse(automation.Condition)
	if err != nil {
		res := condition.Result{
			Errored:  true,
			Failure:  &condition.Evaluation{Kind: condition.KindBlock, Reason: fmt.Sprintf("invalid condition: %v", err)},
			Messages: []string{fmt.Sprintf("invalid condition: %v", err)},
		}
		s.metrics.RecordCondition(false, true)
		return res, false
	}
	res := s.engine.Evaluate(ctx, block, data)
	s.metrics.RecordCondition(res.Passed, res.Errored)
	return res, res.Passed
}

// failOnCondition records a run whose execution-time condition did not pass.
// No adapter runs; every action run carries the failure reason.
func (s *AutomationService) failOnCondition(ctx context.Context, runID string, placeholders []models.ActionRun, res condition.Result) (*models.AutomationRun, error) {
	msg := "Automation condition not met"
	if res.Errored {
		msg = "Error evaluating automation condition"
	}
	result := map[string]interface{}{
		"success":       false,
		"error":         msg,
		"failureReason": res.Failure,
		"flatMessages":  res.Messages,
	}
	for i := range placeholders {
		placeholders[i].Status = models.RunStatusFailure
		placeholders[i].Result = models.ToJSON(result)
	}
	if err := s.ledger.UpsertActionRuns(ctx, placeholders); err != nil {
		return nil, err
	}
	final, err := s.ledger.CompleteAutomationRun(ctx, runID, models.RunStatusFailure, result)
	if err != nil {
		return nil, err
	}
	final.ActionRuns = placeholders
	s.logger.Infof("automation: run %s skipped, %s: %s", runID, msg, strings.Join(res.Messages, "; "))
	return final, nil
}

type actionJob struct {
	automation *models.Automation
	instance   *models.ActionInstance
	run        models.ActionRun
	defaults   map[string]interface{}
	overrides  map[string]interface{}
	pubID      string
	stack      []string
	data       map[string]interface{}
}

// executeAction resolves one instance's config and runs its adapter. It never
// panics and never returns without a terminal status.
func (s *AutomationService) executeAction(ctx context.Context, job actionJob) (out models.ActionRun) {
	inst := job.instance
	out = job.run
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "automation.action", trace.WithAttributes(
		attribute.String("action.name", inst.Action),
		attribute.String("action.instance_id", inst.ID),
		attribute.String("action.run_id", out.ID),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Errorf("automation: action %s (%s) panicked: %v", inst.Action, inst.ID, rec)
			out.Status = models.RunStatusFailure
			out.Result = models.ToJSON(actions.Failed("Action panicked", fmt.Errorf("%v", rec)))
			span.SetStatus(codes.Error, "panic")
		}
		s.metrics.ObserveAction(inst.Action, time.Since(start))
	}()

	instanceConfig, err := models.JSONMap(inst.Config)
	if err != nil {
		out.Status = models.RunStatusFailure
		out.Result = models.ToJSON(actions.Failed("Invalid action config", err))
		return out
	}

	idata := make(map[string]interface{}, len(job.data)+2)
	for k, v := range job.data {
		idata[k] = v
	}
	idata["action"] = map[string]interface{}{
		"id":     inst.ID,
		"name":   inst.Name,
		"action": inst.Action,
		"config": instanceConfig,
	}
	idata["run"] = map[string]interface{}{"id": out.AutomationRunID}

	layers := actionconfig.Layers{
		Defaults:  job.defaults,
		Config:    instanceConfig,
		Overrides: job.overrides,
	}
	resolved := actionconfig.Resolve(ctx, s.registry, s.evaluator, inst.Action, layers, idata)
	out.Config = models.ToJSON(resolved.Config)
	if !resolved.Success {
		// keep the input that failed to resolve
		out.Config = models.ToJSON(layers.Merged())
		out.Status = models.RunStatusFailure
		out.Result = models.ToJSON(map[string]interface{}{
			"success": false,
			"title":   "Invalid action configuration",
			"error":   resolved.Error.Message,
			"cause":   resolved.Error,
		})
		span.SetStatus(codes.Error, string(resolved.Error.Code))
		return out
	}

	adapter := s.registry.MustGet(inst.Action)
	result, err := s.runAdapter(ctx, adapter, resolved.Config, actions.RunContext{
		AutomationID:    job.automation.ID,
		AutomationRunID: out.AutomationRunID,
		ActionRunID:     out.ID,
		ActionInstance:  inst.ID,
		CommunityID:     job.automation.CommunityID,
		StageID:         job.automation.StageID,
		PubID:           job.pubID,
		Stack:           job.stack,
		Data:            idata,
	})
	switch {
	case err != nil:
		out.Status = models.RunStatusFailure
		out.Result = models.ToJSON(actions.Failed("Action failed", err))
		span.RecordError(err)
	case result == nil:
		out.Status = models.RunStatusFailure
		out.Result = models.ToJSON(actions.Failed("Action returned no result", nil))
	case result.Success:
		out.Status = models.RunStatusSuccess
		out.Result = models.ToJSON(result)
	default:
		out.Status = models.RunStatusFailure
		out.Result = models.ToJSON(result)
	}
	span.SetAttributes(attribute.String("action.status", out.Status))
	return out
}

// runAdapter bounds an adapter call by the action timeout even when the adapter
// ignores its context. The goroutine of an abandoned call is left to finish.
func (s *AutomationService) runAdapter(ctx context.Context, adapter actions.Adapter, cfg map[string]interface{}, rc actions.RunContext) (*actions.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()

	type outcome struct {
		result *actions.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		r, err := adapter.Run(ctx, cfg, rc)
		done <- outcome{result: r, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("action timed out after %s", s.actionTimeout)
		}
		return nil, ctx.Err()
	}
}

// cascade hands every action outcome to the scheduler gateway. Failures are
// logged; the run itself is already recorded.
func (s *AutomationService) cascade(ctx context.Context, automation *models.Automation, stageID string, req RunAutomationRequest, results []models.ActionRun, stack []string) {
	if s.gateway == nil {
		return
	}
	for _, r := range results {
		err := s.gateway.FireActionOutcome(ctx, ActionOutcomeEvent{
			AutomationID:    automation.ID,
			AutomationRunID: r.AutomationRunID,
			ActionRunID:     r.ID,
			StageID:         stageID,
			PubID:           req.PubID,
			JSON:            req.JSON,
			Success:         r.Status == models.RunStatusSuccess,
			Stack:           stack,
		})
		if err != nil {
			s.logger.Warnf("automation: cascade from action run %s failed: %v", r.ID, err)
		}
	}
}

// RunManual runs an automation on demand.
func (s *AutomationService) RunManual(ctx context.Context, automationID, pubID string, input interface{}, overrides map[string]map[string]interface{}) (*models.AutomationRun, error) {
	return s.RunAutomation(ctx, RunAutomationRequest{
		AutomationID: automationID,
		Trigger:      Trigger{Event: models.EventManual},
		PubID:        pubID,
		JSON:         input,
		Overrides:    overrides,
	})
}

// RunWebhook runs an automation that has a webhook trigger, with payload as its JSON input.
func (s *AutomationService) RunWebhook(ctx context.Context, automationID string, payload interface{}) (*models.AutomationRun, error) {
	automation, err := s.data.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, err
	}
	trig, ok := automation.TriggerFor(models.EventWebhook)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTriggerNotConfigured, models.EventWebhook)
	}
	cfg, _ := models.JSONMap(trig.Config)
	return s.RunAutomation(ctx, RunAutomationRequest{
		AutomationID: automationID,
		Trigger:      Trigger{Event: models.EventWebhook, Config: cfg},
		JSON:         payload,
	})
}

// HandlePubEnteredStage queues the stage's pubEnteredStage automations and
// schedules its pubInStageForDuration automations.
func (s *AutomationService) HandlePubEnteredStage(ctx context.Context, evt StageEvent) error {
	if len(evt.Stack) > s.maxStackDepth {
		return fmt.Errorf("%w: stage entry of pub %s", ErrStackDepthExceeded, evt.PubID)
	}
	if s.gateway == nil {
		return errors.New("automation: scheduler not configured")
	}
	var errs []error
	entered, err := s.data.AutomationsForEvent(ctx, evt.StageID, models.EventPubEnteredStage, "")
	if err != nil {
		return err
	}
	for _, a := range entered {
		trig, _ := a.TriggerFor(models.EventPubEnteredStage)
		cfg, _ := models.JSONMap(trig.Config)
		err := s.gateway.Enqueue(ctx, immediateKey(models.EventPubEnteredStage, evt, a.ID), RunAutomationRequest{
			AutomationID:          a.ID,
			Trigger:               Trigger{Event: models.EventPubEnteredStage, Config: cfg},
			PubID:                 evt.PubID,
			Stack:                 evt.Stack,
			TriggeringActionRunID: evt.ActionRunID,
		})
		errs = append(errs, err)
	}

	delayed, err := s.data.AutomationsForEvent(ctx, evt.StageID, models.EventPubInStageForDuration, "")
	if err != nil {
		return err
	}
	for _, a := range delayed {
		_, _, err := s.gateway.ScheduleDelayedAutomation(ctx, DelayedAutomationRequest{
			AutomationID:          a.ID,
			StageID:               evt.StageID,
			PubID:                 evt.PubID,
			Event:                 models.EventPubInStageForDuration,
			Stack:                 evt.Stack,
			TriggeringActionRunID: evt.ActionRunID,
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HandlePubLeftStage cancels the pub's pending pubInStageForDuration runs in the
// stage and queues the stage's pubLeftStage automations.
func (s *AutomationService) HandlePubLeftStage(ctx context.Context, evt StageEvent) error {
	if s.gateway == nil {
		return errors.New("automation: scheduler not configured")
	}
	var errs []error
	delayed, err := s.data.AutomationsForEvent(ctx, evt.StageID, models.EventPubInStageForDuration, "")
	if err != nil {
		return err
	}
	for _, a := range delayed {
		errs = append(errs, s.gateway.UnscheduleDelayedAutomation(ctx, evt.StageID, a.ID, evt.PubID, models.EventPubInStageForDuration))
	}

	if len(evt.Stack) > s.maxStackDepth {
		return errors.Join(append(errs, fmt.Errorf("%w: stage exit of pub %s", ErrStackDepthExceeded, evt.PubID))...)
	}
	left, err := s.data.AutomationsForEvent(ctx, evt.StageID, models.EventPubLeftStage, "")
	if err != nil {
		return err
	}
	for _, a := range left {
		trig, _ := a.TriggerFor(models.EventPubLeftStage)
		cfg, _ := models.JSONMap(trig.Config)
		errs = append(errs, s.gateway.Enqueue(ctx, immediateKey(models.EventPubLeftStage, evt, a.ID), RunAutomationRequest{
			AutomationID:          a.ID,
			Trigger:               Trigger{Event: models.EventPubLeftStage, Config: cfg},
			PubID:                 evt.PubID,
			Stack:                 evt.Stack,
			TriggeringActionRunID: evt.ActionRunID,
		}))
	}
	return errors.Join(errs...)
}

// Dispatch runs a job handed over by the job runner.
func (s *AutomationService) Dispatch(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobKindAutomation:
		var req RunAutomationRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return Permanent(fmt.Errorf("decode job %s: %w", job.Key, err))
		}
		_, err := s.RunAutomation(ctx, req)
		if IsFatal(err) {
			if req.ScheduledAutomationRunID != "" {
				s.failScheduled(ctx, req.ScheduledAutomationRunID, err)
			}
			return Permanent(err)
		}
		return err
	default:
		return Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

// failScheduled closes the placeholder rows of a delayed run that could not start.
func (s *AutomationService) failScheduled(ctx context.Context, runID string, cause error) {
	result := map[string]interface{}{"success": false, "error": cause.Error()}
	if err := s.db.WithContext(ctx).Model(&models.ActionRun{}).
		Where("automation_run_id = ? AND status = ?", runID, models.RunStatusScheduled).
		Updates(map[string]interface{}{"status": models.RunStatusFailure, "result": models.ToJSON(result)}).Error; err != nil {
		s.logger.Warnf("automation: fail placeholder actions of %s: %v", runID, err)
	}
	if _, err := s.ledger.CompleteAutomationRun(ctx, runID, models.RunStatusFailure, result); err != nil && !errors.Is(err, ErrRunNotFound) {
		s.logger.Warnf("automation: fail placeholder run %s: %v", runID, err)
	}
}

// immediateKey keys non-delayed stage jobs. Moves made by an action are keyed by
// the action run so a re-fired run does not queue twice.
func immediateKey(event string, evt StageEvent, automationID string) string {
	suffix := evt.ActionRunID
	if suffix == "" {
		suffix = uuid.NewString()
	}
	return JobKey(event, evt.StageID, automationID, evt.PubID) + ":" + suffix
}

func hasInstance(instances []models.ActionInstance, id string) bool {
	for _, inst := range instances {
		if inst.ID == id {
			return true
		}
	}
	return false
}

func resultError(raw []byte) string {
	var r struct {
		Error string `json:"error"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return "unknown error"
	}
	if r.Error != "" {
		return r.Error
	}
	if r.Title != "" {
		return r.Title
	}
	return "failed"
}
