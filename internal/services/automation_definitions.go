package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pubflow/internal/actionconfig"
	"pubflow/internal/condition"
	"pubflow/internal/models"

	"gorm.io/gorm"
)

// ActionInstanceInput describes one action of an automation.
type ActionInstanceInput struct {
	Action string                 `json:"action" yaml:"action" binding:"required"`
	Name   string                 `json:"name" yaml:"name"`
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// TriggerInput describes one trigger of an automation.
type TriggerInput struct {
	Event              string                 `json:"event" yaml:"event" binding:"required"`
	Config             map[string]interface{} `json:"config,omitempty" yaml:"config"`
	SourceAutomationID string                 `json:"source_automation_id,omitempty" yaml:"source_automation_id"`
}

// AutomationRequest 创建/更新自动化的请求
type AutomationRequest struct {
	StageID                   string                `json:"stage_id" binding:"required"`
	Name                      string                `json:"name" binding:"required"`
	Condition                 json.RawMessage       `json:"condition,omitempty"`
	ConditionEvaluationTiming string                `json:"condition_evaluation_timing"`
	Actions                   []ActionInstanceInput `json:"actions"`
	Triggers                  []TriggerInput        `json:"triggers"`
}

// ListAutomations 返回阶段下的自动化；stageID 为空时返回全部
func (s *AutomationService) ListAutomations(ctx context.Context, stageID string) ([]models.Automation, error) {
	q := s.db.WithContext(ctx).
		Preload("ActionInstances", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Triggers").
		Order("created_at ASC")
	if stageID != "" {
		q = q.Where("stage_id = ?", stageID)
	}
	var out []models.Automation
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// GetAutomation 获取单个自动化
func (s *AutomationService) GetAutomation(ctx context.Context, id string) (*models.Automation, error) {
	return s.data.GetAutomation(ctx, id)
}

// CreateAutomation 新建自动化及其动作实例和触发器
func (s *AutomationService) CreateAutomation(ctx context.Context, req *AutomationRequest) (*models.Automation, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidDefinition)
	}
	stage, err := s.data.GetStage(ctx, req.StageID)
	if err != nil {
		return nil, err
	}
	automation := &models.Automation{CommunityID: stage.CommunityID, StageID: stage.ID}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.writeAutomation(tx, automation, req)
	}); err != nil {
		return nil, err
	}
	return s.data.GetAutomation(ctx, automation.ID)
}

// UpdateAutomation replaces an automation's definition. Action instances and
// triggers are recreated; past runs keep pointing at the old instance ids.
func (s *AutomationService) UpdateAutomation(ctx context.Context, id string, req *AutomationRequest) (*models.Automation, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidDefinition)
	}
	automation, err := s.data.GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.StageID != automation.StageID {
		stage, err := s.data.GetStage(ctx, req.StageID)
		if err != nil {
			return nil, err
		}
		if stage.CommunityID != automation.CommunityID {
			return nil, fmt.Errorf("%w: stage %s belongs to another community", ErrInvalidDefinition, stage.ID)
		}
		automation.StageID = stage.ID
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("automation_id = ?", id).Delete(&models.ActionInstance{}).Error; err != nil {
			return err
		}
		if err := tx.Where("automation_id = ?", id).Delete(&models.AutomationTrigger{}).Error; err != nil {
			return err
		}
		automation.ActionInstances = nil
		automation.Triggers = nil
		return s.writeAutomation(tx, automation, req)
	})
	if err != nil {
		return nil, err
	}
	return s.data.GetAutomation(ctx, id)
}

// DeleteAutomation 删除自动化（动作实例与触发器级联删除）
func (s *AutomationService) DeleteAutomation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("automation_id = ?", id).Delete(&models.ActionInstance{}).Error; err != nil {
			return err
		}
		if err := tx.Where("automation_id = ?", id).Delete(&models.AutomationTrigger{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Automation{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAutomationNotFound
		}
		return nil
	})
}

// ValidateActionConfig checks a config against an action's schema with the
// community's defaults filling omitted fields. Templates are accepted as-is.
func (s *AutomationService) ValidateActionConfig(ctx context.Context, communityID, action string, cfg map[string]interface{}) (actionconfig.Result, error) {
	defaults := map[string]interface{}{}
	if communityID != "" {
		all, err := s.data.ActionDefaults(ctx, communityID)
		if err != nil {
			return actionconfig.Result{}, err
		}
		if d, ok := all[action]; ok {
			defaults = d
		}
	}
	return actionconfig.New(s.registry, action).
		WithDefaults(defaults).
		WithConfig(cfg).
		ValidateWithDefaults().
		Result(), nil
}

// SetActionDefaults upserts a community's default config for an action.
func (s *AutomationService) SetActionDefaults(ctx context.Context, communityID, action string, cfg map[string]interface{}) error {
	if _, ok := s.registry.Get(action); !ok {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidDefinition, action)
	}
	return setActionDefaults(s.db.WithContext(ctx), communityID, action, cfg)
}

func setActionDefaults(tx *gorm.DB, communityID, action string, cfg map[string]interface{}) error {
	var row models.ActionConfigDefault
	err := tx.Where("community_id = ? AND action = ?", communityID, action).Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return tx.Create(&models.ActionConfigDefault{CommunityID: communityID, Action: action, Config: models.ToJSON(cfg)}).Error
	case err != nil:
		return err
	}
	return tx.Model(&row).Update("config", models.ToJSON(cfg)).Error
}

// writeAutomation validates req and saves automation with its children inside tx.
func (s *AutomationService) writeAutomation(tx *gorm.DB, automation *models.Automation, req *AutomationRequest) error {
	if err := s.validateRequest(req); err != nil {
		return err
	}
	automation.Name = req.Name
	automation.ConditionEvaluationTiming = req.ConditionEvaluationTiming
	automation.Condition = nil
	if len(req.Condition) > 0 && string(req.Condition) != "null" {
		automation.Condition = models.ToJSON(req.Condition)
	}
	if err := tx.Omit("ActionInstances", "Triggers").Save(automation).Error; err != nil {
		return err
	}
	for i, a := range req.Actions {
		inst := &models.ActionInstance{
			AutomationID: automation.ID,
			StageID:      automation.StageID,
			Action:       a.Action,
			Name:         a.Name,
			Config:       models.ToJSON(nonNilMap(a.Config)),
			Position:     i,
		}
		if err := tx.Create(inst).Error; err != nil {
			return err
		}
	}
	for _, t := range req.Triggers {
		trig := &models.AutomationTrigger{
			AutomationID: automation.ID,
			Event:        t.Event,
			Config:       models.ToJSON(t.Config),
		}
		if t.SourceAutomationID != "" {
			src := t.SourceAutomationID
			trig.SourceAutomationID = &src
		}
		if err := tx.Create(trig).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *AutomationService) validateRequest(req *AutomationRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidDefinition)
	}
	switch req.ConditionEvaluationTiming {
	case models.TimingNone, models.TimingOnTrigger, models.TimingOnExecution, models.TimingBoth:
	default:
		return fmt.Errorf("%w: unsupported condition timing %q", ErrInvalidDefinition, req.ConditionEvaluationTiming)
	}
	if len(req.Condition) > 0 && string(req.Condition) != "null" {
		if _, err := condition.Parse(req.Condition); err != nil {
			return fmt.Errorf("%w: condition: %v", ErrInvalidDefinition, err)
		}
	}
	for _, a := range req.Actions {
		if _, ok := s.registry.Get(a.Action); !ok {
			return fmt.Errorf("%w: unknown action %q", ErrInvalidDefinition, a.Action)
		}
	}
	for _, t := range req.Triggers {
		if !models.IsSupportedEvent(t.Event) {
			return fmt.Errorf("%w: unsupported event %q", ErrInvalidDefinition, t.Event)
		}
		switch t.Event {
		case models.EventActionSucceeded, models.EventActionFailed:
			if t.SourceAutomationID == "" {
				return fmt.Errorf("%w: %s trigger needs source_automation_id", ErrInvalidDefinition, t.Event)
			}
		case models.EventPubInStageForDuration:
			if _, err := DelayUntil(time.Now(), t.Config); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
			}
		}
	}
	return nil
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
