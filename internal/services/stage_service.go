package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pubflow/internal/actions"
	"pubflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// StageHooks receive pub stage transitions.
type StageHooks interface {
	HandlePubLeftStage(ctx context.Context, evt StageEvent) error
	HandlePubEnteredStage(ctx context.Context, evt StageEvent) error
}

// StageEvent is a pub entering or leaving a stage. Stack and ActionRunID are set
// when the move was made by an automation.
type StageEvent struct {
	PubID       string   `json:"pubId"`
	StageID     string   `json:"stageId"`
	ActionRunID string   `json:"actionRunId,omitempty"`
	Stack       []string `json:"stack,omitempty"`
}

// StageService loads the records automations read and moves pubs between stages.
type StageService struct {
	db     *gorm.DB
	logger *logrus.Logger
	hooks  StageHooks
}

func NewStageService(db *gorm.DB, logger *logrus.Logger) *StageService {
	if logger == nil {
		logger = logrus.New()
	}
	return &StageService{db: db, logger: logger}
}

// SetHooks 注入阶段进出回调（通常为 AutomationService）
func (s *StageService) SetHooks(h StageHooks) {
	s.hooks = h
}

func (s *StageService) GetCommunity(ctx context.Context, id string) (*models.Community, error) {
	var c models.Community
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ErrCommunityNotFound)
	}
	return &c, nil
}

func (s *StageService) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	var st models.Stage
	if err := s.db.WithContext(ctx).First(&st, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ErrStageNotFound)
	}
	return &st, nil
}

func (s *StageService) GetPub(ctx context.Context, id string) (*models.Pub, error) {
	var p models.Pub
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ErrPubNotFound)
	}
	return &p, nil
}

// GetAutomation loads an automation with its triggers and position-ordered action instances.
func (s *StageService) GetAutomation(ctx context.Context, id string) (*models.Automation, error) {
	var a models.Automation
	err := s.db.WithContext(ctx).
		Preload("ActionInstances", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, created_at ASC") }).
		Preload("Triggers").
		First(&a, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, ErrAutomationNotFound)
	}
	return &a, nil
}

// AutomationsForEvent returns the stage's automations that have a trigger for
// event. sourceAutomationID narrows action outcome triggers to one source.
func (s *StageService) AutomationsForEvent(ctx context.Context, stageID, event, sourceAutomationID string) ([]models.Automation, error) {
	q := s.db.WithContext(ctx).Model(&models.AutomationTrigger{}).
		Joins("JOIN automations ON automations.id = automation_triggers.automation_id").
		Where("automations.stage_id = ? AND automation_triggers.event = ?", stageID, event)
	if sourceAutomationID != "" {
		q = q.Where("automation_triggers.source_automation_id = ?", sourceAutomationID)
	}
	var ids []string
	if err := q.Distinct().Pluck("automation_triggers.automation_id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var out []models.Automation
	err := s.db.WithContext(ctx).
		Preload("ActionInstances", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, created_at ASC") }).
		Preload("Triggers").
		Where("id IN ?", ids).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// ActionDefaults returns the community's default config per action name.
func (s *StageService) ActionDefaults(ctx context.Context, communityID string) (map[string]map[string]interface{}, error) {
	var rows []models.ActionConfigDefault
	if err := s.db.WithContext(ctx).Where("community_id = ?", communityID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]map[string]interface{}, len(rows))
	for _, r := range rows {
		cfg, err := models.JSONMap(r.Config)
		if err != nil {
			s.logger.Warnf("stage: invalid default config for %s/%s: %v", communityID, r.Action, err)
			continue
		}
		out[r.Action] = cfg
	}
	return out, nil
}

// MovePub moves a pub to another stage of its community and fires the left and
// entered hooks. Moving to the current stage is a no-op.
func (s *StageService) MovePub(ctx context.Context, req actions.MoveRequest) error {
	pub, err := s.GetPub(ctx, req.PubID)
	if err != nil {
		return err
	}
	target, err := s.GetStage(ctx, req.StageID)
	if err != nil {
		return err
	}
	if target.CommunityID != pub.CommunityID {
		return fmt.Errorf("stage %s belongs to another community", target.ID)
	}
	var from string
	if pub.StageID != nil {
		from = *pub.StageID
	}
	if from == target.ID {
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&models.Pub{}).
		Where("id = ?", pub.ID).
		Update("stage_id", target.ID).Error; err != nil {
		return fmt.Errorf("move pub %s: %w", pub.ID, err)
	}
	s.logger.Infof("stage: pub %s moved %s -> %s", pub.ID, from, target.ID)

	if s.hooks == nil {
		return nil
	}
	evt := StageEvent{PubID: pub.ID, ActionRunID: req.ActionRunID, Stack: req.Stack}
	if from != "" {
		left := evt
		left.StageID = from
		if err := s.hooks.HandlePubLeftStage(ctx, left); err != nil {
			s.logger.Warnf("stage: left-stage hooks for pub %s failed: %v", pub.ID, err)
		}
	}
	entered := evt
	entered.StageID = target.ID
	if err := s.hooks.HandlePubEnteredStage(ctx, entered); err != nil {
		s.logger.Warnf("stage: entered-stage hooks for pub %s failed: %v", pub.ID, err)
	}
	return nil
}

// BuildContext assembles the evaluation context for conditions and templates:
// {pub, json, stage, community, automation}. JSON columns are decoded so the
// result is plain maps, slices and JSON scalars.
func BuildContext(automation *models.Automation, stage *models.Stage, community *models.Community, pub *models.Pub, input interface{}) map[string]interface{} {
	data := map[string]interface{}{}
	if automation != nil {
		data["automation"] = map[string]interface{}{
			"id":   automation.ID,
			"name": automation.Name,
		}
	}
	if stage != nil {
		data["stage"] = map[string]interface{}{
			"id":    stage.ID,
			"name":  stage.Name,
			"order": float64(stage.Order),
		}
	}
	if community != nil {
		data["community"] = map[string]interface{}{
			"id":   community.ID,
			"slug": community.Slug,
			"name": community.Name,
		}
	}
	if pub != nil {
		p := map[string]interface{}{
			"id":          pub.ID,
			"title":       pub.Title,
			"communityId": pub.CommunityID,
			"values":      pub.ValueMap(),
			"createdAt":   pub.CreatedAt.UTC().Format(time.RFC3339),
			"updatedAt":   pub.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if pub.StageID != nil {
			p["stageId"] = *pub.StageID
		}
		data["pub"] = p
	}
	if input != nil {
		data["json"] = input
	}
	return data
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
