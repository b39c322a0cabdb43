package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pubflow/internal/models"

	"gorm.io/gorm"
	"gopkg.in/yaml.v3"
)

// Definitions is a declarative bundle of communities, stages, automations and pubs.
type Definitions struct {
	Communities []CommunityDefinition `json:"communities" yaml:"communities"`
}

type CommunityDefinition struct {
	Slug     string                            `json:"slug" yaml:"slug"`
	Name     string                            `json:"name" yaml:"name"`
	Defaults map[string]map[string]interface{} `json:"defaults,omitempty" yaml:"defaults"`
	Stages   []StageDefinition                 `json:"stages" yaml:"stages"`
	Pubs     []PubDefinition                   `json:"pubs,omitempty" yaml:"pubs"`
}

type StageDefinition struct {
	Name        string                 `json:"name" yaml:"name"`
	Automations []AutomationDefinition `json:"automations,omitempty" yaml:"automations"`
}

// AutomationDefinition refers to other automations by name within its community.
type AutomationDefinition struct {
	Name                      string                `json:"name" yaml:"name"`
	Condition                 interface{}           `json:"condition,omitempty" yaml:"condition"`
	ConditionEvaluationTiming string                `json:"condition_evaluation_timing,omitempty" yaml:"condition_evaluation_timing"`
	Actions                   []ActionInstanceInput `json:"actions" yaml:"actions"`
	Triggers                  []TriggerDefinition   `json:"triggers" yaml:"triggers"`
}

type TriggerDefinition struct {
	Event            string                 `json:"event" yaml:"event"`
	Config           map[string]interface{} `json:"config,omitempty" yaml:"config"`
	SourceAutomation string                 `json:"source_automation,omitempty" yaml:"source_automation"`
}

type PubDefinition struct {
	Title  string                 `json:"title" yaml:"title"`
	Stage  string                 `json:"stage" yaml:"stage"`
	Values map[string]interface{} `json:"values,omitempty" yaml:"values"`
}

// ParseDefinitions decodes a YAML (or JSON) definitions document.
func ParseDefinitions(data []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return defs, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return defs, nil
}

// ImportSummary counts the records an import wrote.
type ImportSummary struct {
	Communities int `json:"communities"`
	Stages      int `json:"stages"`
	Automations int `json:"automations"`
	Pubs        int `json:"pubs"`
}

// Import writes defs in one transaction. Communities match by slug, stages by
// name and automations by stage and name; matched automations are replaced.
// Pubs are always created and do not fire stage hooks.
func (s *AutomationService) Import(ctx context.Context, defs Definitions) (ImportSummary, error) {
	var sum ImportSummary
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, cd := range defs.Communities {
			if err := s.importCommunity(tx, cd, &sum); err != nil {
				return fmt.Errorf("community %q: %w", cd.Slug, err)
			}
		}
		return nil
	})
	return sum, err
}

func (s *AutomationService) importCommunity(tx *gorm.DB, cd CommunityDefinition, sum *ImportSummary) error {
	if cd.Slug == "" {
		return fmt.Errorf("%w: community slug required", ErrInvalidDefinition)
	}
	var community models.Community
	err := tx.Where("slug = ?", cd.Slug).Take(&community).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		community = models.Community{Slug: cd.Slug, Name: cd.Name}
		if community.Name == "" {
			community.Name = cd.Slug
		}
		if err := tx.Create(&community).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	}
	sum.Communities++

	for action, cfg := range cd.Defaults {
		if _, ok := s.registry.Get(action); !ok {
			return fmt.Errorf("%w: unknown action %q in defaults", ErrInvalidDefinition, action)
		}
		if err := setActionDefaults(tx, community.ID, action, cfg); err != nil {
			return err
		}
	}

	stages := map[string]*models.Stage{}
	for i, sd := range cd.Stages {
		var stage models.Stage
		err := tx.Where("community_id = ? AND name = ?", community.ID, sd.Name).Take(&stage).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			stage = models.Stage{CommunityID: community.ID, Name: sd.Name, Order: i}
			if err := tx.Create(&stage).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		}
		stages[sd.Name] = &stage
		sum.Stages++
	}

	// Automations are written in two passes so triggers can name sources defined later.
	byName := map[string]*models.Automation{}
	type pending struct {
		automation *models.Automation
		def        AutomationDefinition
	}
	var written []pending
	for _, sd := range cd.Stages {
		stage := stages[sd.Name]
		for _, ad := range sd.Automations {
			automation, err := s.replaceAutomation(tx, stage, ad)
			if err != nil {
				return fmt.Errorf("automation %q: %w", ad.Name, err)
			}
			byName[ad.Name] = automation
			written = append(written, pending{automation: automation, def: ad})
			sum.Automations++
		}
	}
	for _, w := range written {
		req, err := automationRequest(w.automation.StageID, w.def, byName)
		if err != nil {
			return fmt.Errorf("automation %q: %w", w.def.Name, err)
		}
		if err := s.writeAutomation(tx, w.automation, req); err != nil {
			return fmt.Errorf("automation %q: %w", w.def.Name, err)
		}
	}

	for _, pd := range cd.Pubs {
		pub := models.Pub{CommunityID: community.ID, Title: pd.Title, Values: models.ToJSON(nonNilMap(pd.Values))}
		if pd.Stage != "" {
			stage, ok := stages[pd.Stage]
			if !ok {
				return fmt.Errorf("%w: pub %q references unknown stage %q", ErrInvalidDefinition, pd.Title, pd.Stage)
			}
			pub.StageID = &stage.ID
		}
		if err := tx.Create(&pub).Error; err != nil {
			return err
		}
		sum.Pubs++
	}
	return nil
}

// replaceAutomation finds or creates the named automation and clears its children.
func (s *AutomationService) replaceAutomation(tx *gorm.DB, stage *models.Stage, ad AutomationDefinition) (*models.Automation, error) {
	if ad.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidDefinition)
	}
	var automation models.Automation
	err := tx.Where("stage_id = ? AND name = ?", stage.ID, ad.Name).Take(&automation).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		automation = models.Automation{CommunityID: stage.CommunityID, StageID: stage.ID, Name: ad.Name}
		if err := tx.Omit("ActionInstances", "Triggers").Create(&automation).Error; err != nil {
			return nil, err
		}
		return &automation, nil
	case err != nil:
		return nil, err
	}
	if err := tx.Where("automation_id = ?", automation.ID).Delete(&models.ActionInstance{}).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("automation_id = ?", automation.ID).Delete(&models.AutomationTrigger{}).Error; err != nil {
		return nil, err
	}
	return &automation, nil
}

func automationRequest(stageID string, ad AutomationDefinition, byName map[string]*models.Automation) (*AutomationRequest, error) {
	req := &AutomationRequest{
		StageID:                   stageID,
		Name:                      ad.Name,
		ConditionEvaluationTiming: ad.ConditionEvaluationTiming,
		Actions:                   ad.Actions,
	}
	if ad.Condition != nil {
		raw, err := json.Marshal(ad.Condition)
		if err != nil {
			return nil, fmt.Errorf("%w: condition: %v", ErrInvalidDefinition, err)
		}
		req.Condition = raw
	}
	for _, td := range ad.Triggers {
		t := TriggerInput{Event: td.Event, Config: td.Config}
		if td.SourceAutomation != "" {
			src, ok := byName[td.SourceAutomation]
			if !ok {
				return nil, fmt.Errorf("%w: unknown source automation %q", ErrInvalidDefinition, td.SourceAutomation)
			}
			t.SourceAutomationID = src.ID
		}
		req.Triggers = append(req.Triggers, t)
	}
	return req, nil
}
