package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 触发事件
const (
	EventManual                = "manual"
	EventWebhook               = "webhook"
	EventActionSucceeded       = "actionSucceeded"
	EventActionFailed          = "actionFailed"
	EventPubEnteredStage       = "pubEnteredStage"
	EventPubLeftStage          = "pubLeftStage"
	EventPubInStageForDuration = "pubInStageForDuration"
)

// 条件求值时机；空值等同 onExecution
const (
	TimingNone        = ""
	TimingOnTrigger   = "onTrigger"
	TimingOnExecution = "onExecution"
	TimingBoth        = "both"
)

// IsSupportedEvent reports whether event is a known trigger event.
func IsSupportedEvent(event string) bool {
	switch event {
	case EventManual, EventWebhook, EventActionSucceeded, EventActionFailed,
		EventPubEnteredStage, EventPubLeftStage, EventPubInStageForDuration:
		return true
	}
	return false
}

// Automation 自动化定义：条件树 + 有序动作实例
type Automation struct {
	ID                        string              `gorm:"type:varchar(36);primaryKey" json:"id"`
	CommunityID               string              `gorm:"type:varchar(36);index;not null" json:"community_id"`
	StageID                   string              `gorm:"type:varchar(36);index;not null" json:"stage_id"`
	Name                      string              `gorm:"not null" json:"name"`
	Condition                 datatypes.JSON      `json:"condition,omitempty"`
	ConditionEvaluationTiming string              `gorm:"default:''" json:"condition_evaluation_timing"`
	CreatedAt                 time.Time           `json:"created_at"`
	UpdatedAt                 time.Time           `json:"updated_at"`
	ActionInstances           []ActionInstance    `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE" json:"action_instances,omitempty"`
	Triggers                  []AutomationTrigger `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE" json:"triggers,omitempty"`
}

func (a *Automation) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// EvaluatesOnExecution reports whether the condition runs when the automation executes.
func (a *Automation) EvaluatesOnExecution() bool {
	switch a.ConditionEvaluationTiming {
	case TimingNone, TimingOnExecution, TimingBoth:
		return true
	}
	return false
}

// EvaluatesOnTrigger reports whether the condition runs when a delayed trigger is scheduled.
func (a *Automation) EvaluatesOnTrigger() bool {
	return a.ConditionEvaluationTiming == TimingOnTrigger || a.ConditionEvaluationTiming == TimingBoth
}

// TriggerFor returns the automation's trigger for event, if any.
func (a *Automation) TriggerFor(event string) (*AutomationTrigger, bool) {
	for i := range a.Triggers {
		if a.Triggers[i].Event == event {
			return &a.Triggers[i], true
		}
	}
	return nil, false
}

// ActionInstance 自动化中的一个动作配置
type ActionInstance struct {
	ID           string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	AutomationID string         `gorm:"type:varchar(36);index;not null" json:"automation_id"`
	StageID      string         `gorm:"type:varchar(36);index" json:"stage_id"`
	Action       string         `gorm:"not null" json:"action"`
	Name         string         `json:"name"`
	Config       datatypes.JSON `json:"config"`
	Position     int            `gorm:"default:0" json:"position"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (i *ActionInstance) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}

// AutomationTrigger 触发器；SourceAutomationID 仅用于 actionSucceeded/actionFailed
type AutomationTrigger struct {
	ID                 string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	AutomationID       string         `gorm:"type:varchar(36);index;not null" json:"automation_id"`
	Event              string         `gorm:"index;not null" json:"event"`
	Config             datatypes.JSON `json:"config,omitempty"`
	SourceAutomationID *string        `gorm:"type:varchar(36);index" json:"source_automation_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

func (t *AutomationTrigger) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// ActionConfigDefault 社区级动作默认配置（优先级最低）
type ActionConfigDefault struct {
	ID          string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	CommunityID string         `gorm:"type:varchar(36);uniqueIndex:idx_default_community_action;not null" json:"community_id"`
	Action      string         `gorm:"uniqueIndex:idx_default_community_action;not null" json:"action"`
	Config      datatypes.JSON `json:"config"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (d *ActionConfigDefault) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}
