package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// MaxStackDepth bounds automation-triggers-automation cascades.
const MaxStackDepth = 10

const (
	RunStatusScheduled = "scheduled"
	RunStatusSuccess   = "success"
	RunStatusFailure   = "failure"
)

// actionRunNamespace seeds deterministic ActionRun ids.
var actionRunNamespace = uuid.MustParse("6f1c2a9e-3d4b-4c5e-8f70-9a1b2c3d4e5f")

// ActionRunID derives the ActionRun id for an instance within an automation run,
// so a re-fired run upserts the same rows.
func ActionRunID(automationRunID, actionInstanceID string) string {
	return uuid.NewSHA1(actionRunNamespace, []byte(automationRunID+":"+actionInstanceID)).String()
}

// jobRunNamespace seeds the run ids of immediately queued jobs.
var jobRunNamespace = uuid.MustParse("b2d7e4c1-58a3-4f0e-9c61-7e2f0a4d9b38")

// QueuedRunID derives the AutomationRun id of a queued job from its key, so every
// delivery of the job writes the same run row.
func QueuedRunID(jobKey string) string {
	return uuid.NewSHA1(jobRunNamespace, []byte(jobKey)).String()
}

// AutomationRun 自动化执行记录（按 id 幂等 upsert）
type AutomationRun struct {
	ID                    string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	AutomationID          string         `gorm:"type:varchar(36);index;not null" json:"automation_id"`
	CommunityID           string         `gorm:"type:varchar(36);index" json:"community_id"`
	StageID               string         `gorm:"type:varchar(36);index" json:"stage_id"`
	InputPubID            *string        `gorm:"type:varchar(36);index" json:"input_pub_id,omitempty"`
	InputJSON             datatypes.JSON `json:"input_json,omitempty"`
	TriggerEvent          string         `json:"trigger_event"`
	TriggerConfig         datatypes.JSON `json:"trigger_config,omitempty"`
	SourceAutomationRunID *string        `gorm:"type:varchar(36);index" json:"source_automation_run_id,omitempty"`
	Stack                 datatypes.JSON `json:"stack"`
	Status                string         `gorm:"index;default:'scheduled'" json:"status"`
	Result                datatypes.JSON `json:"result,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	ActionRuns            []ActionRun    `gorm:"foreignKey:AutomationRunID" json:"action_runs,omitempty"`
}

// ActionRun 单个动作实例的执行记录
type ActionRun struct {
	ID                    string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	AutomationRunID       string         `gorm:"type:varchar(36);index;not null" json:"automation_run_id"`
	ActionInstanceID      string         `gorm:"type:varchar(36);index" json:"action_instance_id"`
	Action                string         `json:"action"`
	Config                datatypes.JSON `json:"config,omitempty"`
	Status                string         `gorm:"index;default:'scheduled'" json:"status"`
	Result                datatypes.JSON `json:"result,omitempty"`
	TriggeringActionRunID *string        `gorm:"type:varchar(36)" json:"triggering_action_run_id,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}
