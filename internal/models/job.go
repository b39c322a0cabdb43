package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// ScheduledJob 延迟任务，Key 为确定性任务键
type ScheduledJob struct {
	Key       string         `gorm:"primaryKey;size:255" json:"key"`
	Kind      string         `gorm:"index;not null" json:"kind"`
	Payload   datatypes.JSON `json:"payload"`
	FireAt    time.Time      `gorm:"index" json:"fire_at"`
	Status    string         `gorm:"index;default:'pending'" json:"status"`
	Attempts  int            `gorm:"default:0" json:"attempts"`
	LastError string         `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AllModels lists every table AutoMigrate manages.
func AllModels() []interface{} {
	return []interface{}{
		&Community{},
		&Stage{},
		&Pub{},
		&Automation{},
		&ActionInstance{},
		&AutomationTrigger{},
		&ActionConfigDefault{},
		&AutomationRun{},
		&ActionRun{},
		&ScheduledJob{},
	}
}
