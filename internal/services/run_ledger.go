package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pubflow/internal/metrics"
	"pubflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RunEvent describes a ledger write. AutomationRun is nil for action-run-only writes.
type RunEvent struct {
	StageID       string
	AutomationRun *models.AutomationRun
	ActionRuns    []models.ActionRun
}

// RunObserver is notified after every successful ledger write.
type RunObserver interface {
	RunChanged(evt RunEvent)
}

// RunObserverFunc adapts a function to RunObserver.
type RunObserverFunc func(evt RunEvent)

func (f RunObserverFunc) RunChanged(evt RunEvent) { f(evt) }

// MetricsObserver feeds ledger writes into the run counters.
func MetricsObserver(m *metrics.Metrics) RunObserver {
	return RunObserverFunc(func(evt RunEvent) {
		if evt.AutomationRun != nil {
			m.AutomationRunChanged(*evt.AutomationRun)
		}
		if len(evt.ActionRuns) > 0 {
			m.ActionRunsChanged(evt.ActionRuns)
		}
	})
}

// RunFilter narrows ListAutomationRuns.
type RunFilter struct {
	CommunityID  string
	StageID      string
	AutomationID string
	PubID        string
	Status       string
	Page         int
	PageSize     int
}

// RunLedger persists AutomationRun and ActionRun rows. Writes are idempotent by id.
type RunLedger struct {
	db        *gorm.DB
	logger    *logrus.Logger
	observers []RunObserver
	now       func() time.Time
}

func NewRunLedger(db *gorm.DB, logger *logrus.Logger, observers ...RunObserver) *RunLedger {
	if logger == nil {
		logger = logrus.New()
	}
	return &RunLedger{db: db, logger: logger, observers: observers, now: time.Now}
}

// Observe registers another observer. Not safe to call concurrently with writes.
func (l *RunLedger) Observe(o RunObserver) {
	if o != nil {
		l.observers = append(l.observers, o)
	}
}

func (l *RunLedger) notify(evt RunEvent) {
	for _, o := range l.observers {
		o.RunChanged(evt)
	}
}

// UpsertAutomationRun inserts the run, or on an id conflict refreshes only its
// trigger metadata so a re-fired placeholder keeps its original input.
func (l *RunLedger) UpsertAutomationRun(ctx context.Context, run *models.AutomationRun) error {
	if run.Status == "" {
		run.Status = models.RunStatusScheduled
	}
	run.UpdatedAt = l.now()
	err := l.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"trigger_event", "trigger_config", "updated_at"}),
		}).
		Create(run).Error
	if err != nil {
		return fmt.Errorf("upsert automation run %s: %w", run.ID, err)
	}
	l.notify(RunEvent{StageID: run.StageID, AutomationRun: run})
	return nil
}

// UpsertActionRuns writes a batch of action runs in one statement.
func (l *RunLedger) UpsertActionRuns(ctx context.Context, runs []models.ActionRun) error {
	if len(runs) == 0 {
		return nil
	}
	now := l.now()
	for i := range runs {
		if runs[i].Status == "" {
			runs[i].Status = models.RunStatusScheduled
		}
		runs[i].UpdatedAt = now
	}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "result", "config", "updated_at"}),
		}).
		Create(&runs).Error
	if err != nil {
		return fmt.Errorf("upsert %d action runs: %w", len(runs), err)
	}
	if len(l.observers) > 0 {
		l.notify(RunEvent{StageID: l.stageOf(ctx, runs[0].AutomationRunID), ActionRuns: runs})
	}
	return nil
}

// CompleteAutomationRun records the final status and result of a run.
func (l *RunLedger) CompleteAutomationRun(ctx context.Context, runID, status string, result interface{}) (*models.AutomationRun, error) {
	res := l.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ?", runID).
		Updates(map[string]interface{}{
			"status":     status,
			"result":     models.ToJSON(result),
			"updated_at": l.now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("complete automation run %s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrRunNotFound
	}
	var run models.AutomationRun
	if err := l.db.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		return nil, err
	}
	l.notify(RunEvent{StageID: run.StageID, AutomationRun: &run})
	return &run, nil
}

// CancelScheduledRun fails a placeholder run whose delayed job was unscheduled.
// Rows that already left the scheduled state are untouched.
func (l *RunLedger) CancelScheduledRun(ctx context.Context, runID string) error {
	cancelled := models.ToJSON(map[string]interface{}{"error": "cancelled", "cancelled": true})
	now := l.now()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ActionRun{}).
			Where("automation_run_id = ? AND status = ?", runID, models.RunStatusScheduled).
			Updates(map[string]interface{}{"status": models.RunStatusFailure, "result": cancelled, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Model(&models.AutomationRun{}).
			Where("id = ? AND status = ?", runID, models.RunStatusScheduled).
			Updates(map[string]interface{}{"status": models.RunStatusFailure, "result": cancelled, "updated_at": now}).Error
	})
	if err != nil {
		return fmt.Errorf("cancel automation run %s: %w", runID, err)
	}
	if run, err := l.GetAutomationRun(ctx, runID); err == nil {
		l.notify(RunEvent{StageID: run.StageID, AutomationRun: run, ActionRuns: run.ActionRuns})
	}
	return nil
}

// GetAutomationRun loads a run with its action runs.
func (l *RunLedger) GetAutomationRun(ctx context.Context, runID string) (*models.AutomationRun, error) {
	var run models.AutomationRun
	err := l.db.WithContext(ctx).
		Preload("ActionRuns", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListAutomationRuns returns one page of runs, newest first, and the total count.
func (l *RunLedger) ListAutomationRuns(ctx context.Context, f RunFilter) ([]models.AutomationRun, int64, error) {
	q := l.db.WithContext(ctx).Model(&models.AutomationRun{})
	if f.CommunityID != "" {
		q = q.Where("community_id = ?", f.CommunityID)
	}
	if f.StageID != "" {
		q = q.Where("stage_id = ?", f.StageID)
	}
	if f.AutomationID != "" {
		q = q.Where("automation_id = ?", f.AutomationID)
	}
	if f.PubID != "" {
		q = q.Where("input_pub_id = ?", f.PubID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	var runs []models.AutomationRun
	err := q.Preload("ActionRuns").
		Order("created_at DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&runs).Error
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func (l *RunLedger) stageOf(ctx context.Context, runID string) string {
	var stageIDs []string
	if err := l.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ?", runID).
		Pluck("stage_id", &stageIDs).Error; err != nil || len(stageIDs) == 0 {
		l.logger.Debugf("ledger: stage lookup for run %s failed: %v", runID, err)
		return ""
	}
	return stageIDs[0]
}
