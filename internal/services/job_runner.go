package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pubflow/internal/config"
	"pubflow/internal/metrics"
	"pubflow/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Job kinds.
const (
	JobKindAutomation = "automation"
)

// Job is a unit of deferred work identified by a deterministic key. Scheduling
// a key that already exists replaces its payload and fire time.
type Job struct {
	Key     string          `json:"key"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	FireAt  time.Time       `json:"fireAt"`
	Status  string          `json:"status,omitempty"`
}

// JobScheduler stores deferred jobs.
type JobScheduler interface {
	Schedule(ctx context.Context, job Job) (string, error)
	Unschedule(ctx context.Context, key string) error
	Lookup(ctx context.Context, key string) (*Job, error)
}

// JobHandler executes due jobs. Returning a PermanentError fails the job
// without further attempts.
type JobHandler interface {
	Dispatch(ctx context.Context, job Job) error
}

// JobRunner is the database-backed JobScheduler. A cron entry sweeps due jobs.
type JobRunner struct {
	db      *gorm.DB
	logger  *logrus.Logger
	cfg     config.SchedulerConfig
	handler JobHandler
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.Mutex
	sweeping bool
	cron     *cron.Cron
}

func NewJobRunner(db *gorm.DB, logger *logrus.Logger, cfg config.SchedulerConfig) *JobRunner {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	if cfg.PollSpec == "" {
		cfg.PollSpec = "@every 5s"
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 10 * time.Minute
	}
	return &JobRunner{
		db:     db,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("pubflow.jobs"),
		now:    time.Now,
	}
}

// SetHandler 注入任务分发器
func (r *JobRunner) SetHandler(h JobHandler) { r.handler = h }

// SetMetrics 注入指标
func (r *JobRunner) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// Schedule upserts the job by key and resets it to pending.
func (r *JobRunner) Schedule(ctx context.Context, job Job) (string, error) {
	if job.Key == "" || job.Kind == "" {
		return "", errors.New("job key and kind required")
	}
	if job.FireAt.IsZero() {
		job.FireAt = r.now()
	}
	row := &models.ScheduledJob{
		Key:     job.Key,
		Kind:    job.Kind,
		Payload: datatypes.JSON(job.Payload),
		FireAt:  job.FireAt.UTC(),
		Status:  models.JobStatusPending,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"kind":       row.Kind,
				"payload":    row.Payload,
				"fire_at":    row.FireAt,
				"status":     models.JobStatusPending,
				"attempts":   0,
				"last_error": "",
				"updated_at": r.now(),
			}),
		}).
		Create(row).Error
	if err != nil {
		return "", fmt.Errorf("schedule job %s: %w", job.Key, err)
	}
	r.logger.Debugf("jobs: scheduled %s (%s) at %s", job.Key, job.Kind, row.FireAt.Format(time.RFC3339))
	return job.Key, nil
}

// Unschedule removes a pending job. Missing or already running jobs are left alone.
func (r *JobRunner) Unschedule(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).
		Where("key = ? AND status = ?", key, models.JobStatusPending).
		Delete(&models.ScheduledJob{}).Error
}

// Lookup returns the job stored under key, or nil when there is none.
func (r *JobRunner) Lookup(ctx context.Context, key string) (*Job, error) {
	var row models.ScheduledJob
	err := r.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return jobFromRow(row), nil
}

// Stats counts jobs by status.
func (r *JobRunner) Stats(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&models.ScheduledJob{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// Start sweeps on the configured cron spec until ctx is cancelled.
func (r *JobRunner) Start(ctx context.Context) error {
	logger := cron.PrintfLogger(r.logger)
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(r.cfg.PollSpec, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Warnf("jobs: sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid poll spec %q: %w", r.cfg.PollSpec, err)
	}
	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	r.logger.Infof("jobs: runner started (%s)", r.cfg.PollSpec)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		r.logger.Info("jobs: runner stopped")
	}()
	return nil
}

// Sweep claims and dispatches due jobs in fire order. It returns the number of
// jobs dispatched. Overlapping sweeps return immediately.
func (r *JobRunner) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.sweeping {
		r.mu.Unlock()
		return 0, nil
	}
	r.sweeping = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.sweeping = false
		r.mu.Unlock()
	}()
	if r.handler == nil {
		return 0, errors.New("job runner has no handler")
	}

	start := r.now()
	ctx, span := r.tracer.Start(ctx, "jobs.sweep")
	defer span.End()
	defer func() { r.metrics.ObserveSweep(r.now().Sub(start)) }()

	if err := r.reclaimStale(ctx); err != nil {
		r.logger.Warnf("jobs: reclaim stale jobs failed: %v", err)
	}

	var due []models.ScheduledJob
	if err := r.db.WithContext(ctx).
		Where("status = ? AND fire_at <= ?", models.JobStatusPending, start.UTC()).
		Order("fire_at ASC").
		Limit(r.cfg.BatchSize).
		Find(&due).Error; err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("jobs.due", len(due)))

	dispatched := 0
	for _, row := range due {
		if ctx.Err() != nil {
			break
		}
		claimed, err := r.claim(ctx, row)
		if err != nil {
			r.logger.Warnf("jobs: claim %s failed: %v", row.Key, err)
			continue
		}
		if !claimed {
			continue
		}
		dispatched++
		r.dispatch(ctx, row)
	}
	return dispatched, nil
}

// reclaimStale returns jobs left running past the claim timeout to pending, or
// fails them when their attempts are used up. A sweep that died between claim
// and outcome leaves such rows behind.
func (r *JobRunner) reclaimStale(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.ClaimTimeout)
	stale := r.db.WithContext(ctx).Model(&models.ScheduledJob{}).
		Where("status = ? AND updated_at < ?", models.JobStatusRunning, cutoff)

	failed := stale.Session(&gorm.Session{}).
		Where("attempts >= ?", r.cfg.MaxAttempts).
		UpdateColumns(map[string]interface{}{
			"status":     models.JobStatusFailed,
			"last_error": "claim expired",
			"updated_at": r.now(),
		})
	if failed.Error != nil {
		return failed.Error
	}
	requeued := stale.Session(&gorm.Session{}).
		Where("attempts < ?", r.cfg.MaxAttempts).
		UpdateColumns(map[string]interface{}{
			"status":     models.JobStatusPending,
			"last_error": "claim expired",
			"updated_at": r.now(),
		})
	if requeued.Error != nil {
		return requeued.Error
	}
	if n := failed.RowsAffected + requeued.RowsAffected; n > 0 {
		r.logger.Warnf("jobs: reclaimed %d stale job(s), %d requeued", n, requeued.RowsAffected)
	}
	return nil
}

func (r *JobRunner) claim(ctx context.Context, row models.ScheduledJob) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ScheduledJob{}).
		Where("key = ? AND status = ?", row.Key, models.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     models.JobStatusRunning,
			"attempts":   row.Attempts + 1,
			"updated_at": r.now(),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *JobRunner) dispatch(ctx context.Context, row models.ScheduledJob) {
	job := jobFromRow(row)
	attempts := row.Attempts + 1

	err := r.safeDispatch(ctx, *job)
	updates := map[string]interface{}{"updated_at": r.now()}
	var perm *PermanentError
	switch {
	case err == nil:
		updates["status"] = models.JobStatusDone
		updates["last_error"] = ""
		r.metrics.RecordJob(row.Kind, "done")
	case errors.As(err, &perm) || attempts >= r.cfg.MaxAttempts:
		updates["status"] = models.JobStatusFailed
		updates["last_error"] = err.Error()
		r.metrics.RecordJob(row.Kind, "failed")
		r.logger.Errorf("jobs: %s failed after %d attempt(s): %v", row.Key, attempts, err)
	default:
		updates["status"] = models.JobStatusPending
		updates["last_error"] = err.Error()
		updates["fire_at"] = r.now().Add(r.cfg.RetryBackoff * time.Duration(attempts)).UTC()
		r.metrics.RecordJob(row.Kind, "retry")
		r.logger.Warnf("jobs: %s attempt %d failed, retrying: %v", row.Key, attempts, err)
	}

	// A reschedule while running resets status to pending with a fresh fire time;
	// only overwrite rows this sweep still owns.
	if err := r.db.WithContext(context.WithoutCancel(ctx)).Model(&models.ScheduledJob{}).
		Where("key = ? AND status = ?", row.Key, models.JobStatusRunning).
		Updates(updates).Error; err != nil {
		r.logger.Warnf("jobs: record outcome for %s failed: %v", row.Key, err)
	}
}

func (r *JobRunner) safeDispatch(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return r.handler.Dispatch(ctx, job)
}

func jobFromRow(row models.ScheduledJob) *Job {
	return &Job{
		Key:     row.Key,
		Kind:    row.Kind,
		Payload: json.RawMessage(row.Payload),
		FireAt:  row.FireAt,
		Status:  row.Status,
	}
}
