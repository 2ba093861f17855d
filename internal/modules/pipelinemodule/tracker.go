package pipelinemodule

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/events"
	"github.com/mantonx/pixelpipe/internal/utils"
)

// Tracker is the durable job/stage state machine. All counter movement goes
// through atomic SQL increments so concurrent consumers and the
// reconciliation pass can never lose updates.
type Tracker struct {
	db  *gorm.DB
	bus events.EventBus
	log hclog.Logger
}

// NewTracker creates a tracker over the given database.
func NewTracker(db *gorm.DB, bus events.EventBus, log hclog.Logger) *Tracker {
	return &Tracker{db: db, bus: bus, log: log}
}

// pipelineStages lists every stage a job tracks, in pipeline order.
var pipelineStages = []string{
	database.StageScan,
	database.StageProcess,
	database.StageThumbnail,
	database.StageCache,
}

// CreateJob creates a pending job with one stage row per pipeline stage.
func (t *Tracker) CreateJob(ctx context.Context, collectionID uint) (*database.PipelineJob, error) {
	job := &database.PipelineJob{
		ID:           utils.GenerateUUID(),
		CollectionID: collectionID,
		Status:       database.JobPending,
	}

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		for _, name := range pipelineStages {
			stage := database.JobStage{
				JobID:  job.ID,
				Name:   name,
				Status: database.StagePending,
			}
			if err := tx.Create(&stage).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// StartJob moves a job to running and its scan stage to in progress.
func (t *Tracker) StartJob(ctx context.Context, jobID string) error {
	if err := t.db.WithContext(ctx).Model(&database.PipelineJob{}).
		Where("id = ? AND status = ?", jobID, database.JobPending).
		Update("status", database.JobRunning).Error; err != nil {
		return err
	}
	return t.db.WithContext(ctx).Model(&database.JobStage{}).
		Where("job_id = ? AND name = ? AND status = ?", jobID, database.StageScan, database.StagePending).
		Update("status", database.StageInProgress).Error
}

// FailJob marks a job failed with a reason. Terminal; completed jobs are
// left alone.
func (t *Tracker) FailJob(ctx context.Context, jobID, reason string) error {
	now := time.Now()
	res := t.db.WithContext(ctx).Model(&database.PipelineJob{}).
		Where("id = ? AND status NOT IN ?", jobID, []string{database.JobCompleted, database.JobFailed}).
		Updates(map[string]interface{}{
			"status":        database.JobFailed,
			"error_message": reason,
			"completed_at":  &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 && t.bus != nil {
		event := events.NewSystemEvent(events.EventJobFailed, "Pipeline job failed", reason)
		event.Data["job_id"] = jobID
		t.bus.PublishAsync(event)
	}
	return nil
}

// GetJob returns a job and its stage rows.
func (t *Tracker) GetJob(ctx context.Context, jobID string) (*database.PipelineJob, []database.JobStage, error) {
	var job database.PipelineJob
	if err := t.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return nil, nil, err
	}
	stages, err := t.Stages(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return &job, stages, nil
}

// Stages returns the stage rows for a job.
func (t *Tracker) Stages(ctx context.Context, jobID string) ([]database.JobStage, error) {
	var stages []database.JobStage
	err := t.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id").Find(&stages).Error
	return stages, err
}

// FinalizeTotal sets a stage's total exactly once. Replays after the total
// is final are no-ops; the total never changes afterwards.
func (t *Tracker) FinalizeTotal(ctx context.Context, jobID, stage string, total int64) error {
	res := t.db.WithContext(ctx).Model(&database.JobStage{}).
		Where("job_id = ? AND name = ? AND total_final = ?", jobID, stage, false).
		Updates(map[string]interface{}{
			"total":       total,
			"total_final": true,
			"status":      database.StageInProgress,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		t.log.Debug("stage total already finalized", "job_id", jobID, "stage", stage)
		return nil
	}

	// An empty stage is complete the moment its total is finalized.
	return t.ObserveCompletion(ctx, jobID, stage)
}

// CompleteStage finalizes and completes a stage in one shot, for stages
// whose work finishes with the message that reports it. Replays are no-ops.
func (t *Tracker) CompleteStage(ctx context.Context, jobID, stage string, total int64) error {
	res := t.db.WithContext(ctx).Model(&database.JobStage{}).
		Where("job_id = ? AND name = ? AND status <> ?", jobID, stage, database.StageCompleted).
		Updates(map[string]interface{}{
			"total":       total,
			"total_final": true,
			"completed":   total,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return t.ObserveCompletion(ctx, jobID, stage)
}

// IncrementCompleted atomically counts one unit of finished work and checks
// whether the stage just converged.
func (t *Tracker) IncrementCompleted(ctx context.Context, jobID, stage string) error {
	return t.increment(ctx, jobID, stage, "completed")
}

// IncrementFailed atomically counts one failed unit and checks whether the
// stage just converged.
func (t *Tracker) IncrementFailed(ctx context.Context, jobID, stage string) error {
	return t.increment(ctx, jobID, stage, "failed")
}

func (t *Tracker) increment(ctx context.Context, jobID, stage, column string) error {
	res := t.db.WithContext(ctx).Model(&database.JobStage{}).
		Where("job_id = ? AND name = ?", jobID, stage).
		Update(column, gorm.Expr(column+" + 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to increment %s for stage %s: %w", column, stage, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("stage %s not found for job %s", stage, jobID)
	}
	return t.ObserveCompletion(ctx, jobID, stage)
}

// RepairCounters raises a stage's counters to match the durable records.
// Counters only ever move up here: a record always becomes durable before
// its increment, so the record count is a floor for the true counter.
func (t *Tracker) RepairCounters(ctx context.Context, jobID, stage string, completed, failed int64) error {
	if completed > 0 {
		err := t.db.WithContext(ctx).Model(&database.JobStage{}).
			Where("job_id = ? AND name = ? AND completed < ?", jobID, stage, completed).
			Update("completed", completed).Error
		if err != nil {
			return err
		}
	}
	if failed > 0 {
		err := t.db.WithContext(ctx).Model(&database.JobStage{}).
			Where("job_id = ? AND name = ? AND failed < ?", jobID, stage, failed).
			Update("failed", failed).Error
		if err != nil {
			return err
		}
	}
	return t.ObserveCompletion(ctx, jobID, stage)
}

// ObserveCompletion marks a stage completed if its live counters have
// converged. The comparison runs against the current row, never a cached
// value, so it is safe to run concurrently with increments and from the
// reconciliation pass.
func (t *Tracker) ObserveCompletion(ctx context.Context, jobID, stage string) error {
	res := t.db.WithContext(ctx).Model(&database.JobStage{}).
		Where("job_id = ? AND name = ? AND total_final = ? AND status <> ? AND completed + failed >= total",
			jobID, stage, true, database.StageCompleted).
		Update("status", database.StageCompleted)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	t.log.Info("stage completed", "job_id", jobID, "stage", stage)
	if t.bus != nil {
		event := events.NewSystemEvent(events.EventStageCompleted, "Stage completed",
			fmt.Sprintf("stage %s converged for job %s", stage, jobID))
		event.Data["job_id"] = jobID
		event.Data["stage"] = stage
		t.bus.PublishAsync(event)
	}

	return t.maybeCompleteJob(ctx, jobID)
}

// maybeCompleteJob completes the job once every stage has completed.
func (t *Tracker) maybeCompleteJob(ctx context.Context, jobID string) error {
	var remaining int64
	if err := t.db.WithContext(ctx).Model(&database.JobStage{}).
		Where("job_id = ? AND status <> ?", jobID, database.StageCompleted).
		Count(&remaining).Error; err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	now := time.Now()
	res := t.db.WithContext(ctx).Model(&database.PipelineJob{}).
		Where("id = ? AND status = ?", jobID, database.JobRunning).
		Updates(map[string]interface{}{
			"status":       database.JobCompleted,
			"completed_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		t.log.Info("job completed", "job_id", jobID)
		if t.bus != nil {
			event := events.NewSystemEvent(events.EventJobCompleted, "Pipeline job completed", jobID)
			event.Data["job_id"] = jobID
			t.bus.PublishAsync(event)
		}
	}
	return nil
}
