package repository

import (
	"context"
	"errors"
	"time"

	"github.com/vipul43/warncheck/internal/apperrors"
	"github.com/vipul43/warncheck/internal/models"
	"gorm.io/gorm"
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func now() time.Time {
	return time.Now().UTC()
}

// Create inserts a queued job and assigns its FIFO sequence number
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&models.Job{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
			return err
		}
		ts := now()
		job.Seq = ts.UnixNano()
		if job.Seq <= last {
			job.Seq = last + 1
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = ts
		}
		job.UpdatedAt = ts
		return tx.Create(job).Error
	})
	return apperrors.Persistence("failed to create job", err)
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	result := r.db.WithContext(ctx).First(&job, "id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrJobNotFound
		}
		return nil, apperrors.Persistence("failed to get job", result.Error)
	}
	return &job, nil
}

// List returns jobs in submission order, optionally filtered by status
func (r *JobRepository) List(ctx context.Context, statuses ...models.JobStatus) ([]models.Job, error) {
	var jobs []models.Job
	q := r.db.WithContext(ctx).Order("seq ASC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, apperrors.Persistence("failed to list jobs", err)
	}
	return jobs, nil
}

// NextQueued returns the oldest queued job, or nil when the queue is empty
func (r *JobRepository) NextQueued(ctx context.Context) (*models.Job, error) {
	var jobs []models.Job
	result := r.db.WithContext(ctx).
		Where("status = ?", models.JobStatusQueued).
		Order("seq ASC").
		Limit(1).
		Find(&jobs)
	if result.Error != nil {
		return nil, apperrors.Persistence("failed to query queued jobs", result.Error)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// transition moves a job between statuses only if it is still in one of from.
// It reports whether the row changed.
func (r *JobRepository) transition(ctx context.Context, jobID string, from []models.JobStatus, updates map[string]interface{}) (bool, error) {
	updates["updated_at"] = now()
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", jobID, from).
		Updates(updates)
	if result.Error != nil {
		return false, apperrors.Persistence("failed to update job status", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Claim moves a queued job to running unless another job already holds the worker
func (r *JobRepository) Claim(ctx context.Context, jobID string) (bool, error) {
	ts := now()
	busy := r.db.Model(&models.Job{}).
		Select("1").
		Where("status IN ?", []models.JobStatus{models.JobStatusRunning, models.JobStatusCancelling})
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusQueued).
		Where("NOT EXISTS (?)", busy).
		Updates(map[string]interface{}{
			"status":     models.JobStatusRunning,
			"started_at": &ts,
			"updated_at": ts,
		})
	if result.Error != nil {
		return false, apperrors.Persistence("failed to claim job", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CountByStatus counts jobs in a status
func (r *JobRepository) CountByStatus(ctx context.Context, status models.JobStatus) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Job{}).Where("status = ?", status).Count(&n).Error; err != nil {
		return 0, apperrors.Persistence("failed to count jobs", err)
	}
	return n, nil
}

// CancelQueued cancels a job that has not started yet
func (r *JobRepository) CancelQueued(ctx context.Context, jobID string) (bool, error) {
	ts := now()
	return r.transition(ctx, jobID, []models.JobStatus{models.JobStatusQueued}, map[string]interface{}{
		"status":      models.JobStatusCancelled,
		"finished_at": &ts,
	})
}

// RequestCancel flags a running job; the worker stops at the next username boundary
func (r *JobRepository) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	return r.transition(ctx, jobID, []models.JobStatus{models.JobStatusRunning}, map[string]interface{}{
		"status": models.JobStatusCancelling,
	})
}

// Finish records the terminal status of a job the worker holds
func (r *JobRepository) Finish(ctx context.Context, jobID string, status models.JobStatus, reason *string, lastError *string) error {
	ts := now()
	_, err := r.transition(ctx, jobID, []models.JobStatus{models.JobStatusRunning, models.JobStatusCancelling}, map[string]interface{}{
		"status":         status,
		"failure_reason": reason,
		"last_error":     lastError,
		"finished_at":    &ts,
	})
	return err
}

// UpdateProgress stores how many usernames have a verdict
func (r *JobRepository) UpdateProgress(ctx context.Context, jobID string, processed int) error {
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"processed":  processed,
			"updated_at": now(),
		})
	if result.Error != nil {
		return apperrors.Persistence("failed to update job progress", result.Error)
	}
	return nil
}

// SetAssignedAccount records the account currently performing the job
func (r *JobRepository) SetAssignedAccount(ctx context.Context, jobID string, accountID *string) error {
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"assigned_account": accountID,
			"updated_at":       now(),
		})
	if result.Error != nil {
		return apperrors.Persistence("failed to assign account", result.Error)
	}
	return nil
}

// MarkInterrupted fails every job a previous process left running or cancelling
func (r *JobRepository) MarkInterrupted(ctx context.Context) (int64, error) {
	ts := now()
	reason := models.ReasonInterrupted
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("status IN ?", []models.JobStatus{models.JobStatusRunning, models.JobStatusCancelling}).
		Updates(map[string]interface{}{
			"status":         models.JobStatusFailed,
			"failure_reason": &reason,
			"finished_at":    &ts,
			"updated_at":     ts,
		})
	if result.Error != nil {
		return 0, apperrors.Persistence("failed to mark interrupted jobs", result.Error)
	}
	return result.RowsAffected, nil
}

// PurgeFinishedBefore deletes terminal jobs finished before cutoff together with their verdicts
func (r *JobRepository) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&models.Job{}).
			Where("status IN ? AND finished_at < ?", []models.JobStatus{
				models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled,
			}, cutoff.UTC()).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&models.Verdict{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&models.Job{})
		if result.Error != nil {
			return result.Error
		}
		purged = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, apperrors.Persistence("failed to purge jobs", err)
	}
	return purged, nil
}
