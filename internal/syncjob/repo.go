package syncjob

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("sync job not found")
	ErrNotRequeueable = errors.New("sync job is not failed or stale")
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Claim moves a queued job to running. It reports false when another delivery
// of the same job already claimed it.
func (r *Repo) Claim(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusQueued).
		Updates(map[string]any{
			"status":     StatusRunning,
			"started_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) MarkSucceeded(ctx context.Context, id string, imported int) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      StatusSucceeded,
			"imported":    imported,
			"error":       nil,
			"finished_at": time.Now().UTC(),
		}).Error
}

func (r *Repo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      StatusFailed,
			"error":       errMsg,
			"finished_at": time.Now().UTC(),
		}).Error
}

// Requeue puts a job back in the queue for an operator-triggered retry. Failed
// jobs always qualify; with staleAfter > 0 so do running jobs started longer
// ago than that, which a crashed worker left behind.
func (r *Repo) Requeue(ctx context.Context, id string, staleAfter time.Duration) error {
	q := r.db.WithContext(ctx).Model(&Job{})
	if staleAfter > 0 {
		cutoff := time.Now().UTC().Add(-staleAfter)
		q = q.Where("id = ? AND (status = ? OR (status = ? AND started_at < ?))", id, StatusFailed, StatusRunning, cutoff)
	} else {
		q = q.Where("id = ? AND status = ?", id, StatusFailed)
	}
	res := q.Updates(map[string]any{
		"status":      StatusQueued,
		"error":       nil,
		"started_at":  nil,
		"finished_at": nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrNotRequeueable
}

func (r *Repo) ListByInstance(ctx context.Context, instanceID uint64) ([]Job, error) {
	var out []Job
	if err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Job
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
