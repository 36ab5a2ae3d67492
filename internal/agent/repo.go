package agent

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("agent not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, a *Agent) error {
	return r.db.WithContext(ctx).Create(a).Error
}

// Get returns an active agent by id.
func (r *Repo) Get(ctx context.Context, id uint64) (*Agent, error) {
	var a Agent
	err := r.db.WithContext(ctx).
		Where("id = ? AND active = ?", id, true).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FirstActiveForUser returns the oldest active agent owned by userID.
func (r *Repo) FirstActiveForUser(ctx context.Context, userID uint64) (*Agent, error) {
	var a Agent
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("id ASC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repo) ListByUser(ctx context.Context, userID uint64) ([]Agent, error) {
	var out []Agent
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
