package instance

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("instance not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, inst *Instance) error {
	return r.db.WithContext(ctx).Create(inst).Error
}

func (r *Repo) Get(ctx context.Context, id uint64) (*Instance, error) {
	var inst Instance
	err := r.db.WithContext(ctx).First(&inst, "id = ?", id).Error
	return found(&inst, err)
}

func (r *Repo) GetByName(ctx context.Context, name string) (*Instance, error) {
	var inst Instance
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&inst).Error
	return found(&inst, err)
}

// ActiveForUser returns the user's connecting/connected instance, if any.
func (r *Repo) ActiveForUser(ctx context.Context, userID uint64) (*Instance, error) {
	var inst Instance
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []Status{StatusConnecting, StatusConnected}).
		Order("id DESC").
		First(&inst).Error
	return found(&inst, err)
}

func (r *Repo) ListByUser(ctx context.Context, userID uint64) ([]Instance, error) {
	var out []Instance
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) ListByStatus(ctx context.Context, status Status) ([]Instance, error) {
	var out []Instance
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) Update(ctx context.Context, id uint64, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&Instance{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *Repo) UpdateSettings(ctx context.Context, id uint64, s Settings) error {
	return r.db.WithContext(ctx).Model(&Instance{}).
		Where("id = ?", id).
		Update("settings", datatypes.NewJSONType(s)).Error
}

func (r *Repo) TouchLastSeen(ctx context.Context, id uint64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Instance{}).
		Where("id = ?", id).
		Update("last_seen_at", at).Error
}

func (r *Repo) Delete(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Delete(&Instance{}, "id = ?", id).Error
}

func found(inst *Instance, err error) (*Instance, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}
