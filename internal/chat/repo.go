package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrRuleNotFound   = errors.New("routing rule not found")
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateThread(ctx context.Context, t *Thread) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var t Thread
	err := r.db.WithContext(ctx).Where("thread_id = ?", threadID).First(&t).Error
	return foundThread(&t, err)
}

// GetThreadForUser hides threads owned by someone else behind ErrThreadNotFound.
func (r *Repo) GetThreadForUser(ctx context.Context, userID uint64, threadID string) (*Thread, error) {
	var t Thread
	err := r.db.WithContext(ctx).
		Where("thread_id = ? AND user_id = ?", threadID, userID).
		First(&t).Error
	return foundThread(&t, err)
}

func (r *Repo) FindThreadByContact(ctx context.Context, instanceID uint64, jid string) (*Thread, error) {
	var t Thread
	err := r.db.WithContext(ctx).
		Where("instance_id = ? AND contact_jid = ?", instanceID, jid).
		First(&t).Error
	return foundThread(&t, err)
}

// CreateContactThreadOrGetExisting inserts a contact thread; when a concurrent
// request won the (instance_id, contact_jid) race it returns that thread instead.
func (r *Repo) CreateContactThreadOrGetExisting(ctx context.Context, t *Thread) (*Thread, bool, error) {
	err := r.db.WithContext(ctx).Create(t).Error
	if err == nil {
		return t, true, nil
	}
	if t.InstanceID == nil || t.ContactJID == nil {
		return nil, false, err
	}
	existing, getErr := r.FindThreadByContact(ctx, *t.InstanceID, *t.ContactJID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, ErrThreadNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) UpdateThread(ctx context.Context, id uint64, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&Thread{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *Repo) ListThreads(ctx context.Context, userID uint64, status ThreadStatus) ([]Thread, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []Thread
	if err := q.Order("updated_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) ListContactThreads(ctx context.Context, instanceID uint64) ([]Thread, error) {
	var out []Thread
	if err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) DeleteThread(ctx context.Context, t *Thread) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("thread_id = ?", t.ThreadID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Thread{}, "id = ?", t.ID).Error
	})
}

// AppendMessage stores m at the end of its thread and bumps the thread counters
// in the same transaction. A unique-index violation on the provider message id
// is returned as is; callers decide whether it means a duplicate.
func (r *Repo) AppendMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Thread{}).
			Where("thread_id = ?", m.ThreadID).
			Updates(map[string]any{
				"message_count":   gorm.Expr("message_count + 1"),
				"last_message_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrThreadNotFound
		}

		var last []int
		if err := tx.Model(&Message{}).
			Where("thread_id = ?", m.ThreadID).
			Order("position DESC").
			Limit(1).
			Pluck("position", &last).Error; err != nil {
			return err
		}
		m.Position = 1
		if len(last) > 0 {
			m.Position = last[0] + 1
		}
		return tx.Create(m).Error
	})
}

func (r *Repo) MessageExists(ctx context.Context, instanceID uint64, providerID string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Message{}).
		Where("instance_id = ? AND provider_message_id = ?", instanceID, providerID).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repo) UpdateMessage(ctx context.Context, id uint64, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// AdvanceStatusByProviderID moves a message of the instance to status when its
// stored status ranks lower, and returns how many rows changed.
func (r *Repo) AdvanceStatusByProviderID(ctx context.Context, instanceID uint64, providerID, status string) (int64, error) {
	from := supersededBy(status)
	if len(from) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("instance_id = ? AND provider_message_id = ? AND status IN ?", instanceID, providerID, from).
		Update("status", status)
	return res.RowsAffected, res.Error
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, threadID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("id DESC").
		Limit(limit)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC id order (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.ListMessages(ctx, threadID, limit, 0)
}

// TrimMessages deletes everything but the newest keep messages of a thread.
func (r *Repo) TrimMessages(ctx context.Context, threadID string, keep int) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint64
		if err := tx.Model(&Message{}).
			Where("thread_id = ?", threadID).
			Order("id DESC").
			Offset(keep).
			Limit(1).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Where("thread_id = ? AND id <= ?", threadID, ids[0]).Delete(&Message{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected

		var remaining int64
		if err := tx.Model(&Message{}).Where("thread_id = ?", threadID).Count(&remaining).Error; err != nil {
			return err
		}
		return tx.Model(&Thread{}).
			Where("thread_id = ?", threadID).
			Update("message_count", remaining).Error
	})
	return deleted, err
}

// routing rules

func (r *Repo) CreateRule(ctx context.Context, rule *RoutingRule) error {
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *Repo) ListRules(ctx context.Context, instanceID uint64) ([]RoutingRule, error) {
	var out []RoutingRule
	if err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) DeleteRule(ctx context.Context, userID, id uint64) error {
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&RoutingRule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// MatchRule returns the exact contact rule for the instance, else the wildcard.
func (r *Repo) MatchRule(ctx context.Context, instanceID uint64, jid string) (*RoutingRule, error) {
	var rule RoutingRule
	err := r.db.WithContext(ctx).
		Where("instance_id = ? AND contact_jid = ?", instanceID, jid).
		Order("id DESC").
		First(&rule).Error
	if err == nil {
		return &rule, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	err = r.db.WithContext(ctx).
		Where("instance_id = ? AND contact_jid IS NULL", instanceID).
		Order("id DESC").
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func foundThread(t *Thread, err error) (*Thread, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
