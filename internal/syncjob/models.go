package syncjob

import "time"

type Kind string

const (
	KindContacts Kind = "contacts"
	KindMessages Kind = "messages"
	KindGroups   Kind = "groups"
)

// InitialKinds are the imports run once an instance connects.
var InitialKinds = []Kind{KindContacts, KindMessages, KindGroups}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	InstanceID uint64 `gorm:"index;not null" json:"instance_id"`
	Kind       Kind   `gorm:"type:varchar(16);not null" json:"kind"`
	Status     Status `gorm:"type:varchar(16);index;not null" json:"status"`

	// Filled when succeeded
	Imported int `gorm:"not null;default:0" json:"imported"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (Job) TableName() string { return "sync_jobs" }
