package instance

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusCreating     Status = "creating"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Instance is one provisioned gateway connection owned by a user.
type Instance struct {
	ID                 uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID             uint64     `gorm:"index;not null" json:"-"`
	Name               string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	ProviderInstanceID string     `gorm:"type:varchar(64)" json:"provider_instance_id"`
	Status             Status     `gorm:"type:varchar(16);index;not null" json:"status"`
	StatusChangedAt    *time.Time `json:"status_changed_at"`
	// ProviderStateAt is the provider time of the last applied connection event.
	ProviderStateAt    *time.Time `json:"-"`
	PhoneNumber        string     `gorm:"type:varchar(32)" json:"phone_number"`
	ProfileName        string     `gorm:"type:varchar(128)" json:"profile_name"`
	ProfilePictureURL  string     `gorm:"type:varchar(1024)" json:"profile_picture_url"`
	QRCode             *string    `gorm:"type:text" json:"-"`
	QRImage            *string    `gorm:"type:mediumtext" json:"-"`
	QRExpiresAt        *time.Time `json:"-"`
	WebhookURL         string     `gorm:"type:varchar(512)" json:"webhook_url"`

	Settings datatypes.JSONType[Settings] `json:"settings"`

	LastSeenAt *time.Time `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (Instance) TableName() string { return "whatsapp_instances" }

// Settings is the free-form per-instance behaviour blob.
type Settings struct {
	AutoRespond     *bool          `json:"auto_respond,omitempty"`
	RespondToGroups *bool          `json:"respond_to_groups,omitempty"`
	BusinessHours   *BusinessHours `json:"business_hours,omitempty"`
	HumanHandoff    bool           `json:"human_handoff"`
}

// AutoRespondEnabled defaults to true when the flag was never set.
func (s Settings) AutoRespondEnabled() bool {
	return s.AutoRespond == nil || *s.AutoRespond
}

func (s Settings) GroupsEnabled() bool {
	return s.RespondToGroups != nil && *s.RespondToGroups
}

type BusinessHours struct {
	Enabled  bool                 `json:"enabled"`
	Timezone string               `json:"timezone,omitempty"`
	Schedule map[string]DayWindow `json:"schedule"`
}

// DayWindow holds "HH:MM" bounds, keyed by lowercase weekday name.
type DayWindow struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// QR is a time-bounded pairing payload.
type QR struct {
	Code        string    `json:"code"`
	Image       string    `json:"image"`
	PairingCode string    `json:"pairing_code,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}
