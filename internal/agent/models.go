package agent

import "time"

type Agent struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint64    `gorm:"index;not null" json:"-"`
	Name         string    `gorm:"type:varchar(128);not null" json:"name"`
	Provider     string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model        string    `gorm:"type:varchar(64);not null" json:"model"`
	SystemPrompt string    `gorm:"type:text" json:"system_prompt"`
	Active       bool      `gorm:"not null;default:true;index" json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Agent) TableName() string { return "agents" }
