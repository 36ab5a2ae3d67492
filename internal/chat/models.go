package chat

import (
	"slices"
	"time"

	"github.com/suPer8Hu/agentdesk/internal/ai"
	"gorm.io/datatypes"
)

type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message delivery states. Inbound messages start as received, outbound ones
// move through sent, delivered and read as the gateway acknowledges them.
const (
	StatusReceived  = "received"
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

var deliveryRank = map[string]int{
	StatusPending:   0,
	StatusReceived:  0,
	StatusFailed:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// supersededBy lists the stored statuses that status may overwrite. Receipts
// only move forward; failed applies to messages not yet acknowledged.
func supersededBy(status string) []string {
	if status == StatusFailed {
		return []string{StatusPending, StatusSent}
	}
	rank, ok := deliveryRank[status]
	if !ok {
		return nil
	}
	var out []string
	for s, r := range deliveryRank {
		if r < rank {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

// Thread is a conversation. WhatsApp-backed threads carry InstanceID and
// ContactJID; web threads leave both nil.
type Thread struct {
	ID            uint64       `gorm:"primaryKey;autoIncrement" json:"-"`
	ThreadID      string       `gorm:"type:varchar(26);uniqueIndex;not null" json:"thread_id"`
	UserID        uint64       `gorm:"index;not null" json:"-"`
	Title         string       `gorm:"type:varchar(255)" json:"title"`
	AgentID       *uint64      `gorm:"index" json:"agent_id"`
	InstanceID    *uint64      `gorm:"index:uniq_thread_contact,unique,priority:1" json:"instance_id"`
	ContactJID    *string      `gorm:"column:contact_jid;type:varchar(128);index:uniq_thread_contact,unique,priority:2" json:"contact_jid"`
	ContactPhone  string       `gorm:"type:varchar(32)" json:"contact_phone"`
	ContactName   string       `gorm:"type:varchar(255)" json:"contact_name"`
	HumanMode     bool         `gorm:"not null;default:false" json:"human_mode"`
	MessageCount  int          `gorm:"not null;default:0" json:"message_count"`
	Status        ThreadStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	LastMessageAt *time.Time   `json:"last_message_at"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (Thread) TableName() string { return "threads" }

// MessageMeta is the per-message metadata bag.
type MessageMeta struct {
	Source            string     `json:"source,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	RemoteJID         string     `json:"remote_jid,omitempty"`
	Participant       string     `json:"participant,omitempty"`
	PushName          string     `json:"push_name,omitempty"`
	Type              string     `json:"type,omitempty"`
	MediaURL          string     `json:"media_url,omitempty"`
	MimeType          string     `json:"mime_type,omitempty"`
	FileName          string     `json:"file_name,omitempty"`
	Caption           string     `json:"caption,omitempty"`
	QuotedID          string     `json:"quoted_id,omitempty"`
	IsGroup           bool       `json:"is_group,omitempty"`
	ProviderTimestamp *time.Time `json:"provider_timestamp,omitempty"`

	AgentID  uint64    `json:"agent_id,omitempty"`
	Model    string    `json:"model,omitempty"`
	Usage    *ai.Usage `json:"usage,omitempty"`
	Fallback bool      `json:"fallback,omitempty"`
	Error    string    `json:"error,omitempty"`
}

const (
	SourceWebhook = "webhook"
	SourceSync    = "sync"
	SourceWeb     = "web"
)

type Message struct {
	ID                uint64                          `gorm:"primaryKey;autoIncrement" json:"id"`
	ThreadID          string                          `gorm:"type:varchar(26);not null;index:idx_msg_thread_pos,priority:1" json:"thread_id"`
	Role              string                          `gorm:"type:varchar(16);not null" json:"role"`
	Content           string                          `gorm:"type:text;not null" json:"content"`
	Position          int                             `gorm:"not null;index:idx_msg_thread_pos,priority:2" json:"position"`
	InstanceID        *uint64                         `gorm:"index:uniq_msg_provider,unique,priority:1" json:"-"`
	ProviderMessageID *string                         `gorm:"type:varchar(128);index:uniq_msg_provider,unique,priority:2" json:"provider_message_id,omitempty"`
	Status            string                          `gorm:"type:varchar(16);not null" json:"status"`
	Metadata          datatypes.JSONType[MessageMeta] `json:"metadata"`
	CreatedAt         time.Time                       `json:"created_at"`
}

func (Message) TableName() string { return "thread_messages" }

// RoutingRule binds an instance, optionally narrowed to one contact, to an agent.
// A nil ContactJID is the instance-wide wildcard.
type RoutingRule struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint64    `gorm:"index;not null" json:"-"`
	InstanceID uint64    `gorm:"index:idx_rule_lookup,priority:1;not null" json:"instance_id"`
	ContactJID *string   `gorm:"column:contact_jid;type:varchar(128);index:idx_rule_lookup,priority:2" json:"contact_jid"`
	AgentID    uint64    `gorm:"not null" json:"agent_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (RoutingRule) TableName() string { return "routing_rules" }
