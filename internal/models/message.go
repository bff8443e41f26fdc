package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MsgRoleSystem    = "system"
	MsgRoleUser      = "user"
	MsgRoleAssistant = "assistant"
)

// Message rows are immutable once written; created_at is the sole
// ordering key for history replay.
type Message struct {
	ID             string `gorm:"type:char(36);primaryKey" json:"id"`
	ConversationID string `gorm:"type:char(36);not null;index:idx_msg_conv_created,priority:1" json:"conversation_id"`
	Role           string `gorm:"type:varchar(16);not null" json:"role"`
	Content        string `gorm:"type:text;not null" json:"content"`

	// token counts, latency, finish reason
	Metadata datatypes.JSON `json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_msg_conv_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Feedback is append-only; repeated submissions add rows and summaries
// aggregate across all of them.
type Feedback struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	MessageID string    `gorm:"type:char(36);not null;index" json:"message_id"`
	Rating    int       `gorm:"not null" json:"rating"` // +1 or -1
	Note      string    `gorm:"type:text" json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (Feedback) TableName() string { return "feedback" }

func (f *Feedback) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return nil
}
