package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const DefaultConversationTitle = "New Conversation"

type Conversation struct {
	ID        string  `gorm:"type:char(36);primaryKey" json:"id"`
	TenantID  string  `gorm:"type:char(36);not null;index" json:"tenant_id"`
	UserID    string  `gorm:"type:char(36);not null;index:idx_conv_user" json:"user_id"`
	ChatbotID *string `gorm:"type:char(36);index" json:"chatbot_id,omitempty"`

	Title      string `gorm:"type:varchar(255);not null" json:"title"`
	IsArchived bool   `gorm:"not null;default:false" json:"is_archived"`

	// Running aggregates. Kept as real columns so turn completion can
	// bump them with a single atomic UPDATE instead of a JSON
	// read-modify-write.
	MessageCount  int        `gorm:"not null;default:0" json:"-"`
	TotalTokens   int        `gorm:"not null;default:0" json:"-"`
	LastMessageAt *time.Time `json:"-"`

	// Non-counter extras: model in use, anything ad hoc.
	Metadata datatypes.JSON `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

func (cv *Conversation) BeforeCreate(tx *gorm.DB) error {
	if cv.ID == "" {
		cv.ID = uuid.NewString()
	}
	if cv.Title == "" {
		cv.Title = DefaultConversationTitle
	}
	return nil
}

// ConversationMetadata is the aggregate block exposed on API responses.
type ConversationMetadata struct {
	MessageCount  int        `json:"message_count"`
	TotalTokens   int        `json:"total_tokens"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Model         string     `json:"model,omitempty"`
}

func (cv *Conversation) Aggregates() ConversationMetadata {
	m := ConversationMetadata{
		MessageCount:  cv.MessageCount,
		TotalTokens:   cv.TotalTokens,
		LastMessageAt: cv.LastMessageAt,
	}
	if len(cv.Metadata) > 0 {
		var extra struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(cv.Metadata, &extra); err == nil {
			m.Model = extra.Model
		}
	}
	return m
}
