package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UsageRecord is written once per completed chat turn.
type UsageRecord struct {
	ID             string `gorm:"type:char(36);primaryKey" json:"id"`
	TenantID       string `gorm:"type:char(36);not null;index:idx_usage_tenant_created,priority:1" json:"tenant_id"`
	UserID         string `gorm:"type:char(36);not null;index" json:"user_id"`
	ConversationID string `gorm:"type:char(36);not null;index" json:"conversation_id"`

	Model            string `gorm:"type:varchar(64);not null" json:"model"`
	PromptTokens     int    `gorm:"not null" json:"prompt_tokens"`
	CompletionTokens int    `gorm:"not null" json:"completion_tokens"`
	TotalTokens      int    `gorm:"not null" json:"total_tokens"`

	CreatedAt time.Time `gorm:"index:idx_usage_tenant_created,priority:2" json:"created_at"`
}

func (UsageRecord) TableName() string { return "usage_records" }

func (u *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
