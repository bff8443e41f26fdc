package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Chatbot struct {
	ID          string `gorm:"type:char(36);primaryKey" json:"id"`
	TenantID    string `gorm:"type:char(36);not null;index" json:"tenant_id"`
	Name        string `gorm:"type:varchar(255);not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`

	SystemPrompt *string  `gorm:"type:text" json:"system_prompt,omitempty"`
	Model        *string  `gorm:"type:varchar(64)" json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`

	// Free-form settings document: model_params, provider_options and
	// whatever legacy keys older rows still carry.
	Settings datatypes.JSON `json:"settings,omitempty"`

	IsPublished bool `gorm:"not null;default:false" json:"is_published"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chatbot) TableName() string { return "chatbots" }

func (b *Chatbot) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}
