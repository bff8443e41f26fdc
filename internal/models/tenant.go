package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Reserved demo identity, seeded at startup. Used when a request carries
// no identity hints at all.
const (
	DemoTenantID = "00000000-0000-0000-0000-000000000001"
	DemoUserID   = "00000000-0000-0000-0000-000000000002"
)

type Tenant struct {
	ID       string `gorm:"type:char(36);primaryKey" json:"id"`
	Name     string `gorm:"type:varchar(255);not null" json:"name"`
	Slug     string `gorm:"type:varchar(64);uniqueIndex;not null" json:"slug"`
	IsActive bool   `gorm:"not null;default:true" json:"is_active"`

	Branding datatypes.JSON `json:"branding,omitempty"`

	// Optional tenant-level defaults, consulted by the settings chain
	// when neither the request nor the chatbot pins a value.
	DefaultModel        *string  `gorm:"type:varchar(64)" json:"default_model,omitempty"`
	DefaultTemperature  *float64 `json:"default_temperature,omitempty"`
	DefaultMaxTokens    *int     `json:"default_max_tokens,omitempty"`
	DefaultSystemPrompt *string  `gorm:"type:text" json:"default_system_prompt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
