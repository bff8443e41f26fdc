package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type InviteCode struct {
	ID       string `gorm:"type:char(36);primaryKey" json:"id"`
	TenantID string `gorm:"type:char(36);not null;index" json:"tenant_id"`
	Code     string `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`

	// Role granted to users created through this code.
	Role string `gorm:"type:varchar(16);not null;default:user" json:"role"`

	MaxUses   int        `gorm:"not null;default:0" json:"max_uses"` // 0 = unlimited
	UseCount  int        `gorm:"not null;default:0" json:"use_count"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `gorm:"not null;default:true" json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
}

func (InviteCode) TableName() string { return "invite_codes" }

func (ic *InviteCode) BeforeCreate(tx *gorm.DB) error {
	if ic.ID == "" {
		ic.ID = uuid.NewString()
	}
	return nil
}

type InviteRedemption struct {
	ID           string    `gorm:"type:char(36);primaryKey" json:"id"`
	InviteCodeID string    `gorm:"type:char(36);not null;index" json:"invite_code_id"`
	UserID       string    `gorm:"type:char(36);not null;index" json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

func (InviteRedemption) TableName() string { return "invite_redemptions" }

func (ir *InviteRedemption) BeforeCreate(tx *gorm.DB) error {
	if ir.ID == "" {
		ir.ID = uuid.NewString()
	}
	return nil
}
