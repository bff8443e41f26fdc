package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"
)

type User struct {
	ID       string `gorm:"type:char(36);primaryKey" json:"id"`
	TenantID string `gorm:"type:char(36);not null;index:uniq_user_tenant_email,unique,priority:1" json:"tenant_id"`
	Email    string `gorm:"type:varchar(255);not null;index:uniq_user_tenant_email,unique,priority:2" json:"email"`
	Name     string `gorm:"type:varchar(255)" json:"name"`
	Role     string `gorm:"type:varchar(16);not null;default:user" json:"role"`
	IsActive bool   `gorm:"not null;default:true" json:"is_active"`

	// Set only for admin accounts that can log into the admin API.
	PasswordHash *string `gorm:"type:varchar(255)" json:"-"`

	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
