package db

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/chat"
	"github.com/botdeskhq/botdesk/internal/models"
)

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return gdb, nil
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.Tenant{},
		&models.User{},
		&models.Chatbot{},
		&models.Conversation{},
		&models.Message{},
		&models.Feedback{},
		&models.InviteCode{},
		&models.InviteRedemption{},
		&models.UsageRecord{},
		&chat.Job{},
	)
}

// SeedDemo makes sure the reserved demo tenant and user exist so the
// chat endpoint works without any identity hints.
func SeedDemo(gdb *gorm.DB) error {
	tenant := models.Tenant{
		ID:       models.DemoTenantID,
		Name:     "Demo Company",
		Slug:     "demo",
		IsActive: true,
	}
	if err := gdb.Where("id = ?", tenant.ID).FirstOrCreate(&tenant).Error; err != nil {
		return err
	}

	user := models.User{
		ID:       models.DemoUserID,
		TenantID: models.DemoTenantID,
		Email:    "demo@botdesk.local",
		Name:     "Demo User",
		Role:     models.RoleGuest,
		IsActive: true,
	}
	return gdb.Where("id = ?", user.ID).FirstOrCreate(&user).Error
}
