package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/common"
	"github.com/botdeskhq/botdesk/internal/models"
	"github.com/botdeskhq/botdesk/internal/store/redisstore"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Context is the resolved acting identity for one request. It is built
// fresh per request; the demo identity is just one variant, never a
// shared global.
type Context struct {
	UserID   string
	TenantID string
	IsDemo   bool
}

// Hints are the identity fields a chat request may carry. The three
// shapes are mutually exclusive: user id, slug+email, or nothing.
type Hints struct {
	UserID      string
	CompanySlug string
	UserEmail   string
	UserName    string
}

type Resolver struct {
	db    *gorm.DB
	cache *redisstore.Store // optional
	log   *zap.Logger
}

func NewResolver(db *gorm.DB, cache *redisstore.Store, log *zap.Logger) *Resolver {
	return &Resolver{db: db, cache: cache, log: log}
}

func (r *Resolver) Resolve(ctx context.Context, h Hints) (*Context, error) {
	switch {
	case h.UserID != "":
		return r.resolveByUserID(ctx, h.UserID)
	case h.CompanySlug != "" || h.UserEmail != "":
		if h.CompanySlug == "" || h.UserEmail == "" {
			return nil, common.NewValidation("company_slug and user_email must be supplied together")
		}
		return r.resolveBySlugEmail(ctx, h)
	default:
		return &Context{UserID: models.DemoUserID, TenantID: models.DemoTenantID, IsDemo: true}, nil
	}
}

func (r *Resolver) resolveByUserID(ctx context.Context, userID string) (*Context, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, common.NewValidation("user_id must be a valid UUID")
	}

	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFound("user not found")
		}
		return nil, err
	}
	return &Context{UserID: user.ID, TenantID: user.TenantID}, nil
}

func (r *Resolver) resolveBySlugEmail(ctx context.Context, h Hints) (*Context, error) {
	email := strings.ToLower(strings.TrimSpace(h.UserEmail))
	if !emailRe.MatchString(email) {
		return nil, common.NewValidation("user_email is not a valid email address")
	}

	tenant, err := r.tenantBySlug(ctx, strings.TrimSpace(h.CompanySlug))
	if err != nil {
		return nil, err
	}

	var user models.User
	err = r.db.WithContext(ctx).
		Where("tenant_id = ? AND LOWER(email) = ?", tenant.ID, email).
		First(&user).Error
	switch {
	case err == nil:
		now := time.Now()
		if uerr := r.db.WithContext(ctx).Model(&user).Update("last_active_at", now).Error; uerr != nil {
			r.log.Warn("refresh last_active_at failed", zap.String("user_id", user.ID), zap.Error(uerr))
		}
		return &Context{UserID: user.ID, TenantID: tenant.ID}, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		// first contact: create a guest, never fail on "user not found"
		name := strings.TrimSpace(h.UserName)
		if name == "" {
			name = nameFromEmail(email)
		}
		user = models.User{
			TenantID: tenant.ID,
			Email:    email,
			Name:     name,
			Role:     models.RoleGuest,
			IsActive: true,
		}
		if cerr := r.db.WithContext(ctx).Create(&user).Error; cerr != nil {
			return nil, cerr
		}
		return &Context{UserID: user.ID, TenantID: tenant.ID}, nil

	default:
		return nil, err
	}
}

func (r *Resolver) tenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	var tenant models.Tenant

	if r.cache != nil {
		if id, err := r.cache.TenantIDBySlug(ctx, slug); err == nil {
			if derr := r.db.WithContext(ctx).First(&tenant, "id = ?", id).Error; derr == nil {
				if !tenant.IsActive {
					return nil, common.NewNotFound("company not found")
				}
				return &tenant, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			r.log.Warn("tenant slug cache lookup failed", zap.String("slug", slug), zap.Error(err))
		}
	}

	if err := r.db.WithContext(ctx).First(&tenant, "slug = ?", slug).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFound("company not found")
		}
		return nil, err
	}
	if !tenant.IsActive {
		return nil, common.NewNotFound("company not found")
	}

	if r.cache != nil {
		if err := r.cache.SetTenantIDBySlug(ctx, slug, tenant.ID); err != nil {
			r.log.Warn("tenant slug cache set failed", zap.String("slug", slug), zap.Error(err))
		}
	}
	return &tenant, nil
}

// nameFromEmail derives a display name from the email local part.
func nameFromEmail(email string) string {
	local := email
	if i := strings.Index(email, "@"); i > 0 {
		local = email[:i]
	}
	local = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local)
	return strings.TrimSpace(local)
}
