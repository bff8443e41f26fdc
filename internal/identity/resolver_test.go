package identity

import (
	"context"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/common"
	"github.com/botdeskhq/botdesk/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Tenant{}, &models.User{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedTenant(t *testing.T, db *gorm.DB, active bool) models.Tenant {
	t.Helper()
	tenant := models.Tenant{
		Name:     "Acme",
		Slug:     "acme-" + strings.ToLower(t.Name()),
		IsActive: active,
	}
	if err := db.Create(&tenant).Error; err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return tenant
}

func TestResolve_NoHintsFallsBackToDemo(t *testing.T) {
	r := NewResolver(openTestDB(t), nil, zap.NewNop())

	ident, err := r.Resolve(context.Background(), Hints{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ident.IsDemo {
		t.Fatal("expected demo identity")
	}
	if ident.UserID != models.DemoUserID || ident.TenantID != models.DemoTenantID {
		t.Fatalf("unexpected demo identity: %+v", ident)
	}
}

func TestResolve_ByUserID(t *testing.T) {
	db := openTestDB(t)
	tenant := seedTenant(t, db, true)
	user := models.User{TenantID: tenant.ID, Email: "alice@example.com", Role: models.RoleUser, IsActive: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	r := NewResolver(db, nil, zap.NewNop())

	ident, err := r.Resolve(context.Background(), Hints{UserID: user.ID})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ident.UserID != user.ID || ident.TenantID != tenant.ID || ident.IsDemo {
		t.Fatalf("unexpected identity: %+v", ident)
	}
}

func TestResolve_ByUserID_Errors(t *testing.T) {
	r := NewResolver(openTestDB(t), nil, zap.NewNop())

	_, err := r.Resolve(context.Background(), Hints{UserID: "not-a-uuid"})
	if ae, ok := common.AsAppError(err); !ok || ae.Code != common.CodeValidation {
		t.Fatalf("expected validation_error, got %v", err)
	}

	_, err = r.Resolve(context.Background(), Hints{UserID: "22222222-2222-2222-2222-222222222222"})
	if ae, ok := common.AsAppError(err); !ok || ae.Code != common.CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestResolve_SlugEmail_CreatesGuest(t *testing.T) {
	db := openTestDB(t)
	tenant := seedTenant(t, db, true)

	r := NewResolver(db, nil, zap.NewNop())

	ident, err := r.Resolve(context.Background(), Hints{
		CompanySlug: tenant.Slug,
		UserEmail:   "Jane.Doe@Example.com",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var user models.User
	if err := db.First(&user, "id = ?", ident.UserID).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if user.Email != "jane.doe@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if user.Role != models.RoleGuest {
		t.Fatalf("role = %q, want guest", user.Role)
	}
	if user.Name != "jane doe" {
		t.Fatalf("derived name = %q", user.Name)
	}
	if user.TenantID != tenant.ID {
		t.Fatalf("tenant = %q", user.TenantID)
	}
}

func TestResolve_SlugEmail_FindsExistingUser(t *testing.T) {
	db := openTestDB(t)
	tenant := seedTenant(t, db, true)
	user := models.User{TenantID: tenant.ID, Email: "bob@example.com", Name: "Bob", Role: models.RoleUser, IsActive: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	r := NewResolver(db, nil, zap.NewNop())

	ident, err := r.Resolve(context.Background(), Hints{
		CompanySlug: tenant.Slug,
		UserEmail:   "BOB@example.com",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ident.UserID != user.ID {
		t.Fatalf("resolved %q, want existing user %q", ident.UserID, user.ID)
	}

	if err := db.First(&user, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if user.LastActiveAt == nil {
		t.Fatal("last_active_at not refreshed")
	}

	var count int64
	if err := db.Model(&models.User{}).Where("tenant_id = ?", tenant.ID).Count(&count).Error; err != nil {
		t.Fatalf("count users: %v", err)
	}
	if count != 1 {
		t.Fatalf("user duplicated: count = %d", count)
	}
}

func TestResolve_SlugEmail_UnknownSlug(t *testing.T) {
	r := NewResolver(openTestDB(t), nil, zap.NewNop())

	_, err := r.Resolve(context.Background(), Hints{
		CompanySlug: "nobody-home",
		UserEmail:   "a@b.co",
	})
	ae, ok := common.AsAppError(err)
	if !ok || ae.Code != common.CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestResolve_SlugEmail_InactiveTenantHidden(t *testing.T) {
	db := openTestDB(t)
	tenant := seedTenant(t, db, false)

	r := NewResolver(db, nil, zap.NewNop())

	_, err := r.Resolve(context.Background(), Hints{
		CompanySlug: tenant.Slug,
		UserEmail:   "a@b.co",
	})
	ae, ok := common.AsAppError(err)
	if !ok || ae.Code != common.CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestResolve_SlugEmail_Validation(t *testing.T) {
	db := openTestDB(t)
	tenant := seedTenant(t, db, true)
	r := NewResolver(db, nil, zap.NewNop())

	// half-supplied pair
	_, err := r.Resolve(context.Background(), Hints{CompanySlug: tenant.Slug})
	if ae, ok := common.AsAppError(err); !ok || ae.Code != common.CodeValidation {
		t.Fatalf("expected validation_error, got %v", err)
	}

	// malformed address
	_, err = r.Resolve(context.Background(), Hints{CompanySlug: tenant.Slug, UserEmail: "nope"})
	if ae, ok := common.AsAppError(err); !ok || ae.Code != common.CodeValidation {
		t.Fatalf("expected validation_error, got %v", err)
	}
}

func TestNameFromEmail(t *testing.T) {
	cases := map[string]string{
		"jane.doe@example.com": "jane doe",
		"a_b-c@example.com":    "a b c",
		"solo@example.com":     "solo",
	}
	for in, want := range cases {
		if got := nameFromEmail(in); got != want {
			t.Errorf("nameFromEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
