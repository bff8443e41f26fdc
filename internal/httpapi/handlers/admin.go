package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/auth"
	"github.com/botdeskhq/botdesk/internal/common"
	"github.com/botdeskhq/botdesk/internal/httpapi/middleware"
	"github.com/botdeskhq/botdesk/internal/models"
)

type adminLoginReq struct {
	CompanySlug string `json:"company_slug" binding:"required"`
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
}

func (h *Handler) AdminLogin(c *gin.Context) {
	var req adminLoginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid json")
		return
	}

	ctx := c.Request.Context()

	var tenant models.Tenant
	if err := h.DB.WithContext(ctx).First(&tenant, "slug = ?", strings.TrimSpace(req.CompanySlug)).Error; err != nil {
		common.Fail(c, http.StatusUnauthorized, common.CodeValidation, "invalid credentials")
		return
	}

	var user models.User
	err := h.DB.WithContext(ctx).
		Where("tenant_id = ? AND LOWER(email) = ? AND role = ?",
			tenant.ID, strings.ToLower(strings.TrimSpace(req.Email)), models.RoleAdmin).
		First(&user).Error
	if err != nil || user.PasswordHash == nil || !auth.CheckPassword(*user.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, common.CodeValidation, "invalid credentials")
		return
	}

	token, err := auth.SignJWT(user.ID, user.TenantID, user.Role, h.Cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to sign token")
		return
	}

	common.OK(c, gin.H{"token": token})
}

type createTenantReq struct {
	Name string `json:"name" binding:"required"`
	Slug string `json:"slug" binding:"required"`

	DefaultModel        *string  `json:"default_model"`
	DefaultTemperature  *float64 `json:"default_temperature"`
	DefaultMaxTokens    *int     `json:"default_max_tokens"`
	DefaultSystemPrompt *string  `json:"default_system_prompt"`

	AdminEmail    string `json:"admin_email" binding:"required"`
	AdminPassword string `json:"admin_password" binding:"required"`
}

// CreateTenant provisions a tenant together with its first admin user.
func (h *Handler) CreateTenant(c *gin.Context) {
	var req createTenantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid json")
		return
	}

	hash, err := auth.HashPassword(req.AdminPassword)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to hash password")
		return
	}

	tenant := models.Tenant{
		Name:                req.Name,
		Slug:                strings.TrimSpace(req.Slug),
		IsActive:            true,
		DefaultModel:        req.DefaultModel,
		DefaultTemperature:  req.DefaultTemperature,
		DefaultMaxTokens:    req.DefaultMaxTokens,
		DefaultSystemPrompt: req.DefaultSystemPrompt,
	}

	admin := models.User{
		Email:        strings.ToLower(strings.TrimSpace(req.AdminEmail)),
		Role:         models.RoleAdmin,
		IsActive:     true,
		PasswordHash: &hash,
	}

	err = h.DB.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&tenant).Error; err != nil {
			return err
		}
		admin.TenantID = tenant.ID
		return tx.Create(&admin).Error
	})
	if err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "failed to create tenant (maybe slug already exists)")
		return
	}

	common.OK(c, gin.H{"tenant": tenant, "admin_user_id": admin.ID})
}

// tenantScope enforces that the JWT's tenant matches the path tenant.
func (h *Handler) tenantScope(c *gin.Context) (string, bool) {
	claims, ok := middleware.AdminClaims(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeValidation, "missing claims")
		return "", false
	}
	tenantID := c.Param("tenant_id")
	if tenantID != claims.TenantID {
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "company not found")
		return "", false
	}
	return tenantID, true
}

type updateTenantReq struct {
	Name     *string `json:"name"`
	IsActive *bool   `json:"is_active"`

	DefaultModel        *string  `json:"default_model"`
	DefaultTemperature  *float64 `json:"default_temperature"`
	DefaultMaxTokens    *int     `json:"default_max_tokens"`
	DefaultSystemPrompt *string  `json:"default_system_prompt"`
}

func (h *Handler) UpdateTenant(c *gin.Context) {
	tenantID, ok := h.tenantScope(c)
	if !ok {
		return
	}

	var req updateTenantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid json")
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.DefaultModel != nil {
		updates["default_model"] = *req.DefaultModel
	}
	if req.DefaultTemperature != nil {
		updates["default_temperature"] = *req.DefaultTemperature
	}
	if req.DefaultMaxTokens != nil {
		updates["default_max_tokens"] = *req.DefaultMaxTokens
	}
	if req.DefaultSystemPrompt != nil {
		updates["default_system_prompt"] = *req.DefaultSystemPrompt
	}
	if len(updates) == 0 {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "no fields to update")
		return
	}

	if err := h.DB.WithContext(c.Request.Context()).Model(&models.Tenant{}).
		Where("id = ?", tenantID).Updates(updates).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to update company")
		return
	}

	var tenant models.Tenant
	if err := h.DB.WithContext(c.Request.Context()).First(&tenant, "id = ?", tenantID).Error; err != nil {
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "company not found")
		return
	}

	// deactivation must take effect before the cache TTL runs out
	if h.Cache != nil {
		if err := h.Cache.DeleteTenantSlug(c.Request.Context(), tenant.Slug); err != nil {
			h.Log.Warn("tenant slug cache invalidation failed",
				zap.String("slug", tenant.Slug), zap.Error(err))
		}
	}

	common.OK(c, gin.H{"tenant": tenant})
}

type chatbotReq struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	SystemPrompt *string  `json:"system_prompt"`
	Model        *string  `json:"model"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`

	Settings    map[string]any `json:"settings"`
	IsPublished *bool          `json:"is_published"`
}

func (h *Handler) CreateChatbot(c *gin.Context) {
	tenantID, ok := h.tenantScope(c)
	if !ok {
		return
	}

	var req chatbotReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "name is required")
		return
	}

	bot := models.Chatbot{
		TenantID:     tenantID,
		Name:         req.Name,
		Description:  req.Description,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	}
	if req.IsPublished != nil {
		bot.IsPublished = *req.IsPublished
	}
	if req.Settings != nil {
		b, err := json.Marshal(req.Settings)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid settings document")
			return
		}
		bot.Settings = datatypes.JSON(b)
	}

	if err := h.DB.WithContext(c.Request.Context()).Create(&bot).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to create chatbot")
		return
	}
	common.OK(c, gin.H{"chatbot": bot})
}

func (h *Handler) UpdateChatbot(c *gin.Context) {
	claims, ok := middleware.AdminClaims(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeValidation, "missing claims")
		return
	}

	ctx := c.Request.Context()
	var bot models.Chatbot
	if err := h.DB.WithContext(ctx).First(&bot, "id = ?", c.Param("chatbot_id")).Error; err != nil {
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "chatbot not found")
		return
	}
	if bot.TenantID != claims.TenantID {
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "chatbot not found")
		return
	}

	var req chatbotReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid json")
		return
	}

	if req.Name != "" {
		bot.Name = req.Name
	}
	if req.Description != "" {
		bot.Description = req.Description
	}
	if req.SystemPrompt != nil {
		bot.SystemPrompt = req.SystemPrompt
	}
	if req.Model != nil {
		bot.Model = req.Model
	}
	if req.Temperature != nil {
		bot.Temperature = req.Temperature
	}
	if req.MaxTokens != nil {
		bot.MaxTokens = req.MaxTokens
	}
	if req.IsPublished != nil {
		bot.IsPublished = *req.IsPublished
	}
	if req.Settings != nil {
		b, err := json.Marshal(req.Settings)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid settings document")
			return
		}
		bot.Settings = datatypes.JSON(b)
	}

	if err := h.DB.WithContext(ctx).Save(&bot).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to update chatbot")
		return
	}
	common.OK(c, gin.H{"chatbot": bot})
}

// ListTenantConversations is the admin review surface: every
// conversation in the company, regardless of owner.
func (h *Handler) ListTenantConversations(c *gin.Context) {
	tenantID, ok := h.tenantScope(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	convs, err := h.Repo.ListTenantConversations(c.Request.Context(), tenantID, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to list conversations")
		return
	}

	out := make([]gin.H, 0, len(convs))
	for i := range convs {
		v := conversationView(&convs[i])
		v["user_id"] = convs[i].UserID
		out = append(out, v)
	}
	common.OK(c, gin.H{"conversations": out})
}

func (h *Handler) TenantUsage(c *gin.Context) {
	tenantID, ok := h.tenantScope(c)
	if !ok {
		return
	}

	since := time.Now().AddDate(0, -1, 0)
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, common.CodeValidation, "since must be RFC3339")
			return
		}
		since = t
	}

	summary, err := h.Repo.SummarizeUsage(c.Request.Context(), tenantID, since)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to summarize usage")
		return
	}
	common.OK(c, gin.H{"since": since, "usage": summary})
}
