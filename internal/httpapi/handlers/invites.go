package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/common"
	"github.com/botdeskhq/botdesk/internal/models"
)

type redeemInviteReq struct {
	Code  string `json:"code" binding:"required"`
	Email string `json:"email" binding:"required"`
	Name  string `json:"name"`
}

// RedeemInvite creates (or finds) a user under the code's tenant and
// records the redemption. Codes themselves are provisioned by admins
// out of band.
func (h *Handler) RedeemInvite(c *gin.Context) {
	var req redeemInviteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid json")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !strings.Contains(email, "@") {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "email is not a valid email address")
		return
	}

	ctx := c.Request.Context()

	var code models.InviteCode
	if err := h.DB.WithContext(ctx).First(&code, "code = ?", strings.TrimSpace(req.Code)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, common.CodeNotFound, "invite code not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}

	switch {
	case !code.IsActive:
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invite code is no longer active")
		return
	case code.ExpiresAt != nil && code.ExpiresAt.Before(time.Now()):
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invite code has expired")
		return
	case code.MaxUses > 0 && code.UseCount >= code.MaxUses:
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invite code has reached its use limit")
		return
	}

	var user models.User
	err := h.DB.WithContext(ctx).
		Where("tenant_id = ? AND LOWER(email) = ?", code.TenantID, email).
		First(&user).Error
	if err == gorm.ErrRecordNotFound {
		user = models.User{
			TenantID: code.TenantID,
			Email:    email,
			Name:     strings.TrimSpace(req.Name),
			Role:     code.Role,
			IsActive: true,
		}
		err = h.DB.WithContext(ctx).Create(&user).Error
	}
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to create user")
		return
	}

	redemption := models.InviteRedemption{
		InviteCodeID: code.ID,
		UserID:       user.ID,
	}
	if err := h.DB.WithContext(ctx).Create(&redemption).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to record redemption")
		return
	}

	// counter bump mirrors the conversation aggregates: one atomic UPDATE
	if err := h.DB.WithContext(ctx).Model(&models.InviteCode{}).
		Where("id = ?", code.ID).
		Update("use_count", gorm.Expr("use_count + 1")).Error; err != nil {
		h.Log.Warn("invite use_count bump failed", zap.String("code_id", code.ID), zap.Error(err))
	}

	common.OK(c, gin.H{
		"user": gin.H{
			"id":        user.ID,
			"tenant_id": user.TenantID,
			"email":     user.Email,
			"name":      user.Name,
			"role":      user.Role,
		},
	})
}
