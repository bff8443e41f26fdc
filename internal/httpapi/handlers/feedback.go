package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/common"
	"github.com/botdeskhq/botdesk/internal/models"
)

type feedbackReq struct {
	Rating int    `json:"rating" binding:"required"`
	Note   string `json:"note"`
}

// SubmitFeedback appends a rating row for a message. Visibility runs
// through the message's conversation: wrong owner reads as not found.
func (h *Handler) SubmitFeedback(c *gin.Context) {
	ident, err := h.resolveQueryIdentity(c)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	var req feedbackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid json")
		return
	}
	if req.Rating != 1 && req.Rating != -1 {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "rating must be +1 or -1")
		return
	}

	msg, err := h.Repo.GetMessage(c.Request.Context(), c.Param("message_id"))
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, common.CodeNotFound, "message not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}

	if _, err := h.ChatSvc.GetOwnedConversation(c.Request.Context(), msg.ConversationID, ident.UserID); err != nil {
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "message not found")
		return
	}

	fb := &models.Feedback{
		MessageID: msg.ID,
		Rating:    req.Rating,
		Note:      req.Note,
	}
	if err := h.Repo.CreateFeedback(c.Request.Context(), fb); err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to save feedback")
		return
	}

	summary, err := h.Repo.SummarizeFeedback(c.Request.Context(), msg.ID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to summarize feedback")
		return
	}

	common.OK(c, gin.H{
		"feedback": fb,
		"summary":  summary,
	})
}
