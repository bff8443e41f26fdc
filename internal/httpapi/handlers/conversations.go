package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/botdeskhq/botdesk/internal/common"
	"github.com/botdeskhq/botdesk/internal/identity"
	"github.com/botdeskhq/botdesk/internal/models"
)

func (h *Handler) resolveQueryIdentity(c *gin.Context) (*identity.Context, error) {
	return h.Resolver.Resolve(c.Request.Context(), identity.Hints{
		UserID:      c.Query("user_id"),
		CompanySlug: c.Query("company_slug"),
		UserEmail:   c.Query("user_email"),
	})
}

func conversationView(cv *models.Conversation) gin.H {
	return gin.H{
		"id":          cv.ID,
		"title":       cv.Title,
		"chatbot_id":  cv.ChatbotID,
		"is_archived": cv.IsArchived,
		"metadata":    cv.Aggregates(),
		"created_at":  cv.CreatedAt,
		"updated_at":  cv.UpdatedAt,
	}
}

func (h *Handler) ListConversations(c *gin.Context) {
	ident, err := h.resolveQueryIdentity(c)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	convs, err := h.ChatSvc.ListConversations(c.Request.Context(), ident.UserID, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to list conversations")
		return
	}

	out := make([]gin.H, 0, len(convs))
	for i := range convs {
		out = append(out, conversationView(&convs[i]))
	}
	common.OK(c, gin.H{"conversations": out})
}

func (h *Handler) ListConversationMessages(c *gin.Context) {
	ident, err := h.resolveQueryIdentity(c)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	conv, err := h.ChatSvc.GetOwnedConversation(c.Request.Context(), c.Param("conversation_id"), ident.UserID)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var before *time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, common.CodeValidation, "before must be RFC3339")
			return
		}
		before = &t
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), conv.ID, limit, before)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to list messages")
		return
	}

	common.OK(c, gin.H{
		"conversation": conversationView(conv),
		"messages":     msgs,
	})
}
