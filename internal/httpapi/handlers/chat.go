package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/chat"
	"github.com/botdeskhq/botdesk/internal/common"
	"github.com/botdeskhq/botdesk/internal/identity"
	"github.com/botdeskhq/botdesk/internal/models"
)

const (
	HeaderConversationID  = "X-Conversation-Id"
	HeaderConversationNew = "X-Conversation-New"
)

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatReq struct {
	// either a bare message or the full turn history; with the latter
	// the server extracts only the latest user turn
	Message  string     `json:"message"`
	Messages []chatTurn `json:"messages"`

	ConversationID string `json:"conversation_id"`
	ChatbotID      string `json:"chatbot_id"`

	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`

	// identity: user_id OR company_slug+user_email(+user_name)
	UserID      string `json:"user_id"`
	CompanySlug string `json:"company_slug"`
	UserEmail   string `json:"user_email"`
	UserName    string `json:"user_name"`
}

// latestUserMessage pulls the newest user turn out of the request body.
func (r *chatReq) latestUserMessage() (string, error) {
	if r.Message != "" {
		return r.Message, nil
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == models.MsgRoleUser && strings.TrimSpace(r.Messages[i].Content) != "" {
			return r.Messages[i].Content, nil
		}
	}
	return "", common.NewValidation("message or a messages array with a user turn is required")
}

func (r *chatReq) validateIdentity() error {
	if r.UserID != "" && (r.CompanySlug != "" || r.UserEmail != "") {
		return common.NewValidation("user_id and company_slug/user_email are mutually exclusive")
	}
	return nil
}

func (h *Handler) turnInput(c *gin.Context, req *chatReq) (*chat.TurnInput, error) {
	if err := req.validateIdentity(); err != nil {
		return nil, err
	}
	message, err := req.latestUserMessage()
	if err != nil {
		return nil, err
	}

	ident, err := h.Resolver.Resolve(c.Request.Context(), identity.Hints{
		UserID:      req.UserID,
		CompanySlug: req.CompanySlug,
		UserEmail:   req.UserEmail,
		UserName:    req.UserName,
	})
	if err != nil {
		return nil, err
	}

	return &chat.TurnInput{
		Identity:       *ident,
		ConversationID: req.ConversationID,
		ChatbotID:      req.ChatbotID,
		Message:        message,
		Overrides: chat.Overrides{
			Model:       req.Model,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		},
	}, nil
}

// Chat is the streaming chat endpoint. All validation and the user
// message write happen before the first byte of the stream; after that
// the only failure surface is stream termination.
func (h *Handler) Chat(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid json")
		return
	}

	if strings.TrimSpace(h.Cfg.AIAPIKey) == "" {
		common.Fail(c, http.StatusInternalServerError, common.CodeConfig, "server configuration error")
		return
	}

	in, err := h.turnInput(c, &req)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	handle, err := h.ChatSvc.StreamTurn(c.Request.Context(), *in)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	c.Header(HeaderConversationID, handle.Conversation.ID)
	c.Header(HeaderConversationNew, fmt.Sprintf("%t", handle.Created))

	ctx := c.Request.Context()
	chunks := handle.Chunks
	errs := handle.Errs
	done := handle.Done

	// Nothing is written until the turn produces its first signal: a
	// failure before any token goes out as a plain JSON error response,
	// the first token commits the SSE stream.
	var (
		firstDelta string
		haveDelta  bool
		firstRes   *chat.TurnResult
		pendingErr error
	)
	settled := false
	for !settled {
		if chunks == nil && errs == nil && done == nil {
			break
		}
		select {
		case chk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			firstDelta, haveDelta = chk, true
			settled = true

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				pendingErr = err
				settled = true
			}

		case res, ok := <-done:
			if !ok {
				done = nil
				continue
			}
			firstRes = res
			settled = true

		case <-ctx.Done():
			return
		}
	}

	// Tokens are sent before results and failures, so a token already
	// buffered outranks the signal that woke us.
	if !haveDelta && chunks != nil {
		select {
		case chk, ok := <-chunks:
			if ok {
				firstDelta, haveDelta = chk, true
			}
		default:
		}
	}

	if !haveDelta && firstRes == nil {
		if pendingErr != nil {
			common.FailErr(c, pendingErr)
			return
		}
		// the turn ended with nothing to deliver (client cancel)
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	writeError := func(err error) {
		msg := "error communicating with AI service"
		if ae, ok := common.AsAppError(err); ok {
			msg = ae.Message
		}
		writeJSON("error", gin.H{
			"type":    "error",
			"message": msg,
		})
	}

	writeDone := func(res *chat.TurnResult) {
		writeJSON("done", gin.H{
			"type":            "done",
			"conversation_id": handle.Conversation.ID,
			"message_id":      res.AssistantMessageID,
			"usage":           res.Usage,
		})
	}

	// flushes tokens that arrived ahead of a result or failure
	drainChunks := func() {
		for chunks != nil {
			select {
			case ch, cok := <-chunks:
				if !cok {
					chunks = nil
					continue
				}
				writeJSON("chunk", gin.H{
					"type":  "chunk",
					"delta": ch,
				})
			default:
				return
			}
		}
	}

	if haveDelta {
		writeJSON("chunk", gin.H{
			"type":  "chunk",
			"delta": firstDelta,
		})
	}
	if firstRes != nil {
		drainChunks()
		writeDone(firstRes)
		return
	}
	if pendingErr != nil {
		drainChunks()
		writeError(pendingErr)
		return
	}

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			writeJSON("chunk", gin.H{
				"type":  "chunk",
				"delta": ch,
			})

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			drainChunks()
			writeError(err)
			return

		case res, ok := <-done:
			if !ok || res == nil {
				// stream ended without a result; report a buffered
				// failure instead of closing silently
				drainChunks()
				select {
				case err, eok := <-errs:
					if eok && err != nil {
						writeError(err)
					}
				default:
				}
				return
			}
			drainChunks()
			writeDone(res)
			return

		case <-ctx.Done():
			return
		}
	}
}

// ChatContract documents the chat endpoint; GET has no side effects.
func (h *Handler) ChatContract(c *gin.Context) {
	common.OK(c, gin.H{
		"endpoint": "/api/chat",
		"method":   "POST",
		"body": gin.H{
			"message":         "string, single user message (or use messages)",
			"messages":        "array of {role, content}; the server takes the latest user turn",
			"conversation_id": "optional UUID, omit to start a new conversation",
			"chatbot_id":      "optional UUID, must be published and belong to the resolved company",
			"model":           "optional, overrides chatbot/company defaults",
			"temperature":     "optional number",
			"max_tokens":      "optional integer",
			"user_id":         "optional UUID, mutually exclusive with company_slug/user_email",
			"company_slug":    "optional, paired with user_email; creates a guest on first contact",
			"user_email":      "optional, paired with company_slug",
			"user_name":       "optional display name for first contact",
		},
		"response": gin.H{
			"success": "200 SSE stream of chunk events, then one done event",
			"headers": []string{HeaderConversationID, HeaderConversationNew},
			"failure": "JSON {code, message, details?} before any streaming",
		},
	})
}

// ChatAsync enqueues a turn instead of streaming it. The user message
// is persisted here; the worker generates and stores the reply.
func (h *Handler) ChatAsync(c *gin.Context) {
	if h.Rabbit == nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeConfig, "async processing is not configured")
		return
	}

	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid json")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	in, err := h.turnInput(c, &req)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	conv, created, err := h.ChatSvc.PrepareAsyncTurn(c.Request.Context(), *in)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		h.Log.Error("new ulid failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}

	j := &chat.Job{
		ID:                  jobID,
		TenantID:            in.Identity.TenantID,
		UserID:              in.Identity.UserID,
		ConversationID:      conv.ID,
		Prompt:              in.Message,
		OverrideModel:       in.Overrides.Model,
		OverrideTemperature: in.Overrides.Temperature,
		OverrideMaxTokens:   in.Overrides.MaxTokens,
		IdempotencyKey:      idempoKeyPtr,
		Status:              chat.JobQueued,
	}

	isNew := true
	if idempoKeyPtr == nil {
		if err := h.ChatSvc.CreateJob(c.Request.Context(), j); err != nil {
			h.Log.Error("create job failed", zap.String("job_id", jobID), zap.Error(err))
			common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
			return
		}
	} else {
		var job *chat.Job
		job, isNew, err = h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
		if err != nil {
			h.Log.Error("create job failed", zap.String("job_id", jobID), zap.Error(err))
			common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
			return
		}
		j = job
	}

	// enqueue only when a new job was created
	if isNew {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			h.Log.Error("publish job failed", zap.String("job_id", j.ID), zap.Error(err))
			common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "enqueue failed")
			return
		}
	}

	c.Header(HeaderConversationID, conv.ID)
	c.Header(HeaderConversationNew, fmt.Sprintf("%t", created))
	common.OK(c, gin.H{
		"job_id":          j.ID,
		"conversation_id": conv.ID,
	})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "job_id required")
		return
	}

	// identity comes from query params on this read endpoint
	ident, err := h.Resolver.Resolve(c.Request.Context(), identity.Hints{
		UserID:      c.Query("user_id"),
		CompanySlug: c.Query("company_slug"),
		UserEmail:   c.Query("user_email"),
	})
	if err != nil {
		common.FailErr(c, err)
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, common.CodeNotFound, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}
	if j.UserID != ident.UserID {
		// hide existence
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "job not found")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"conversation_id":   j.ConversationID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
