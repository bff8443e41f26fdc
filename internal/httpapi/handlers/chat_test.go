package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/ai"
	"github.com/botdeskhq/botdesk/internal/chat"
	"github.com/botdeskhq/botdesk/internal/config"
	"github.com/botdeskhq/botdesk/internal/identity"
	"github.com/botdeskhq/botdesk/internal/models"
)

type stubStreamProvider struct {
	chunks  []string
	content string
}

func (p *stubStreamProvider) Complete(ctx context.Context, req ai.Request) (*ai.Result, error) {
	_ = ctx
	_ = req
	return &ai.Result{Content: p.content, Usage: ai.Usage{TotalTokens: 7}, FinishReason: "stop"}, nil
}

func (p *stubStreamProvider) StreamComplete(ctx context.Context, req ai.Request) (<-chan string, <-chan *ai.Result, <-chan error) {
	_ = ctx
	_ = req
	chunks := make(chan string, len(p.chunks))
	final := make(chan *ai.Result, 1)
	errs := make(chan error, 1)
	for _, c := range p.chunks {
		chunks <- c
	}
	close(chunks)
	final <- &ai.Result{Content: p.content, Usage: ai.Usage{TotalTokens: 7}, FinishReason: "stop"}
	close(final)
	return chunks, final, errs
}

// failingStreamProvider fails before producing any token, the way a
// refused connection or a 401 from the AI service does.
type failingStreamProvider struct{}

func (p *failingStreamProvider) Complete(ctx context.Context, req ai.Request) (*ai.Result, error) {
	_ = ctx
	_ = req
	return nil, errors.New("connection refused")
}

func (p *failingStreamProvider) StreamComplete(ctx context.Context, req ai.Request) (<-chan string, <-chan *ai.Result, <-chan error) {
	_ = ctx
	_ = req
	chunks := make(chan string)
	final := make(chan *ai.Result)
	errs := make(chan error, 1)
	errs <- errors.New("connection refused")
	close(chunks)
	close(final)
	close(errs)
	return chunks, final, errs
}

// brokenStreamProvider delivers one token and then fails, like a reset
// connection mid-stream.
type brokenStreamProvider struct{}

func (p *brokenStreamProvider) Complete(ctx context.Context, req ai.Request) (*ai.Result, error) {
	_ = ctx
	_ = req
	return nil, errors.New("connection reset")
}

func (p *brokenStreamProvider) StreamComplete(ctx context.Context, req ai.Request) (<-chan string, <-chan *ai.Result, <-chan error) {
	_ = ctx
	_ = req
	chunks := make(chan string, 1)
	final := make(chan *ai.Result)
	errs := make(chan error, 1)
	chunks <- "partial"
	errs <- errors.New("connection reset")
	close(chunks)
	close(final)
	close(errs)
	return chunks, final, errs
}

func newTestHandler(t *testing.T) (*Handler, *gorm.DB) {
	t.Helper()
	return newTestHandlerWith(t, &stubStreamProvider{chunks: []string{"Hi ", "there"}, content: "Hi there"})
}

func newTestHandlerWith(t *testing.T, prov ai.Provider) (*Handler, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Tenant{}, &models.User{}, &models.Chatbot{},
		&models.Conversation{}, &models.Message{}, &models.Feedback{},
		&models.InviteCode{}, &models.InviteRedemption{},
		&models.UsageRecord{}, &chat.Job{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	// demo identity
	demoTenant := models.Tenant{ID: models.DemoTenantID, Name: "Demo", Slug: "demo", IsActive: true}
	if err := db.FirstOrCreate(&demoTenant, models.Tenant{ID: models.DemoTenantID}).Error; err != nil {
		t.Fatalf("seed demo tenant: %v", err)
	}
	demoUser := models.User{ID: models.DemoUserID, TenantID: models.DemoTenantID, Email: "demo@demo.local", Role: models.RoleGuest, IsActive: true}
	if err := db.FirstOrCreate(&demoUser, models.User{ID: models.DemoUserID}).Error; err != nil {
		t.Fatalf("seed demo user: %v", err)
	}

	log := zap.NewNop()
	repo := chat.NewRepo(db)

	return &Handler{
		DB:       db,
		Cfg:      config.Config{AIAPIKey: "test-key", JWTSecret: "test-secret", ChatHistoryLimit: 20},
		Log:      log,
		Repo:     repo,
		Resolver: identity.NewResolver(db, nil, log),
		ChatSvc:  chat.NewService(repo, prov, 20, log),
	}, db
}

func newTestRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.POST("/api/chat", h.Chat)
	r.POST("/api/chat/async", h.ChatAsync)
	r.GET("/api/chat/jobs/:job_id", h.GetChatJob)
	r.POST("/api/messages/:message_id/feedback", h.SubmitFeedback)
	r.POST("/api/invites/redeem", h.RedeemInvite)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestChat_DemoIdentityStreams(t *testing.T) {
	h, db := newTestHandler(t)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/chat", gin.H{"message": "Hello from nobody"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	convID := w.Header().Get(HeaderConversationID)
	if convID == "" {
		t.Fatal("conversation id header missing")
	}
	if w.Header().Get(HeaderConversationNew) != "true" {
		t.Fatalf("new header = %q", w.Header().Get(HeaderConversationNew))
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, "event: chunk") {
		t.Fatalf("no chunk events in %q", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Fatalf("no done event in %q", body)
	}

	// the turn landed under the demo identity
	var conv models.Conversation
	if err := db.First(&conv, "id = ?", convID).Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if conv.UserID != models.DemoUserID || conv.TenantID != models.DemoTenantID {
		t.Fatalf("conversation owner = (%s, %s)", conv.UserID, conv.TenantID)
	}
}

func TestChat_ExistingConversationNotNew(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	first := postJSON(t, r, "/api/chat", gin.H{"message": "opening"})
	convID := first.Header().Get(HeaderConversationID)
	if convID == "" {
		t.Fatal("conversation id header missing")
	}

	second := postJSON(t, r, "/api/chat", gin.H{"message": "again", "conversation_id": convID})
	if second.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", second.Code, second.Body.String())
	}
	if second.Header().Get(HeaderConversationID) != convID {
		t.Fatal("conversation id changed between turns")
	}
	if second.Header().Get(HeaderConversationNew) != "false" {
		t.Fatalf("new header = %q", second.Header().Get(HeaderConversationNew))
	}
}

func TestChat_OmittedConversationIDStartsFresh(t *testing.T) {
	h, db := newTestHandler(t)
	r := newTestRouter(h)

	first := postJSON(t, r, "/api/chat", gin.H{"message": "one"})
	second := postJSON(t, r, "/api/chat", gin.H{"message": "two"})

	id1 := first.Header().Get(HeaderConversationID)
	id2 := second.Header().Get(HeaderConversationID)
	if id1 == "" || id2 == "" {
		t.Fatalf("conversation ids = (%q, %q)", id1, id2)
	}
	if id1 == id2 {
		t.Fatalf("both turns landed in conversation %s", id1)
	}
	for _, rec := range []*httptest.ResponseRecorder{first, second} {
		if rec.Header().Get(HeaderConversationNew) != "true" {
			t.Fatalf("new header = %q", rec.Header().Get(HeaderConversationNew))
		}
	}

	for _, id := range []string{id1, id2} {
		var conv models.Conversation
		if err := db.First(&conv, "id = ?", id).Error; err != nil {
			t.Fatalf("load conversation %s: %v", id, err)
		}
	}
}

func TestChat_UpstreamFailureBeforeFirstTokenIsJSON(t *testing.T) {
	h, _ := newTestHandlerWith(t, &failingStreamProvider{})
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/chat", gin.H{"message": "hello"})

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "upstream_error") {
		t.Fatalf("body = %s", body)
	}
	if strings.Contains(body, "event:") {
		t.Fatalf("error response carried stream framing: %s", body)
	}
}

func TestChat_MidStreamErrorEmitsErrorEvent(t *testing.T) {
	h, _ := newTestHandlerWith(t, &brokenStreamProvider{})
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/chat", gin.H{"message": "hello"})

	// the first token committed the stream, so the failure arrives as an
	// SSE error event on a 200 response
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: chunk") {
		t.Fatalf("no chunk event in %q", body)
	}
	if !strings.Contains(body, "event: error") {
		t.Fatalf("no error event in %q", body)
	}
	if strings.Contains(body, "event: done") {
		t.Fatalf("failed turn reported done: %q", body)
	}
}

func TestChat_MessagesArrayTakesLatestUserTurn(t *testing.T) {
	h, db := newTestHandler(t)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/chat", gin.H{
		"messages": []gin.H{
			{"role": "user", "content": "first"},
			{"role": "assistant", "content": "reply"},
			{"role": "user", "content": "second"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	convID := w.Header().Get(HeaderConversationID)
	var msgs []models.Message
	if err := db.Where("conversation_id = ? AND role = ?", convID, models.MsgRoleUser).Find(&msgs).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "second" {
		t.Fatalf("stored user turns = %+v", msgs)
	}
}

func TestChat_MissingAPIKeyIsConfigError(t *testing.T) {
	h, _ := newTestHandler(t)
	h.Cfg.AIAPIKey = ""
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/chat", gin.H{"message": "hello"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "config_error") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestChat_ValidationFailures(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	cases := []struct {
		name string
		body gin.H
	}{
		{"no message", gin.H{}},
		{"mixed identity", gin.H{"message": "hi", "user_id": models.DemoUserID, "company_slug": "acme", "user_email": "a@b.co"}},
		{"half pair", gin.H{"message": "hi", "company_slug": "acme"}},
	}
	for _, tc := range cases {
		w := postJSON(t, r, "/api/chat", tc.body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, body = %s", tc.name, w.Code, w.Body.String())
		}
	}
}

func TestChat_UnknownConversationIs404(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/chat", gin.H{
		"message":         "hi",
		"conversation_id": "33333333-3333-3333-3333-333333333333",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "not_found") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestChatAsync_NotConfigured(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/chat/async", gin.H{"message": "hi"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "config_error") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestSubmitFeedback(t *testing.T) {
	h, db := newTestHandler(t)
	r := newTestRouter(h)

	conv := models.Conversation{TenantID: models.DemoTenantID, UserID: models.DemoUserID}
	if err := db.Create(&conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msg := models.Message{ConversationID: conv.ID, Role: models.MsgRoleAssistant, Content: "answer"}
	if err := db.Create(&msg).Error; err != nil {
		t.Fatalf("create message: %v", err)
	}

	w := postJSON(t, r, "/api/messages/"+msg.ID+"/feedback", gin.H{"rating": 1, "note": "helpful"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Summary struct {
			Up    int `json:"up"`
			Down  int `json:"down"`
			Total int `json:"total"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Summary.Up != 1 || resp.Summary.Total != 1 {
		t.Fatalf("summary = %+v", resp.Summary)
	}

	// invalid rating
	w = postJSON(t, r, "/api/messages/"+msg.ID+"/feedback", gin.H{"rating": 5})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSubmitFeedback_OtherUsersMessageHidden(t *testing.T) {
	h, db := newTestHandler(t)
	r := newTestRouter(h)

	tenant := models.Tenant{Name: "Acme", Slug: "acme-" + strings.ToLower(t.Name()), IsActive: true}
	if err := db.Create(&tenant).Error; err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	owner := models.User{TenantID: tenant.ID, Email: "owner@example.com", Role: models.RoleUser, IsActive: true}
	if err := db.Create(&owner).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	conv := models.Conversation{TenantID: tenant.ID, UserID: owner.ID}
	if err := db.Create(&conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msg := models.Message{ConversationID: conv.ID, Role: models.MsgRoleAssistant, Content: "private"}
	if err := db.Create(&msg).Error; err != nil {
		t.Fatalf("create message: %v", err)
	}

	// demo identity rating someone else's message
	w := postJSON(t, r, "/api/messages/"+msg.ID+"/feedback", gin.H{"rating": 1})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestRedeemInvite(t *testing.T) {
	h, db := newTestHandler(t)
	r := newTestRouter(h)

	tenant := models.Tenant{Name: "Acme", Slug: "acme-" + strings.ToLower(t.Name()), IsActive: true}
	if err := db.Create(&tenant).Error; err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	code := models.InviteCode{TenantID: tenant.ID, Code: "WELCOME-" + t.Name(), Role: models.RoleUser, MaxUses: 1, IsActive: true}
	if err := db.Create(&code).Error; err != nil {
		t.Fatalf("create invite: %v", err)
	}

	w := postJSON(t, r, "/api/invites/redeem", gin.H{"code": code.Code, "email": "new@example.com", "name": "New Person"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var user models.User
	if err := db.Where("tenant_id = ? AND email = ?", tenant.ID, "new@example.com").First(&user).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if user.Role != models.RoleUser {
		t.Fatalf("role = %q", user.Role)
	}

	if err := db.First(&code, "id = ?", code.ID).Error; err != nil {
		t.Fatalf("reload code: %v", err)
	}
	if code.UseCount != 1 {
		t.Fatalf("use_count = %d", code.UseCount)
	}

	// second redemption hits the use limit
	w = postJSON(t, r, "/api/invites/redeem", gin.H{"code": code.Code, "email": "other@example.com"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}
