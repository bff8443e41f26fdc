package chat

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/models"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) GetChatbot(ctx context.Context, id string) (*models.Chatbot, error) {
	var b models.Chatbot
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repo) CreateConversation(ctx context.Context, cv *models.Conversation) error {
	return r.db.WithContext(ctx).Create(cv).Error
}

func (r *Repo) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var cv models.Conversation
	if err := r.db.WithContext(ctx).First(&cv, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &cv, nil
}

func (r *Repo) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []models.Conversation
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_archived = ?", userID, false).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) ListTenantConversations(ctx context.Context, tenantID string, limit int) ([]models.Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.Conversation
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *models.Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC
// created_at order (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []models.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListMessages pages oldest-first; before narrows to rows created
// strictly earlier, for cursor paging.
func (r *Repo) ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Limit(limit)
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}
	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// BumpAggregates applies the post-turn counter update as one atomic
// UPDATE, so concurrent turns on the same conversation never lose
// increments.
func (r *Repo) BumpAggregates(ctx context.Context, conversationID string, messages, tokens int, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{
			"message_count":   gorm.Expr("message_count + ?", messages),
			"total_tokens":    gorm.Expr("total_tokens + ?", tokens),
			"last_message_at": at,
		}).Error
}

// SetTitleIfDefault renames a conversation only while it still carries
// the placeholder title.
func (r *Repo) SetTitleIfDefault(ctx context.Context, conversationID, title string) error {
	return r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND title = ?", conversationID, models.DefaultConversationTitle).
		Update("title", title).Error
}

func (r *Repo) CreateUsage(ctx context.Context, u *models.UsageRecord) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) CreateFeedback(ctx context.Context, f *models.Feedback) error {
	return r.db.WithContext(ctx).Create(f).Error
}

type FeedbackSummary struct {
	Up    int64 `json:"up"`
	Down  int64 `json:"down"`
	Total int64 `json:"total"`
}

// SummarizeFeedback aggregates across all rows, including repeated
// submissions for the same message.
func (r *Repo) SummarizeFeedback(ctx context.Context, messageID string) (*FeedbackSummary, error) {
	var s FeedbackSummary
	row := r.db.WithContext(ctx).Model(&models.Feedback{}).
		Select("COALESCE(SUM(CASE WHEN rating > 0 THEN 1 ELSE 0 END), 0) AS up, "+
			"COALESCE(SUM(CASE WHEN rating < 0 THEN 1 ELSE 0 END), 0) AS down, "+
			"COUNT(*) AS total").
		Where("message_id = ?", messageID)
	if err := row.Scan(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

type UsageSummary struct {
	Turns            int64 `json:"turns"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (r *Repo) SummarizeUsage(ctx context.Context, tenantID string, since time.Time) (*UsageSummary, error) {
	var s UsageSummary
	row := r.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Select("COUNT(*) AS turns, "+
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens, "+
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens, "+
			"COALESCE(SUM(total_tokens), 0) AS total_tokens").
		Where("tenant_id = ? AND created_at >= ?", tenantID, since)
	if err := row.Scan(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}
