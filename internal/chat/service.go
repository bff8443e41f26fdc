package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/ai"
	"github.com/botdeskhq/botdesk/internal/common"
	"github.com/botdeskhq/botdesk/internal/identity"
	"github.com/botdeskhq/botdesk/internal/models"
)

const titleMaxRunes = 50

type Service struct {
	repo         *Repo
	provider     ai.Provider
	historyLimit int
	log          *zap.Logger
}

func NewService(repo *Repo, provider ai.Provider, historyLimit int, log *zap.Logger) *Service {
	if historyLimit <= 0 || historyLimit > 100 {
		historyLimit = 20
	}
	return &Service{repo: repo, provider: provider, historyLimit: historyLimit, log: log}
}

// TurnInput is one chat turn request after identity resolution.
type TurnInput struct {
	Identity identity.Context

	ConversationID string
	ChatbotID      string
	Message        string

	Overrides Overrides

	// Set on the worker path, where the user message row was written
	// when the job was enqueued.
	SkipUserInsert bool
}

// TurnResult is produced once per cleanly finished turn.
type TurnResult struct {
	AssistantMessageID string
	Content            string
	Usage              ai.Usage
	FinishReason       string
}

// TurnHandle exposes a running streamed turn. Conversation and Created
// are valid as soon as StreamTurn returns, before any token arrives.
type TurnHandle struct {
	Conversation *models.Conversation
	Created      bool
	Model        string

	Chunks <-chan string
	Done   <-chan *TurnResult
	Errs   <-chan error
}

type preparedTurn struct {
	conv    *models.Conversation
	created bool
	eff     Effective
	req     ai.Request

	// non-empty when this turn should set the auto-derived title
	titleCandidate string
}

// ValidateChatbot applies the publish/tenant gate. Every caller goes
// through this before any provider call.
func (s *Service) ValidateChatbot(ctx context.Context, chatbotID, tenantID string) (*models.Chatbot, error) {
	if _, err := uuid.Parse(chatbotID); err != nil {
		return nil, common.NewValidation("chatbot_id must be a valid UUID")
	}
	bot, err := s.repo.GetChatbot(ctx, chatbotID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFound("chatbot not found")
		}
		return nil, err
	}
	if bot.TenantID != tenantID {
		return nil, common.NewValidation("chatbot does not belong to this company")
	}
	if !bot.IsPublished {
		return nil, common.NewValidation("chatbot is not published")
	}
	return bot, nil
}

// findOrCreateConversation enforces ownership and the archived flag for
// supplied ids, and seeds a fresh conversation otherwise.
func (s *Service) findOrCreateConversation(ctx context.Context, in TurnInput, model string) (*models.Conversation, bool, error) {
	if in.ConversationID != "" {
		if _, err := uuid.Parse(in.ConversationID); err != nil {
			return nil, false, common.NewValidation("conversation_id must be a valid UUID")
		}
		conv, err := s.repo.GetConversation(ctx, in.ConversationID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, false, common.NewNotFound("conversation not found or access denied")
			}
			return nil, false, err
		}
		if conv.UserID != in.Identity.UserID || conv.IsArchived {
			return nil, false, common.NewNotFound("conversation not found or access denied")
		}
		return conv, false, nil
	}

	meta, _ := json.Marshal(map[string]any{"model": model})
	conv := &models.Conversation{
		TenantID: in.Identity.TenantID,
		UserID:   in.Identity.UserID,
		Title:    models.DefaultConversationTitle,
		Metadata: datatypes.JSON(meta),
	}
	if in.ChatbotID != "" {
		id := in.ChatbotID
		conv.ChatbotID = &id
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

func (s *Service) prepareTurn(ctx context.Context, in TurnInput) (*preparedTurn, error) {
	var bot *models.Chatbot
	if in.ChatbotID != "" {
		var err error
		bot, err = s.ValidateChatbot(ctx, in.ChatbotID, in.Identity.TenantID)
		if err != nil {
			return nil, err
		}
	}

	tenant, err := s.repo.GetTenant(ctx, in.Identity.TenantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFound("company not found")
		}
		return nil, err
	}

	// A conversation opened against a chatbot keeps using it on later
	// turns even when the request omits chatbot_id.
	var conv *models.Conversation
	var created bool
	if in.ConversationID != "" {
		conv, created, err = s.findOrCreateConversation(ctx, in, "")
		if err != nil {
			return nil, err
		}
		if bot == nil && conv.ChatbotID != nil {
			bot, err = s.ValidateChatbot(ctx, *conv.ChatbotID, in.Identity.TenantID)
			if err != nil {
				return nil, err
			}
		}
	}

	eff := ResolveSettings(in.Overrides, bot, tenant)

	if conv == nil {
		conv, created, err = s.findOrCreateConversation(ctx, in, eff.Model)
		if err != nil {
			return nil, err
		}
	}

	prep := &preparedTurn{conv: conv, created: created, eff: eff}
	if conv.Title == models.DefaultConversationTitle && conv.MessageCount == 0 {
		prep.titleCandidate = deriveTitle(in.Message)
	}

	// Bounded history, oldest-first. Older turns silently fall out of
	// the window; they stay in storage.
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, conv.ID, s.historyLimit)
	if err != nil {
		return nil, err
	}
	history := make([]ai.Message, 0, len(recentDesc)+2)
	history = append(history, ai.Message{Role: models.MsgRoleSystem, Content: eff.SystemPrompt})
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		history = append(history, ai.Message{Role: m.Role, Content: m.Content})
	}

	if !in.SkipUserInsert {
		// user input is durable before the provider call begins
		userMsg := &models.Message{
			ConversationID: conv.ID,
			Role:           models.MsgRoleUser,
			Content:        in.Message,
		}
		if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
			return nil, err
		}
		history = append(history, ai.Message{Role: models.MsgRoleUser, Content: in.Message})
	}

	req := ai.Request{
		Model:       eff.Model,
		Messages:    history,
		Temperature: &eff.Temperature,
		MaxTokens:   &eff.MaxTokens,
	}
	if mp := eff.ModelParams; mp != nil {
		req.TopP = mp.TopP
		req.FrequencyPenalty = mp.FrequencyPenalty
		req.PresencePenalty = mp.PresencePenalty
	}
	if po := eff.ProviderOptions; po != nil {
		req.ReasoningEffort = po.ReasoningEffort
		req.TextVerbosity = po.TextVerbosity
		req.Store = po.Store
	}
	prep.req = req
	return prep, nil
}

// StreamTurn runs all validations and persists the user message before
// returning; tokens then arrive on the handle's channels. The
// completion callback (assistant message, aggregates, usage) runs after
// a clean provider finish and its failures are logged, never surfaced.
func (s *Service) StreamTurn(ctx context.Context, in TurnInput) (*TurnHandle, error) {
	sp, ok := s.provider.(ai.StreamProvider)
	if !ok {
		return nil, common.NewConfig("provider does not support streaming")
	}

	prep, err := s.prepareTurn(ctx, in)
	if err != nil {
		return nil, err
	}

	outChunks := make(chan string, 16)
	outDone := make(chan *TurnResult, 1)
	outErrs := make(chan error, 1)

	started := time.Now()

	go func() {
		defer close(outChunks)
		defer close(outDone)
		defer close(outErrs)

		pChunks, pFinal, pErrs := sp.StreamComplete(ctx, prep.req)

		for ch := range pChunks {
			select {
			case outChunks <- ch:
			case <-ctx.Done():
				// reader is gone: stop forwarding, skip the callback
				return
			}
		}

		select {
		case err := <-pErrs:
			if err != nil {
				outErrs <- common.NewUpstream("error communicating with AI service")
				s.log.Error("provider stream failed",
					zap.String("conversation_id", prep.conv.ID),
					zap.String("model", prep.req.Model),
					zap.Error(err))
				return
			}
		default:
		}

		result, ok := <-pFinal
		if !ok || result == nil {
			// canceled mid-stream: no callback, user message stays
			return
		}

		res := s.completeTurn(prep, result, time.Since(started))
		outDone <- res
	}()

	return &TurnHandle{
		Conversation: prep.conv,
		Created:      prep.created,
		Model:        prep.req.Model,
		Chunks:       outChunks,
		Done:         outDone,
		Errs:         outErrs,
	}, nil
}

// RunTurn is the non-streaming path used by the worker.
func (s *Service) RunTurn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	prep, err := s.prepareTurn(ctx, in)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := s.provider.Complete(ctx, prep.req)
	if err != nil {
		s.log.Error("provider call failed",
			zap.String("conversation_id", prep.conv.ID),
			zap.String("model", prep.req.Model),
			zap.Error(err))
		return nil, common.NewUpstream("error communicating with AI service")
	}

	return s.completeTurn(prep, result, time.Since(started)), nil
}

// completeTurn is the persistence callback: assistant message,
// aggregates, title, usage. Best-effort by design; the caller already
// has the full response, so failures are logged and swallowed.
func (s *Service) completeTurn(prep *preparedTurn, result *ai.Result, latency time.Duration) *TurnResult {
	// detached from the request: a client disconnect right after the
	// last token must not abort bookkeeping
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res := &TurnResult{
		Content:      result.Content,
		Usage:        result.Usage,
		FinishReason: result.FinishReason,
	}

	meta, _ := json.Marshal(map[string]any{
		"prompt_tokens":     result.Usage.PromptTokens,
		"completion_tokens": result.Usage.CompletionTokens,
		"total_tokens":      result.Usage.TotalTokens,
		"finish_reason":     result.FinishReason,
		"latency_ms":        latency.Milliseconds(),
		"model":             prep.req.Model,
	})
	assistantMsg := &models.Message{
		ConversationID: prep.conv.ID,
		Role:           models.MsgRoleAssistant,
		Content:        result.Content,
		Metadata:       datatypes.JSON(meta),
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		s.log.Error("persist assistant message failed",
			zap.String("conversation_id", prep.conv.ID), zap.Error(err))
		return res
	}
	res.AssistantMessageID = assistantMsg.ID

	// one user turn + one assistant turn
	if err := s.repo.BumpAggregates(ctx, prep.conv.ID, 2, result.Usage.TotalTokens, time.Now()); err != nil {
		s.log.Error("update conversation aggregates failed",
			zap.String("conversation_id", prep.conv.ID), zap.Error(err))
	}

	if prep.titleCandidate != "" {
		if err := s.repo.SetTitleIfDefault(ctx, prep.conv.ID, prep.titleCandidate); err != nil {
			s.log.Error("set conversation title failed",
				zap.String("conversation_id", prep.conv.ID), zap.Error(err))
		}
	}

	usage := &models.UsageRecord{
		TenantID:         prep.conv.TenantID,
		UserID:           prep.conv.UserID,
		ConversationID:   prep.conv.ID,
		Model:            prep.req.Model,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
	}
	if err := s.repo.CreateUsage(ctx, usage); err != nil {
		s.log.Error("record usage failed",
			zap.String("conversation_id", prep.conv.ID), zap.Error(err))
	}

	return res
}

// PrepareAsyncTurn does the synchronous half of an async turn: gate,
// find-or-create, user message insert. The worker generates the reply.
func (s *Service) PrepareAsyncTurn(ctx context.Context, in TurnInput) (*models.Conversation, bool, error) {
	prep, err := s.prepareTurn(ctx, in)
	if err != nil {
		return nil, false, err
	}
	return prep.conv, prep.created, nil
}

func (s *Service) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	return s.repo.ListConversations(ctx, userID, limit)
}

// GetOwnedConversation applies the same visibility rule as the chat
// path: wrong owner reads as not found.
func (s *Service) GetOwnedConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFound("conversation not found or access denied")
		}
		return nil, err
	}
	if conv.UserID != userID {
		return nil, common.NewNotFound("conversation not found or access denied")
	}
	return conv, nil
}

func (s *Service) ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]models.Message, error) {
	return s.repo.ListMessages(ctx, conversationID, limit, before)
}

func (s *Service) CreateJob(ctx context.Context, job *Job) error {
	return s.repo.CreateJob(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

// deriveTitle takes the first 50 runes of the first user message, with
// a trailing ellipsis when truncated.
func deriveTitle(message string) string {
	runes := []rune(message)
	if len(runes) <= titleMaxRunes {
		return message
	}
	return string(runes[:titleMaxRunes]) + "..."
}
