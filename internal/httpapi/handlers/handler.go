package handlers

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/ai"
	"github.com/botdeskhq/botdesk/internal/chat"
	"github.com/botdeskhq/botdesk/internal/config"
	"github.com/botdeskhq/botdesk/internal/identity"
	"github.com/botdeskhq/botdesk/internal/store/rabbitmq"
	"github.com/botdeskhq/botdesk/internal/store/redisstore"
)

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	Log      *zap.Logger
	Repo     *chat.Repo
	Resolver *identity.Resolver
	ChatSvc  *chat.Service
	Cache    *redisstore.Store   // nil when redis is unavailable
	Rabbit   *rabbitmq.Publisher // nil when the async path is disabled
}

func NewHandler(db *gorm.DB, cfg config.Config, log *zap.Logger, rds *redisstore.Store, rabbit *rabbitmq.Publisher) *Handler {
	repo := chat.NewRepo(db)
	provider := ai.NewOpenAIProvider(cfg.AIBaseURL, cfg.AIAPIKey)
	chatSvc := chat.NewService(repo, provider, cfg.ChatHistoryLimit, log)
	resolver := identity.NewResolver(db, rds, log)
	return &Handler{
		DB:       db,
		Cfg:      cfg,
		Log:      log,
		Repo:     repo,
		Resolver: resolver,
		ChatSvc:  chatSvc,
		Cache:    rds,
		Rabbit:   rabbit,
	}
}
