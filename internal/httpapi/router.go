package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/botdeskhq/botdesk/internal/common"
	"github.com/botdeskhq/botdesk/internal/config"
	"github.com/botdeskhq/botdesk/internal/httpapi/handlers"
	"github.com/botdeskhq/botdesk/internal/httpapi/middleware"
	"github.com/botdeskhq/botdesk/internal/store/rabbitmq"
	"github.com/botdeskhq/botdesk/internal/store/redisstore"
)

func NewRouter(db *gorm.DB, cfg config.Config, log *zap.Logger, rds *redisstore.Store, rabbit *rabbitmq.Publisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeValidation, "method not allowed")
	})

	h := handlers.NewHandler(db, cfg, log, rds, rabbit)

	r.GET("/ping", h.Ping)

	api := r.Group("/api")
	{
		api.POST("/chat", h.Chat)
		api.GET("/chat", h.ChatContract)
		api.POST("/chat/async", h.ChatAsync)
		api.GET("/chat/jobs/:job_id", h.GetChatJob)

		api.GET("/conversations", h.ListConversations)
		api.GET("/conversations/:conversation_id/messages", h.ListConversationMessages)

		api.POST("/messages/:message_id/feedback", h.SubmitFeedback)

		api.POST("/invites/redeem", h.RedeemInvite)
	}

	admin := r.Group("/admin")
	admin.POST("/login", h.AdminLogin)

	adminAuth := admin.Group("/")
	adminAuth.Use(middleware.AdminRequired(cfg.JWTSecret))
	{
		adminAuth.POST("/tenants", h.CreateTenant)
		adminAuth.PATCH("/tenants/:tenant_id", h.UpdateTenant)
		adminAuth.POST("/tenants/:tenant_id/chatbots", h.CreateChatbot)
		adminAuth.PATCH("/chatbots/:chatbot_id", h.UpdateChatbot)
		adminAuth.GET("/tenants/:tenant_id/conversations", h.ListTenantConversations)
		adminAuth.GET("/tenants/:tenant_id/usage", h.TenantUsage)
	}

	return r
}
