package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"granite-chat-relay/internal/auth"
	"granite-chat-relay/internal/handler"
	"granite-chat-relay/internal/middleware"
	"granite-chat-relay/internal/relay"
	"granite-chat-relay/internal/store"
	"granite-chat-relay/internal/subscription"
)

type Deps struct {
	Store             *store.Store
	Relay             *relay.Relay
	Subs              *subscription.Manager
	TokenConfig       auth.TokenConfig
	AdminSecret       string
	VerificationToken string
	PollInterval      time.Duration
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	widgetHandler := &handler.WidgetHandler{PollInterval: deps.PollInterval}
	r.GET("/widget/config", widgetHandler.Config)

	chatHandler := &handler.ChatHandler{Store: deps.Store, Relay: deps.Relay}
	sendLimiter := middleware.NewRateLimiter(30, time.Minute)
	r.POST("/send_message", middleware.RateLimitMiddleware(sendLimiter), chatHandler.SendMessage)
	r.GET("/get_messages", chatHandler.GetMessages)

	webhookHandler := &handler.WebhookHandler{
		Store:             deps.Store,
		Relay:             deps.Relay,
		VerificationToken: deps.VerificationToken,
	}
	r.POST("/webhook", webhookHandler.Handle)

	adminHandler := &handler.AdminHandler{
		Store:       deps.Store,
		Subs:        deps.Subs,
		TokenConfig: deps.TokenConfig,
		AdminSecret: deps.AdminSecret,
	}
	loginLimiter := middleware.NewRateLimiter(10, time.Minute)
	r.POST("/admin/login", middleware.RateLimitMiddleware(loginLimiter), adminHandler.Login)

	admin := r.Group("/admin")
	admin.Use(middleware.RequireAuth(deps.TokenConfig))
	admin.GET("/sessions", adminHandler.ListSessions)
	admin.POST("/sessions/:id/close", adminHandler.CloseSession)
	admin.POST("/subscription/renew", adminHandler.RenewSubscription)
	admin.GET("/subscription", adminHandler.GetSubscription)

	return r
}
