package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"travelchat/api/handlers"
	"travelchat/api/middleware"
	"travelchat/config"
	"travelchat/services"
)

// Deps - сервисы, которые нужны HTTP-слою
type Deps struct {
	Config     *config.ConfigSchema
	Chat       *services.ChatService
	Aggregator *services.Aggregator
	Identity   *services.GuestIdentityService
	Log        *zap.Logger
}

// NewRouter собирает gin.Engine со всеми маршрутами чата
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggingMiddleware(deps.Log))
	router.Use(middleware.PrometheusMiddleware("chat"))
	router.Use(middleware.CORSMiddleware(deps.Config.Chat.AllowedOrigin))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": deps.Chat.Hub().Count()})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	ChatApi(router, deps)
	return router
}

func ChatApi(router *gin.Engine, deps Deps) *gin.RouterGroup {
	messageHandlers := handlers.NewMessageHandlers(deps.Chat, deps.Aggregator, deps.Log)
	identityHandlers := handlers.NewIdentityHandlers(deps.Identity, deps.Log)
	wsHandler := handlers.NewWSHandler(deps.Chat, deps.Config.Chat.AllowedOrigin, deps.Log)

	chatEndpoints := router.Group("/api/v1/")
	chatEndpoints.Use(middleware.ChatAuthMiddleware(deps.Identity, deps.Config.Chat.AdminAPIKey))
	{
		chatEndpoints.GET("settings", handlers.SettingsHandler(deps.Config.Chat.PollInterval, deps.Chat.AdminDisplayName()))
		chatEndpoints.POST("guest/identity", identityHandlers.GuestIdentityHandler)
		chatEndpoints.POST("messages", messageHandlers.CreateMessageHandler)
		chatEndpoints.GET("messages/:conversation_id", messageHandlers.ListConversationHandler)
		chatEndpoints.GET("ws", wsHandler.ChatWSHandler)

		// Админка
		chatEndpoints.GET("messages", middleware.RequireAdmin(), messageHandlers.ListAllHandler)
		chatEndpoints.PATCH("messages/:conversation_id/read", middleware.RequireAdmin(), messageHandlers.MarkReadHandler)
		chatEndpoints.GET("conversations", middleware.RequireAdmin(), messageHandlers.ConversationsHandler)
	}
	return chatEndpoints
}
