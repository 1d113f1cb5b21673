package http

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/woosh/ports"
)

// SetupRouter sets up the Gin router
func SetupRouter(handlers *ChatHandlers, tokenizer ports.Tokenizer, logger watermill.LoggerAdapter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", handlers.Health)

	// Chat routes
	chat := router.Group("/chat")
	chat.Use(AuthMiddleware(tokenizer))
	{
		chat.POST("/init", handlers.InitChat)
		chat.GET("/list", handlers.ListChats)
		chat.GET("/:id", handlers.GetChat)
		chat.POST("/:id/send", handlers.Send)
		chat.GET("/:id/messages", handlers.ListMessages)
		chat.POST("/:id/mark-read", handlers.MarkRead)
		chat.POST("/:id/mark-all-read", handlers.MarkAllRead)
	}

	return router
}
