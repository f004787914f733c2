package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/pharmrag/internal/middleware"
)

type RouterDeps struct {
	Conversations *ConversationHandler
	Documents     *DocumentHandler
	Chat          *ChatHandler
	Embedding     *EmbeddingHandler
	ChatLimit     int
	ChatWindow    time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	authGroup := api.Group("")
	authGroup.Use(middleware.UserIdentity())
	authGroup.POST("/conversations", deps.Conversations.Create)
	authGroup.GET("/conversations", deps.Conversations.List)
	authGroup.DELETE("/conversations/:id", deps.Conversations.Delete)

	authGroup.POST("/conversations/:id/documents", deps.Documents.Upload)
	authGroup.GET("/conversations/:id/documents", deps.Documents.List)
	authGroup.POST("/conversations/:id/retrieve", deps.Documents.Retrieve)

	authGroup.POST("/conversations/:id/chat", middleware.RateLimit(deps.ChatLimit, deps.ChatWindow), deps.Chat.Ask)
	authGroup.GET("/conversations/:id/messages", deps.Chat.Messages)

	authGroup.GET("/embedding/status", deps.Embedding.Status)
	authGroup.POST("/embedding/reset", deps.Embedding.Reset)
}
