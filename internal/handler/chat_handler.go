package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/pharmrag/internal/model"
	"github.com/xxxsen/pharmrag/internal/pkg/errcode"
	"github.com/xxxsen/pharmrag/internal/pkg/response"
	"github.com/xxxsen/pharmrag/internal/service"
)

type ChatService interface {
	Ask(ctx context.Context, userID, conversationID, query string) (*service.ChatAnswer, error)
	ListMessages(ctx context.Context, userID, conversationID string) ([]model.Message, error)
}

type ChatHandler struct {
	chat ChatService
}

func NewChatHandler(chat ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

type chatRequest struct {
	Query string `json:"query"`
}

func (h *ChatHandler) Ask(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	answer, err := h.chat.Ask(c.Request.Context(), getUserID(c), c.Param("id"), req.Query)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, answer)
}

func (h *ChatHandler) Messages(c *gin.Context) {
	items, err := h.chat.ListMessages(c.Request.Context(), getUserID(c), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"items": items})
}
