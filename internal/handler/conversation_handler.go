package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/pharmrag/internal/model"
	"github.com/xxxsen/pharmrag/internal/pkg/errcode"
	"github.com/xxxsen/pharmrag/internal/pkg/response"
)

type ConversationService interface {
	Create(ctx context.Context, userID, title string) (*model.Conversation, error)
	List(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error)
	Delete(ctx context.Context, userID, id string) error
}

type ConversationHandler struct {
	conversations ConversationService
}

func NewConversationHandler(conversations ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (h *ConversationHandler) Create(c *gin.Context) {
	var req createConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, errcode.ErrInvalid, "invalid request")
			return
		}
	}
	conv, err := h.conversations.Create(c.Request.Context(), getUserID(c), req.Title)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, conv)
}

func (h *ConversationHandler) List(c *gin.Context) {
	items, err := h.conversations.List(c.Request.Context(), getUserID(c), queryInt(c, "limit", 0), queryInt(c, "offset", 0))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"items": items})
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.conversations.Delete(c.Request.Context(), getUserID(c), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"id": c.Param("id")})
}
