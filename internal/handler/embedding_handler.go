package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/ai"
	"github.com/xxxsen/pharmrag/internal/pkg/response"
)

type EmbeddingProvider interface {
	Status() ai.ProviderStatus
	Reset()
}

type EmbeddingHandler struct {
	provider EmbeddingProvider
}

func NewEmbeddingHandler(provider EmbeddingProvider) *EmbeddingHandler {
	return &EmbeddingHandler{provider: provider}
}

func (h *EmbeddingHandler) Status(c *gin.Context) {
	response.Success(c, h.provider.Status())
}

// Reset forces the next embedding call to probe the strategies again.
func (h *EmbeddingHandler) Reset(c *gin.Context) {
	prev := h.provider.Status()
	h.provider.Reset()
	logutil.GetLogger(c.Request.Context()).Info("embedding provider reset",
		zap.String("previous_strategy", string(prev.Strategy)),
		zap.String("user_id", getUserID(c)),
	)
	response.Success(c, h.provider.Status())
}
