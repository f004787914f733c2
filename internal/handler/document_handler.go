package handler

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/pharmrag/internal/loader"
	"github.com/xxxsen/pharmrag/internal/model"
	"github.com/xxxsen/pharmrag/internal/pkg/errcode"
	"github.com/xxxsen/pharmrag/internal/pkg/response"
	"github.com/xxxsen/pharmrag/internal/retriever"
	"github.com/xxxsen/pharmrag/internal/service"
)

type RAGService interface {
	IngestDocument(ctx context.Context, userID, conversationID, filename string, data []byte) (*service.IngestResult, error)
	ListDocuments(ctx context.Context, userID, conversationID string) ([]model.SourceDocument, error)
	Retrieve(ctx context.Context, userID, conversationID, query string, maxResults, tokenBudget int) (*retriever.ContextBlock, error)
}

type DocumentHandler struct {
	rag       RAGService
	maxUpload int64
}

func NewDocumentHandler(rag RAGService, maxUpload int64) *DocumentHandler {
	return &DocumentHandler{rag: rag, maxUpload: maxUpload}
}

func (h *DocumentHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "file is required")
		return
	}
	if h.maxUpload > 0 && file.Size > h.maxUpload {
		response.Error(c, errcode.ErrFileTooLarge, "file exceeds upload limit of "+formatUploadLimit(h.maxUpload))
		return
	}
	if !loader.Supported(file.Filename) {
		response.Error(c, errcode.ErrUnsupportedFormat, "unsupported file type "+file.Filename)
		return
	}
	opened, err := file.Open()
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "failed to open file")
		return
	}
	defer opened.Close()
	data, err := io.ReadAll(opened)
	if err != nil {
		response.Error(c, errcode.ErrUploadFailed, "failed to read file")
		return
	}
	result, err := h.rag.IngestDocument(c.Request.Context(), getUserID(c), c.Param("id"), file.Filename, data)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *DocumentHandler) List(c *gin.Context) {
	items, err := h.rag.ListDocuments(c.Request.Context(), getUserID(c), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"items": items})
}

type retrieveRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	TokenBudget int    `json:"token_budget"`
}

func (h *DocumentHandler) Retrieve(c *gin.Context) {
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	block, err := h.rag.Retrieve(c.Request.Context(), getUserID(c), c.Param("id"), req.Query, req.MaxResults, req.TokenBudget)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, block)
}
