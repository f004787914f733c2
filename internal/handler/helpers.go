package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/ai"
	"github.com/xxxsen/pharmrag/internal/middleware"
	"github.com/xxxsen/pharmrag/internal/pkg/errcode"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
	"github.com/xxxsen/pharmrag/internal/pkg/response"
)

func getUserID(c *gin.Context) string {
	value, _ := c.Get(middleware.ContextUserIDKey)
	userID, _ := value.(string)
	return userID
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID, _ := c.Get(middleware.ContextRequestIDKey)
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.Any("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("user_id", getUserID(c)),
		zap.Error(err),
	)
	code, msg := mapError(err)
	response.Error(c, code, msg)
}

func mapError(err error) (int, string) {
	var dimErr *appErr.DimensionMismatchError
	switch {
	case errors.As(err, &dimErr):
		return errcode.ErrDimensionMismatch, dimErr.Error()
	case errors.Is(err, appErr.ErrNotFound):
		return errcode.ErrNotFound, "not found"
	case errors.Is(err, appErr.ErrUnauthorized):
		return errcode.ErrUnauthorized, "unauthorized"
	case errors.Is(err, appErr.ErrForbidden):
		return errcode.ErrForbidden, "forbidden"
	case errors.Is(err, appErr.ErrUnsupportedFormat):
		return errcode.ErrUnsupportedFormat, err.Error()
	case errors.Is(err, appErr.ErrParse):
		return errcode.ErrInvalidFile, err.Error()
	case errors.Is(err, appErr.ErrInvalid):
		return errcode.ErrInvalid, err.Error()
	case errors.Is(err, appErr.ErrConflict):
		return errcode.ErrConflict, "conflict"
	case errors.Is(err, appErr.ErrTooMany):
		return errcode.ErrTooMany, "too many requests"
	case errors.Is(err, appErr.ErrEmbeddingTimeout):
		return errcode.ErrEmbeddingTimeout, "embedding timed out"
	case errors.Is(err, appErr.ErrProviderUnavailable):
		return errcode.ErrEmbeddingUnavailable, "embedding provider unavailable"
	case errors.Is(err, ai.ErrUnavailable):
		return errcode.ErrAIUnavailable, "ai not configured"
	default:
		return errcode.ErrInternal, "internal error"
	}
}
