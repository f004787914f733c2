package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/pharmrag/internal/pkg/errcode"
	"github.com/xxxsen/pharmrag/internal/pkg/response"
)

const (
	ContextUserIDKey = "user_id"
	UserIDHeader     = "X-User-Id"
)

// UserIdentity trusts the caller id set by the upstream gateway.
func UserIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" || len(userID) > 128 {
			response.Abort(c, errcode.ErrUnauthorized, "missing "+UserIDHeader)
			return
		}
		c.Set(ContextUserIDKey, userID)
		c.Next()
	}
}
