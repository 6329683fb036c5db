package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docsync/backend/internal/auth"
	"docsync/backend/internal/user"
)

const (
	identityKey = "identity"
	userIDKey   = "userId"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (user.Identity, error)
}

// Authenticate 从 Authorization / ?token= / cookie 取 token，校验后把身份写入 gin.Context。
// websocket 路由也挂这个中间件，鉴权失败时升级前就返回 401。
func Authenticate(a Authenticator, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, err := a.Authenticate(c.Request.Context(), c.Request)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			log.Error("authenticate", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "identity lookup unavailable"})
			return
		}
		// gin.Context 对每个请求天然隔离
		c.Set(identityKey, who)
		c.Set(userIDKey, who.ID)
		c.Next()
	}
}

// Identity 取出 Authenticate 写入的身份
func Identity(c *gin.Context) (user.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return user.Identity{}, false
	}
	who, ok := v.(user.Identity)
	return who, ok
}
