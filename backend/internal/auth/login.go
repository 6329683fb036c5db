package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"docsync/backend/internal/user"
)

type loginReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginHandler 用邮箱 + 密码换访问令牌。注册在外部系统完成。
type LoginHandler struct {
	users  user.Repository
	tokens *Tokens
	log    *zap.Logger
}

func NewLoginHandler(users user.Repository, tokens *Tokens, log *zap.Logger) *LoginHandler {
	return &LoginHandler{users: users, tokens: tokens, log: log}
}

func (h *LoginHandler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	u, err := h.users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
			return
		}
		h.log.Error("login: load user", zap.String("email", req.Email), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}

	accessToken, expiresAt, err := h.tokens.SignAccessToken(u.ID, u.Name)
	if err != nil {
		h.log.Error("login: sign token", zap.String("user", u.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	// 浏览器可以直接靠 cookie 连 websocket
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, accessToken, int(h.tokens.AccessTTL().Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{
		"accessToken": accessToken,
		"expiresIn":   int(h.tokens.AccessTTL().Seconds()),
		"expiresAt":   expiresAt,
		"tokenType":   "Bearer",
		"user":        u.Identity(),
	})
}
