package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docsync/backend/internal/auth"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/httpapi/handlers"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/ws"
)

type Deps struct {
	Gate           middleware.Authenticator
	Service        *collab.Service
	Hub            *ws.Hub
	Manager        *ws.Manager
	Login          *auth.LoginHandler
	AllowedOrigins []string
	Log            *zap.Logger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	// 中间件
	r.Use(middleware.RequestLogger(d.Log), gin.Recovery())

	allowed := d.AllowedOrigins
	if len(allowed) == 0 {
		allowed = middleware.DefaultAllowedOrigins
	}
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return middleware.OriginAllowed(origin, allowed)
		},
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		// token cookie 需要带凭据
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	authMW := middleware.Authenticate(d.Gate, d.Log)

	v1 := r.Group("/api/v1")
	if d.Login != nil {
		v1.POST("/auth/login", d.Login.Login)
	}

	docs := handlers.NewDocumentHandler(d.Service, d.Hub, d.Log)
	dg := v1.Group("/documents", authMW)
	dg.GET("", docs.List)
	dg.POST("", docs.Create)
	dg.POST("/:id/share", docs.Share)
	dg.PATCH("/:id/title", docs.Rename)
	dg.DELETE("/:id", docs.Delete)

	// 鉴权在升级前完成
	r.GET("/ws", authMW, d.Manager.WebSocketConnect)
	return r
}
