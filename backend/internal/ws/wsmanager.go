package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/httpapi/middleware"
)

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" { // 非浏览器客户端不发送 Origin
			return true
		}
		// "null"（沙箱 iframe 等）会带上 token cookie，按普通来源校验
		return middleware.OriginAllowed(origin, allowed)
	}}
}

type Manager struct {
	h        *Hub
	svc      *collab.Service
	upgrader websocket.Upgrader
	opt      ConnOptions
	log      *zap.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

func NewManager(h *Hub, svc *collab.Service, allowedOrigins []string, opt ConnOptions, log *zap.Logger) *Manager {
	if len(allowedOrigins) == 0 {
		allowedOrigins = middleware.DefaultAllowedOrigins
	}
	return &Manager{
		h:        h,
		svc:      svc,
		upgrader: newUpgrader(allowedOrigins),
		opt:      opt,
		log:      log,
		conns:    make(map[*Conn]struct{}),
	}
}

// WebSocketConnect 需要挂在鉴权中间件之后：未通过鉴权的请求在升级前就被 401 拒绝
func (m *Manager) WebSocketConnect(c *gin.Context) {
	who, ok := middleware.Identity(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Info("websocket upgrade error", zap.Error(err), zap.String("origin", c.Request.Header.Get("Origin")))
		return
	}

	wsConn := NewConn(conn, m.h, m.svc, who, m.opt, m.log)
	m.track(wsConn)
	defer m.untrack(wsConn)

	m.log.Info("session opened", zap.String("session", wsConn.ID()), zap.String("user", who.ID))
	// 阻塞至连接关闭
	wsConn.Serve(c.Request.Context())
	m.log.Info("session closed", zap.String("session", wsConn.ID()), zap.Uint64("dropped", wsConn.Dropped()))
}

func (m *Manager) track(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c] = struct{}{}
	m.wg.Add(1)
}

func (m *Manager) untrack(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
	m.wg.Done()
}

// Shutdown 关闭所有会话的底层连接，等待它们写出未保存的快照
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for c := range m.conns {
		_ = c.ws.Close()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
