package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"docsync/backend/internal/user"
)

// CookieName 浏览器登录后下发的 cookie 名
const CookieName = "token"

var ErrUnauthenticated = errors.New("unauthenticated")

type IdentityResolver interface {
	Resolve(ctx context.Context, id string) (user.Identity, error)
}

// Gate 在 websocket 升级前（以及每个 REST 请求上）确认调用者身份
type Gate struct {
	tokens   *Tokens
	resolver IdentityResolver
}

func NewGate(tokens *Tokens, resolver IdentityResolver) *Gate {
	return &Gate{tokens: tokens, resolver: resolver}
}

// Authenticate 取凭据的顺序：Authorization: Bearer 头，?token= 查询参数（浏览器 websocket 没法带头），token cookie。
// 凭据缺失、格式错误、过期、用户不存在都返回包裹 ErrUnauthenticated 的错误；
// 其他错误（比如用户库不可用）原样返回，由调用方决定状态码。
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (user.Identity, error) {
	raw := credential(r)
	if raw == "" {
		return user.Identity{}, fmt.Errorf("%w: no token", ErrUnauthenticated)
	}
	claims, err := g.tokens.Parse(raw)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return user.Identity{}, fmt.Errorf("%w: token expired", ErrUnauthenticated)
		}
		return user.Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Type != TokenTypeAccess || claims.Subject == "" {
		return user.Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	id, err := g.resolver.Resolve(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return user.Identity{}, fmt.Errorf("%w: user not found", ErrUnauthenticated)
		}
		return user.Identity{}, fmt.Errorf("resolve identity: %w", err)
	}
	return id, nil
}

func credential(r *http.Request) string {
	if tok := extractBearer(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if ck, err := r.Cookie(CookieName); err == nil {
		return ck.Value
	}
	return ""
}

func extractBearer(h string) string {
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
