package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenTypeAccess = "access"
	defaultSecret   = "dev-secret"
)

type Claims struct {
	Username string `json:"username,omitempty"`
	Type     string `json:"typ"`
	// Subject 存用户 id
	jwt.RegisteredClaims
}

// Tokens 负责签发和校验 HS256 访问令牌
type Tokens struct {
	secret    []byte
	accessTTL time.Duration
}

func NewTokens(secret string, accessTTL time.Duration) *Tokens {
	if secret == "" {
		secret = defaultSecret
	}
	if accessTTL <= 0 {
		accessTTL = 30 * time.Minute
	}
	// 转换为字节切片
	return &Tokens{secret: []byte(secret), accessTTL: accessTTL}
}

func (t *Tokens) AccessTTL() time.Duration { return t.accessTTL }

func (t *Tokens) SignAccessToken(userID, username string) (string, time.Time, error) {
	return t.sign(userID, username, TokenTypeAccess, t.accessTTL)
}

func (t *Tokens) sign(userID, username, typ string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	// jwt.NewWithClaims 接收指针
	claims := &Claims{
		Username: username,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse 解析并校验签名和过期时间，返回 Claims
func (t *Tokens) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
