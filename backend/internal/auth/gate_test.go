package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docsync/backend/internal/user"
)

type resolverFunc func(ctx context.Context, id string) (user.Identity, error)

func (f resolverFunc) Resolve(ctx context.Context, id string) (user.Identity, error) { return f(ctx, id) }

func newTestGate(t *testing.T) (*Gate, *Tokens) {
	t.Helper()
	repo := user.NewMemoryRepository()
	require.NoError(t, repo.Create(context.Background(), &user.User{ID: "u1", Name: "Alice", Email: "alice@example.com"}))
	tokens := NewTokens("test-secret", time.Minute)
	return NewGate(tokens, user.NewResolver(repo)), tokens
}

func TestAuthenticate_CredentialSources(t *testing.T) {
	gate, tokens := newTestGate(t)
	tok, _, err := tokens.SignAccessToken("u1", "Alice")
	require.NoError(t, err)

	bearer := httptest.NewRequest(http.MethodGet, "/ws", nil)
	bearer.Header.Set("Authorization", "Bearer "+tok)

	query := httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)

	cookie := httptest.NewRequest(http.MethodGet, "/ws", nil)
	cookie.AddCookie(&http.Cookie{Name: CookieName, Value: tok})

	for name, r := range map[string]*http.Request{"bearer": bearer, "query": query, "cookie": cookie} {
		id, err := gate.Authenticate(context.Background(), r)
		require.NoError(t, err, name)
		require.Equal(t, "u1", id.ID, name)
		require.Equal(t, "Alice", id.Name, name)
	}
}

func TestAuthenticate_HeaderWinsOverCookie(t *testing.T) {
	gate, tokens := newTestGate(t)
	tok, _, err := tokens.SignAccessToken("u1", "Alice")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "garbage"})
	_, err = gate.Authenticate(context.Background(), r)
	require.NoError(t, err)
}

func TestAuthenticate_Rejections(t *testing.T) {
	gate, tokens := newTestGate(t)

	expired, _, err := tokens.sign("u1", "Alice", TokenTypeAccess, -time.Minute)
	require.NoError(t, err)
	refresh, _, err := tokens.sign("u1", "Alice", "refresh", time.Minute)
	require.NoError(t, err)
	unknown, _, err := tokens.SignAccessToken("ghost", "Ghost")
	require.NoError(t, err)
	foreign, _, err := NewTokens("other-secret", time.Minute).SignAccessToken("u1", "Alice")
	require.NoError(t, err)

	cases := map[string]string{
		"missing":       "",
		"malformed":     "not-a-jwt",
		"expired":       expired,
		"wrong type":    refresh,
		"unknown user":  unknown,
		"bad signature": foreign,
	}
	for name, tok := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tok != "" {
			r.Header.Set("Authorization", "Bearer "+tok)
		}
		_, err := gate.Authenticate(context.Background(), r)
		require.ErrorIs(t, err, ErrUnauthenticated, name)
	}
}

func TestAuthenticate_ResolverFailureIsNotAuthError(t *testing.T) {
	tokens := NewTokens("test-secret", time.Minute)
	boom := errors.New("db down")
	gate := NewGate(tokens, resolverFunc(func(ctx context.Context, id string) (user.Identity, error) {
		return user.Identity{}, boom
	}))
	tok, _, err := tokens.SignAccessToken("u1", "Alice")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	_, err = gate.Authenticate(context.Background(), r)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrUnauthenticated)
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("bearer abc"))
	require.Equal(t, "", extractBearer("Basic abc"))
	require.Equal(t, "", extractBearer("Bear"))
}
