package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"docsync/backend/internal/auth"
	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/store"
	"docsync/backend/internal/user"
	"docsync/backend/internal/ws"
)

type testEnv struct {
	srv    *httptest.Server
	tokens *auth.Tokens
	store  *store.MemoryStore
	hub    *ws.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	ctx := context.Background()

	users := user.NewMemoryRepository()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	for id, name := range map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol", "dave": "Dave"} {
		require.NoError(t, users.Create(ctx, &user.User{ID: id, Name: name, Email: id + "@example.com", PasswordHash: hash}))
	}

	st := store.NewMemoryStore()
	resolver := user.NewResolver(users)
	history := collab.NewHistoryRecorder(st, collab.HistoryOptions{Shards: 2}, log)
	svc := collab.NewService(st, resolver, users, history, collab.NopSink{}, collab.NewSemaphoreControl(8), collab.Options{}, log)
	hub := ws.NewHub(cache.NewMemoryPresence(), time.Minute, log)
	mgr := ws.NewManager(hub, svc, nil, ws.ConnOptions{Persist: collab.PersisterOptions{Floor: 10 * time.Millisecond}}, log)
	tokens := auth.NewTokens("test-secret", time.Hour)

	r := NewRouter(Deps{
		Gate:    auth.NewGate(tokens, resolver),
		Service: svc,
		Hub:     hub,
		Manager: mgr,
		Login:   auth.NewLoginHandler(users, tokens, log),
		Log:     log,
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(sctx)
		srv.Close()
		history.Close()
	})
	return &testEnv{srv: srv, tokens: tokens, store: st, hub: hub}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := e.tokens.SignAccessToken(userID, "")
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (e *testEnv) createDoc(t *testing.T, owner string, collaborators ...string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/v1/documents", owner, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	var doc struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	for _, c := range collaborators {
		status, body := e.do(t, http.MethodPost, "/api/v1/documents/"+doc.ID+"/share", owner, gin.H{"collaboratorEmail": c + "@example.com"})
		require.Equal(t, http.StatusOK, status, string(body))
	}
	return doc.ID
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + e.token(t, userID)
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type frame map[string]json.RawMessage

func (f frame) str(key string) string {
	var s string
	_ = json.Unmarshal(f[key], &s)
	return s
}

// expect 读到指定类型的帧为止，返回它和途中跳过的类型
func expect(t *testing.T, c *websocket.Conn, typ string) (frame, []string) {
	t.Helper()
	var skipped []string
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, c.SetReadDeadline(deadline))
		_, data, err := c.ReadMessage()
		require.NoError(t, err, "waiting for %s, skipped %v", typ, skipped)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		got := f.str("type")
		if got == typ {
			return f, skipped
		}
		skipped = append(skipped, got)
	}
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestCollaborationScenario(t *testing.T) {
	env := newTestEnv(t)
	docID := env.createDoc(t, "alice", "bob", "carol")

	b := env.dial(t, "bob")
	send(t, b, `{"type":"join-document","documentId":"`+docID+`"}`)
	loaded, _ := expect(t, b, ws.TypeDocumentLoaded)
	require.JSONEq(t, `{"ops":[]}`, string(loaded["snapshot"]))
	require.JSONEq(t, `[]`, string(loaded["history"]))

	a := env.dial(t, "alice")
	send(t, a, `{"type":"join-document","documentId":"`+docID+`"}`)
	expect(t, a, ws.TypeDocumentLoaded)

	send(t, a, `{"type":"submit-edit","delta":{"ops":[{"insert":"hi"}]}}`)
	edit, _ := expect(t, b, ws.TypeEditReceived)
	require.JSONEq(t, `{"ops":[{"insert":"hi"}]}`, string(edit["delta"]))
	require.JSONEq(t, `{"id":"alice","name":"Alice"}`, string(edit["author"]))
	require.Equal(t, docID, edit.str("documentId"))

	send(t, a, `{"type":"persist-document","snapshot":{"ops":[{"insert":"hi"}]}}`)
	saved, skipped := expect(t, a, ws.TypeDocumentSaved)
	require.Equal(t, docID, saved.str("documentId"))
	// 发送者自己不会收到自己的编辑
	require.NotContains(t, skipped, ws.TypeEditReceived)

	require.Eventually(t, func() bool {
		doc, err := env.store.Get(context.Background(), docID)
		return err == nil && len(doc.History) == 1
	}, 3*time.Second, 10*time.Millisecond)

	c := env.dial(t, "carol")
	send(t, c, `{"type":"join-document","documentId":"`+docID+`"}`)
	loaded, _ = expect(t, c, ws.TypeDocumentLoaded)
	require.JSONEq(t, `{"ops":[{"insert":"hi"}]}`, string(loaded["snapshot"]))

	var history []struct {
		Author user.Author     `json:"author"`
		Delta  json.RawMessage `json:"delta"`
	}
	require.NoError(t, json.Unmarshal(loaded["history"], &history))
	require.Len(t, history, 1)
	require.Equal(t, user.Author{ID: "alice", Name: "Alice"}, history[0].Author)
	require.JSONEq(t, `{"ops":[{"insert":"hi"}]}`, string(history[0].Delta))
}

func TestWebSocketRejectsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinErrorsAreTargeted(t *testing.T) {
	env := newTestEnv(t)
	docID := env.createDoc(t, "alice")

	a := env.dial(t, "alice")
	send(t, a, `{"type":"join-document","documentId":"`+docID+`"}`)
	expect(t, a, ws.TypeDocumentLoaded)

	d := env.dial(t, "dave")
	send(t, d, `{"type":"submit-edit","delta":{"ops":[]}}`)
	errFrame, _ := expect(t, d, ws.TypeDocumentError)
	require.Equal(t, ws.MsgNotJoined, errFrame.str("message"))

	send(t, d, `{"type":"join-document","documentId":"`+docID+`"}`)
	errFrame, _ = expect(t, d, ws.TypeDocumentError)
	require.Equal(t, ws.MsgAccessDenied, errFrame.str("message"))

	send(t, d, `{"type":"join-document","documentId":"missing"}`)
	errFrame, _ = expect(t, d, ws.TypeDocumentError)
	require.Equal(t, ws.MsgDocumentNotFound, errFrame.str("message"))

	send(t, d, `{"type":"dance"}`)
	expect(t, d, ws.TypeIgnored)

	// 拒绝后 dave 仍然没有加入，alice 的编辑不会发给他；alice 也没有收到任何错误
	send(t, a, `{"type":"submit-edit","delta":{"ops":[{"insert":"x"}]}}`)
	send(t, a, `{"type":"submit-edit","delta":"nope"}`)
	errFrame, skipped := expect(t, a, ws.TypeDocumentError)
	require.Equal(t, ws.MsgMalformedDelta, errFrame.str("message"))
	require.NotContains(t, skipped, ws.TypeDocumentError)

	send(t, d, `{"type":"heartbeat"}`)
	send(t, d, `{"type":"dance"}`)
	_, skipped = expect(t, d, ws.TypeIgnored)
	require.NotContains(t, skipped, ws.TypeEditReceived)
}

func TestRejoinMovesSessionBetweenRooms(t *testing.T) {
	env := newTestEnv(t)
	first := env.createDoc(t, "alice", "bob")
	second := env.createDoc(t, "alice", "bob")

	a := env.dial(t, "alice")
	send(t, a, `{"type":"join-document","documentId":"`+first+`"}`)
	expect(t, a, ws.TypeDocumentLoaded)

	b := env.dial(t, "bob")
	send(t, b, `{"type":"join-document","documentId":"`+first+`"}`)
	expect(t, b, ws.TypeDocumentLoaded)
	send(t, b, `{"type":"join-document","documentId":"`+second+`"}`)
	expect(t, b, ws.TypeDocumentLoaded)

	// bob 已经离开 first，alice 在 first 的编辑不会到达
	send(t, a, `{"type":"submit-edit","delta":{"ops":[{"insert":"only first"}]}}`)
	send(t, b, `{"type":"dance"}`)
	_, skipped := expect(t, b, ws.TypeIgnored)
	require.NotContains(t, skipped, ws.TypeEditReceived)
}

func TestDocumentsAPI(t *testing.T) {
	env := newTestEnv(t)
	docID := env.createDoc(t, "alice")

	status, _ := env.do(t, http.MethodGet, "/api/v1/documents", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/documents/"+docID+"/share", "bob", gin.H{"collaboratorEmail": "carol@example.com"})
	require.Equal(t, http.StatusForbidden, status)
	status, _ = env.do(t, http.MethodPost, "/api/v1/documents/"+docID+"/share", "alice", gin.H{"collaboratorEmail": "nobody@example.com"})
	require.Equal(t, http.StatusNotFound, status)
	status, _ = env.do(t, http.MethodPost, "/api/v1/documents/"+docID+"/share", "alice", gin.H{"collaboratorEmail": "bob@example.com"})
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodPost, "/api/v1/documents/"+docID+"/share", "alice", gin.H{"collaboratorEmail": "bob@example.com"})
	require.Equal(t, http.StatusBadRequest, status)

	status, body := env.do(t, http.MethodPatch, "/api/v1/documents/"+docID+"/title", "bob", gin.H{"title": "Roadmap"})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = env.do(t, http.MethodGet, "/api/v1/documents", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Documents []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Documents, 1)
	require.Equal(t, "Roadmap", list.Documents[0].Title)

	b := env.dial(t, "bob")
	send(t, b, `{"type":"join-document","documentId":"`+docID+`"}`)
	expect(t, b, ws.TypeDocumentLoaded)

	status, _ = env.do(t, http.MethodDelete, "/api/v1/documents/"+docID, "bob", nil)
	require.Equal(t, http.StatusForbidden, status)
	status, _ = env.do(t, http.MethodDelete, "/api/v1/documents/"+docID, "alice", nil)
	require.Equal(t, http.StatusNoContent, status)

	closed, _ := expect(t, b, ws.TypeDocumentClosed)
	require.Equal(t, docID, closed.str("documentId"))
	send(t, b, `{"type":"submit-edit","delta":{"ops":[]}}`)
	errFrame, _ := expect(t, b, ws.TypeDocumentError)
	require.Equal(t, ws.MsgNotJoined, errFrame.str("message"))
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "alice@example.com", "password": "secret"})
	require.Equal(t, http.StatusOK, status, string(body))
	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.AccessToken)

	status, _ = env.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "alice@example.com", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, status)
	status, _ = env.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "ghost@example.com", "password": "secret"})
	require.Equal(t, http.StatusUnauthorized, status)
	status, _ = env.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "not-an-email"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestWebSocketRejectsLookalikeOrigin(t *testing.T) {
	env := newTestEnv(t)
	docID := env.createDoc(t, "alice")
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	cookie := auth.CookieName + "=" + env.token(t, "alice")

	for _, origin := range []string{"http://localhost.attacker.example", "null"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {origin}, "Cookie": {cookie}})
		require.ErrorIs(t, err, websocket.ErrBadHandshake, origin)
		require.Equal(t, http.StatusForbidden, resp.StatusCode, origin)
	}

	// 同一个 cookie 从本地开发来源连接可以正常加入
	c, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://localhost:5173"}, "Cookie": {cookie}})
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = c.Close() })
	send(t, c, `{"type":"join-document","documentId":"`+docID+`"}`)
	expect(t, c, ws.TypeDocumentLoaded)

	// REST 也不对仿冒来源放行 CORS
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/documents", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://localhost.attacker.example")
	req.Header.Set("Cookie", cookie)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	require.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}

func TestEditsArriveOnceInSendOrder(t *testing.T) {
	env := newTestEnv(t)
	docID := env.createDoc(t, "alice", "bob")

	a := env.dial(t, "alice")
	send(t, a, `{"type":"join-document","documentId":"`+docID+`"}`)
	expect(t, a, ws.TypeDocumentLoaded)
	b := env.dial(t, "bob")
	send(t, b, `{"type":"join-document","documentId":"`+docID+`"}`)
	expect(t, b, ws.TypeDocumentLoaded)

	const n = 100
	for i := 0; i < n; i++ {
		send(t, a, fmt.Sprintf(`{"type":"submit-edit","delta":{"ops":[{"retain":%d},{"insert":"%d"}]}}`, i, i))
	}
	for i := 0; i < n; i++ {
		edit, skipped := expect(t, b, ws.TypeEditReceived)
		require.NotContains(t, skipped, ws.TypeDocumentError)
		require.JSONEq(t, fmt.Sprintf(`{"ops":[{"retain":%d},{"insert":"%d"}]}`, i, i), string(edit["delta"]))
	}

	// 没有重复投递
	send(t, b, `{"type":"dance"}`)
	_, skipped := expect(t, b, ws.TypeIgnored)
	require.NotContains(t, skipped, ws.TypeEditReceived)
}

func TestDisconnectLeavesRoomAndFlushesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	docID := env.createDoc(t, "alice", "bob")

	a := env.dial(t, "alice")
	send(t, a, `{"type":"join-document","documentId":"`+docID+`"}`)
	expect(t, a, ws.TypeDocumentLoaded)
	b := env.dial(t, "bob")
	send(t, b, `{"type":"join-document","documentId":"`+docID+`"}`)
	expect(t, b, ws.TypeDocumentLoaded)
	require.Eventually(t, func() bool { return env.hub.Size(docID) == 2 }, 3*time.Second, 5*time.Millisecond)

	// bob 断线后被移出房间，之后的广播只会到达 alice
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return env.hub.Size(docID) == 1 }, 3*time.Second, 5*time.Millisecond)
	send(t, a, `{"type":"submit-edit","delta":{"ops":[{"insert":"kept"}]}}`)
	require.Equal(t, 1, env.hub.Broadcast(docID, nil, ws.ServerMessage{Type: ws.TypeIgnored}))

	// 最后一个会话断开：房间被丢弃，未写出的快照在断开时写入
	send(t, a, `{"type":"persist-document","snapshot":{"ops":[{"insert":"kept\n"}]}}`)
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return env.hub.Rooms() == 0 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		doc, err := env.store.Get(context.Background(), docID)
		return err == nil && string(mustJSON(t, doc.Snapshot)) == `{"ops":[{"insert":"kept\n"}]}`
	}, 3*time.Second, 10*time.Millisecond)

	// 重新加入从存储加载
	b2 := env.dial(t, "bob")
	send(t, b2, `{"type":"join-document","documentId":"`+docID+`"}`)
	loaded, _ := expect(t, b2, ws.TypeDocumentLoaded)
	require.JSONEq(t, `{"ops":[{"insert":"kept\n"}]}`, string(loaded["snapshot"]))
	require.Equal(t, 1, env.hub.Size(docID))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
