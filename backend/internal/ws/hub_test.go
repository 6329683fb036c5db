package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/user"
)

func newTestConn(hub *Hub, id string, queue int) *Conn {
	return NewConn(nil, hub, nil, user.Identity{ID: id, Name: id}, ConnOptions{SendQueue: queue}, zap.NewNop())
}

func drain(c *Conn) []OutboundMessage {
	var out []OutboundMessage
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestHub_BroadcastExcludesSender(t *testing.T) {
	hub := NewHub(nil, 0, zap.NewNop())
	a, b, c := newTestConn(hub, "a", 8), newTestConn(hub, "b", 8), newTestConn(hub, "c", 8)
	other := newTestConn(hub, "d", 8)
	hub.Join("doc", a)
	hub.Join("doc", b)
	hub.Join("doc", c)
	hub.Join("other", other)

	msg := ServerMessage{Type: "x"}
	require.Equal(t, 2, hub.Broadcast("doc", a, msg))
	require.Empty(t, drain(a))
	require.Equal(t, []OutboundMessage{msg}, drain(b))
	require.Equal(t, []OutboundMessage{msg}, drain(c))
	require.Empty(t, drain(other))
}

func TestHub_LeaveDiscardsEmptyRoom(t *testing.T) {
	hub := NewHub(nil, 0, zap.NewNop())
	a, b := newTestConn(hub, "a", 8), newTestConn(hub, "b", 8)
	hub.Join("doc", a)
	hub.Join("doc", a)
	hub.Join("doc", b)
	require.Equal(t, 2, hub.Size("doc"))

	hub.Leave("doc", a)
	require.Equal(t, 1, hub.Size("doc"))
	hub.Leave("doc", b)
	require.Equal(t, 0, hub.Size("doc"))
	require.Equal(t, 0, hub.Rooms())

	// 离开后不再收到广播
	require.Equal(t, 0, hub.Broadcast("doc", nil, ServerMessage{Type: "x"}))

	hub.Join("doc", b)
	require.Equal(t, 1, hub.Size("doc"))
}

func TestHub_Evict(t *testing.T) {
	hub := NewHub(nil, 0, zap.NewNop())
	a, b := newTestConn(hub, "a", 8), newTestConn(hub, "b", 8)
	for _, c := range []*Conn{a, b} {
		c.bind("doc")
		hub.Join("doc", c)
	}

	closed := DocumentClosedMessage{Type: TypeDocumentClosed, DocumentID: "doc", Message: MsgDocumentDeleted}
	require.Equal(t, 2, hub.Evict("doc", closed))
	require.Equal(t, 0, hub.Rooms())
	for _, c := range []*Conn{a, b} {
		_, ok := c.binding()
		require.False(t, ok)
		require.Equal(t, []OutboundMessage{closed}, drain(c))
	}
	require.Equal(t, 0, hub.Evict("doc", closed))
}

func TestHub_JoinAfterEvictIsRefused(t *testing.T) {
	hub := NewHub(nil, 0, zap.NewNop())
	late := newTestConn(hub, "late", 8)

	// 文档在这个会话加载之后、进房间之前被删除：房间还不存在
	closed := DocumentClosedMessage{Type: TypeDocumentClosed, DocumentID: "doc", Message: MsgDocumentDeleted}
	require.Equal(t, 0, hub.Evict("doc", closed))

	require.False(t, hub.Join("doc", late))
	require.Equal(t, 0, hub.Size("doc"))
	require.Equal(t, 0, hub.Rooms())
	require.Equal(t, 0, hub.Broadcast("doc", nil, ServerMessage{Type: "x"}))

	// 其他文档不受影响
	require.True(t, hub.Join("other", late))
	require.Equal(t, 1, hub.Size("other"))
}

func TestConn_EnqueueDropsOldest(t *testing.T) {
	hub := NewHub(nil, 0, zap.NewNop())
	c := newTestConn(hub, "a", 2)
	for i := 1; i <= 3; i++ {
		require.True(t, c.Enqueue(ServerMessage{Type: fmt.Sprint(i)}))
	}
	require.EqualValues(t, 1, c.Dropped())
	require.Equal(t, []OutboundMessage{ServerMessage{Type: "2"}, ServerMessage{Type: "3"}}, drain(c))

	c.closeSend()
	require.False(t, c.Enqueue(ServerMessage{Type: "4"}))
}

func TestHub_Presence(t *testing.T) {
	hub := NewHub(cache.NewMemoryPresence(), time.Minute, zap.NewNop())
	ctx := context.Background()
	a1, a2, b := newTestConn(hub, "alice", 8), newTestConn(hub, "alice", 8), newTestConn(hub, "bob", 8)
	for _, c := range []*Conn{a1, a2, b} {
		hub.Join("doc", c)
		hub.TouchPresence(ctx, "doc", c)
	}
	msgs := drain(b)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1].(PresenceMessage)
	require.Equal(t, []cache.Member{{UserID: "alice", Name: "alice"}, {UserID: "bob", Name: "bob"}}, last.Members)

	// alice 还有另一个标签页，保留
	hub.Leave("doc", a1)
	hub.DropPresence(ctx, "doc", a1)
	require.Empty(t, drain(b))

	hub.Leave("doc", a2)
	hub.DropPresence(ctx, "doc", a2)
	msgs = drain(b)
	require.Len(t, msgs, 1)
	require.Equal(t, []cache.Member{{UserID: "bob", Name: "bob"}}, msgs[0].(PresenceMessage).Members)
}

func TestHub_ConcurrentJoinLeaveBroadcast(t *testing.T) {
	hub := NewHub(nil, 0, zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestConn(hub, fmt.Sprint(i), 4)
			doc := fmt.Sprintf("doc-%d", i%3)
			for j := 0; j < 200; j++ {
				hub.Join(doc, c)
				hub.Broadcast(doc, c, ServerMessage{Type: "x"})
				hub.Leave(doc, c)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, hub.Rooms())
}
