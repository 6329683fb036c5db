package ws

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"docsync/backend/internal/cache"
)

// room 一个文档房间，有自己的锁；不同房间之间互不阻塞
type room struct {
	mu sync.RWMutex
	// 按连接存：同一用户可能开多个标签页，广播逐连接发送
	members map[*Conn]struct{}
	// closed 的房间已从 Hub 摘除，不能再加入
	closed bool
}

func newRoom() *room {
	return &room{members: make(map[*Conn]struct{})}
}

// evictedTTL 被删除文档的墓碑保留时间，需大于 join 加载文档的超时
const evictedTTL = time.Minute

// Hub 文档房间注册表。
// h.mu 只在查找/创建/摘除房间时持有，且从不和 room.mu 同时持有。
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
	// evicted 已被 Evict 的文档；加载早于删除的 join 不能再把房间建回来
	evicted map[string]time.Time

	// 在线状态（redis 或进程内实现），只用于 presence 展示，不参与转发
	presence    cache.PresenceCache
	presenceTTL time.Duration
	log         *zap.Logger
}

func NewHub(p cache.PresenceCache, presenceTTL time.Duration, log *zap.Logger) *Hub {
	if presenceTTL <= 0 {
		presenceTTL = 60 * time.Second
	}
	return &Hub{
		rooms:       make(map[string]*room),
		evicted:     make(map[string]time.Time),
		presence:    p,
		presenceTTL: presenceTTL,
		log:         log,
	}
}

func (h *Hub) lookup(docID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[docID]
}

// Join 将连接加入指定文档房间（重复加入无副作用）。
// 文档已被 Evict 时返回 false，连接不会进入房间。
func (h *Hub) Join(docID string, c *Conn) bool {
	for {
		h.mu.Lock()
		if at, ok := h.evicted[docID]; ok && time.Since(at) < evictedTTL {
			h.mu.Unlock()
			return false
		}
		r := h.rooms[docID]
		if r == nil {
			r = newRoom()
			h.rooms[docID] = r
		}
		h.mu.Unlock()

		r.mu.Lock()
		if !r.closed {
			r.members[c] = struct{}{}
			r.mu.Unlock()
			return true
		}
		r.mu.Unlock()

		// 房间刚被清空摘除；若注册表里还是它，换成新房间后重试
		h.mu.Lock()
		if h.rooms[docID] == r {
			h.rooms[docID] = newRoom()
		}
		h.mu.Unlock()
	}
}

// Leave 将连接从指定文档房间移除，房间空了就丢弃。
// 返回后，之后计算的广播都不会再包含这个连接。
func (h *Hub) Leave(docID string, c *Conn) {
	r := h.lookup(docID)
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.members, c)
	empty := len(r.members) == 0
	if empty {
		r.closed = true
	}
	r.mu.Unlock()

	if empty {
		h.mu.Lock()
		if h.rooms[docID] == r {
			delete(h.rooms, docID)
		}
		h.mu.Unlock()
	}
}

// Broadcast 发给房间内除 from 以外的所有连接；每个连接的出站队列有界，慢连接不会拖住房间
func (h *Hub) Broadcast(docID string, from *Conn, msg OutboundMessage) int {
	peers := h.members(docID, from)
	for _, p := range peers {
		p.Enqueue(msg)
	}
	return len(peers)
}

// Evict 摘除整个房间：每个连接被解绑并收到 msg。
// 之后一段时间内对该文档的 Join 都会被拒绝。
func (h *Hub) Evict(docID string, msg OutboundMessage) int {
	h.mu.Lock()
	r := h.rooms[docID]
	delete(h.rooms, docID)
	now := time.Now()
	for id, at := range h.evicted {
		if now.Sub(at) >= evictedTTL {
			delete(h.evicted, id)
		}
	}
	h.evicted[docID] = now
	h.mu.Unlock()
	if r == nil {
		return 0
	}

	r.mu.Lock()
	r.closed = true
	conns := lo.Keys(r.members)
	r.members = make(map[*Conn]struct{})
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, c := range conns {
		c.unbindIf(docID)
		c.Enqueue(msg)
		if h.presence != nil {
			if err := h.presence.RemoveMember(ctx, docID, c.who.ID); err != nil {
				h.log.Warn("presence remove member", zap.String("doc", docID), zap.Error(err))
			}
		}
	}
	return len(conns)
}

// Size 房间内连接数，房间不存在时为 0
func (h *Hub) Size(docID string) int {
	r := h.lookup(docID)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Rooms 当前存在的房间数
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) members(docID string, except *Conn) []*Conn {
	r := h.lookup(docID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.members))
	for c := range r.members {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}

// hasUser 房间里是否还有该用户的其他连接
func (h *Hub) hasUser(docID, userID string) bool {
	return lo.ContainsBy(h.members(docID, nil), func(c *Conn) bool { return c.who.ID == userID })
}

// TouchPresence 加入/续期在线状态，并把最新成员列表广播给整个房间
func (h *Hub) TouchPresence(ctx context.Context, docID string, c *Conn) {
	if h.presence == nil {
		return
	}
	if err := h.presence.AddMember(ctx, docID, cache.Member{UserID: c.who.ID, Name: c.who.Name}, h.presenceTTL); err != nil {
		h.log.Warn("presence add member", zap.String("doc", docID), zap.String("user", c.who.ID), zap.Error(err))
		return
	}
	h.BroadcastPresence(ctx, docID)
}

// DropPresence 连接离开后调用；同一用户还有其他连接在房间里时保留
func (h *Hub) DropPresence(ctx context.Context, docID string, c *Conn) {
	if h.presence == nil || h.hasUser(docID, c.who.ID) {
		return
	}
	if err := h.presence.RemoveMember(ctx, docID, c.who.ID); err != nil {
		h.log.Warn("presence remove member", zap.String("doc", docID), zap.String("user", c.who.ID), zap.Error(err))
		return
	}
	h.BroadcastPresence(ctx, docID)
}

func (h *Hub) BroadcastPresence(ctx context.Context, docID string) {
	conns := h.members(docID, nil)
	if len(conns) == 0 {
		return
	}
	members, err := h.presence.AliveMembers(ctx, docID)
	if err != nil {
		h.log.Warn("presence alive members", zap.String("doc", docID), zap.Error(err))
		return
	}
	if members == nil {
		members = []cache.Member{}
	}
	msg := PresenceMessage{Type: TypePresence, DocumentID: docID, Members: members}
	for _, c := range conns {
		c.Enqueue(msg)
	}
}
