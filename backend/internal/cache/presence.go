package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type Member struct {
	UserID string `json:"id"`
	Name   string `json:"name"`
}

type PresenceCache interface {
	// AddMember 加入或续期（刷新 TTL 也直接调用 AddMember）
	AddMember(ctx context.Context, docID string, m Member, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID string) error
	AliveMembers(ctx context.Context, docID string) ([]Member, error)
}

// 具体实现：基于 redis 的 PresenceCache，多实例部署时共享在线状态
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID string, m Member, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: m.UserID})
	tx.HSet(ctx, namesKey(docID), m.UserID, m.Name)
	// 整个房间没人续期时，键本身也会过期
	if ttl > 0 {
		tx.Expire(ctx, roomKey(docID), 2*ttl)
		tx.Expire(ctx, namesKey(docID), 2*ttl)
	}
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	_, err := tx.Exec(ctx)
	return err
}

// 清理过期成员。
// KEYS[1] = roomKey(docID), KEYS[2] = namesKey(docID), ARGV[1] = now (unix seconds)
var expireScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AliveMembers(ctx context.Context, docID string) ([]Member, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt，expireAt <= now 视为过期
	now := time.Now().Unix()
	if err := expireScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, Member{UserID: id, Name: name})
	}
	sortMembers(members)
	return members, nil
}

// memoryPresence 没有配置 redis 时使用，只在本进程内可见
type memoryPresence struct {
	mu    sync.Mutex
	rooms map[string]map[string]memoryEntry
	now   func() time.Time
}

type memoryEntry struct {
	name     string
	expireAt time.Time
}

func NewMemoryPresence() PresenceCache {
	return &memoryPresence{rooms: make(map[string]map[string]memoryEntry), now: time.Now}
}

func (p *memoryPresence) AddMember(ctx context.Context, docID string, m Member, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	room := p.rooms[docID]
	if room == nil {
		room = make(map[string]memoryEntry)
		p.rooms[docID] = room
	}
	room[m.UserID] = memoryEntry{name: m.Name, expireAt: p.now().Add(ttl)}
	return nil
}

func (p *memoryPresence) RemoveMember(ctx context.Context, docID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if room, ok := p.rooms[docID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(p.rooms, docID)
		}
	}
	return nil
}

func (p *memoryPresence) AliveMembers(ctx context.Context, docID string) ([]Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	room := p.rooms[docID]
	now := p.now()
	var members []Member
	for id, e := range room {
		if !e.expireAt.After(now) {
			delete(room, id)
			continue
		}
		members = append(members, Member{UserID: id, Name: e.name})
	}
	if len(room) == 0 {
		delete(p.rooms, docID)
	}
	sortMembers(members)
	return members, nil
}

func sortMembers(ms []Member) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].UserID < ms[j].UserID })
}
