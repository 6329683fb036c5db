package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/delta"
	"docsync/backend/internal/user"
)

type ConnOptions struct {
	// SendQueue 每个连接出站队列长度；满了丢最旧的消息
	SendQueue      int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	// StoreTimeout join 时加载文档的超时
	StoreTimeout time.Duration
	Persist      collab.PersisterOptions
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4 << 20
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	return o
}

// Conn 一个已鉴权的会话。
// 读循环是唯一处理入站消息的 goroutine，同一发送者的编辑按到达顺序转发。
type Conn struct {
	id  string
	ws  *websocket.Conn
	hub *Hub
	svc *collab.Service
	who user.Identity
	opt ConnOptions
	log *zap.Logger

	// mu 保护房间绑定；Evict 会从别的 goroutine 解绑
	mu       sync.Mutex
	docID    string
	canWrite bool

	// chan 是 goroutine 之间通信的队列，sendMu 保护关闭和丢弃
	sendMu     sync.Mutex
	sendClosed bool
	send       chan OutboundMessage
	dropped    uint64

	persister *collab.Persister
}

func NewConn(ws *websocket.Conn, hub *Hub, svc *collab.Service, who user.Identity, opt ConnOptions, log *zap.Logger) *Conn {
	opt = opt.withDefaults()
	c := &Conn{
		id:   ulid.Make().String(),
		ws:   ws,
		hub:  hub,
		svc:  svc,
		who:  who,
		opt:  opt,
		send: make(chan OutboundMessage, opt.SendQueue),
	}
	c.log = log.With(zap.String("session", c.id), zap.String("user", who.ID))
	c.persister = collab.NewPersister(c.saveSnapshot, opt.Persist, c.onSaved)
	return c
}

func (c *Conn) ID() string { return c.id }

// Enqueue 非阻塞入队。队列满时丢弃最旧的一条，保证慢连接不会拖住广播方
func (c *Conn) Enqueue(msg OutboundMessage) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	for {
		select {
		case c.send <- msg:
			return true
		default:
		}
		select {
		case old := <-c.send:
			c.dropped++
			c.log.Warn("send queue full, drop oldest",
				zap.String("type", old.MessageType()), zap.Uint64("dropped", c.dropped))
		default:
		}
	}
}

func (c *Conn) Dropped() uint64 {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.dropped
}

func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// binding 返回当前绑定的文档
func (c *Conn) binding() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID, c.docID != "" && c.canWrite
}

// bind 绑定新文档，返回之前绑定的文档
func (c *Conn) bind(docID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.docID
	c.docID = docID
	// 读写同一权限，join 成功即缓存为可写
	c.canWrite = true
	return prev
}

func (c *Conn) unbind() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.docID
	c.docID, c.canWrite = "", false
	return prev
}

func (c *Conn) unbindIf(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docID == docID {
		c.docID, c.canWrite = "", false
	}
}

// Serve 启动写循环和保存循环，阻塞在读循环直到连接断开。
// 断开时先同步离开房间，再写出未保存的快照，最后关闭出站队列。
func (c *Conn) Serve(ctx context.Context) {
	go c.writeLoop()

	persistCtx, stopPersist := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		c.persister.Run(persistCtx)
	}()

	c.readLoop(ctx)

	c.leave(context.Background())
	stopPersist()
	<-persistDone
	c.closeSend()
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(c.opt.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("read error", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Enqueue(documentError("", MsgMalformedMessage))
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case TypeJoinDocument:
		c.join(ctx, msg.DocumentID)
	case TypeSubmitEdit:
		c.relay(msg.Delta)
	case TypePersistDocument:
		c.persist(msg.Snapshot)
	case TypeLeaveDocument:
		c.leave(ctx)
	case TypeHeartbeat:
		if docID, ok := c.binding(); ok {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			c.hub.TouchPresence(pctx, docID, c)
			cancel()
		}
	default:
		// 忽略未知类型，回一条提示
		c.Enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
	}
}

// join 失败时保持原有绑定不变；成功时先离开旧房间再加入新房间
func (c *Conn) join(ctx context.Context, docID string) {
	if docID == "" {
		c.Enqueue(documentError("", MsgDocumentNotFound))
		return
	}
	octx, cancel := context.WithTimeout(ctx, c.opt.StoreTimeout)
	loaded, err := c.svc.Open(octx, docID, c.who)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, collab.ErrNotFound):
			c.Enqueue(documentError(docID, MsgDocumentNotFound))
		case errors.Is(err, collab.ErrAccessDenied):
			c.Enqueue(documentError(docID, MsgAccessDenied))
		default:
			c.log.Error("open document", zap.String("doc", docID), zap.Error(err))
			c.Enqueue(documentError(docID, MsgLoadFailed))
		}
		return
	}

	prev := c.bind(docID)
	if prev != "" && prev != docID {
		c.hub.Leave(prev, c)
		c.dropPresence(ctx, prev)
	}
	// 先入队快照再进房间，保证客户端先收到 document-loaded 再收到其他人的编辑
	c.Enqueue(DocumentLoadedMessage{
		Type:       TypeDocumentLoaded,
		DocumentID: loaded.DocumentID,
		Title:      loaded.Title,
		Snapshot:   loaded.Snapshot,
		History:    loaded.History,
	})
	if !c.hub.Join(docID, c) {
		// 加载之后文档被 owner 删除，按被驱逐处理
		c.unbindIf(docID)
		c.Enqueue(DocumentClosedMessage{Type: TypeDocumentClosed, DocumentID: docID, Message: MsgDocumentDeleted})
		return
	}
	c.log.Debug("joined", zap.String("doc", docID), zap.Int("room", c.hub.Size(docID)))

	pctx, pcancel := context.WithTimeout(ctx, 2*time.Second)
	c.hub.TouchPresence(pctx, docID, c)
	pcancel()
}

func (c *Conn) relay(raw json.RawMessage) {
	docID, ok := c.binding()
	if !ok {
		c.Enqueue(documentError("", MsgNotJoined))
		return
	}
	d, err := delta.Parse(raw)
	if err != nil {
		c.Enqueue(documentError(docID, MsgMalformedDelta))
		return
	}
	author := c.who.Author()
	c.hub.Broadcast(docID, c, EditReceivedMessage{Type: TypeEditReceived, DocumentID: docID, Delta: d, Author: author})
	c.svc.RecordEdit(docID, author, d)
}

func (c *Conn) persist(raw json.RawMessage) {
	docID, ok := c.binding()
	if !ok {
		c.Enqueue(documentError("", MsgNotJoined))
		return
	}
	d, err := delta.Parse(raw)
	if err != nil {
		c.Enqueue(documentError(docID, MsgMalformedDelta))
		return
	}
	if !c.persister.Submit(docID, d) {
		c.log.Debug("skip blank snapshot", zap.String("doc", docID))
	}
}

func (c *Conn) leave(ctx context.Context) {
	prev := c.unbind()
	if prev == "" {
		return
	}
	c.hub.Leave(prev, c)
	c.dropPresence(ctx, prev)
}

func (c *Conn) dropPresence(ctx context.Context, docID string) {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	c.hub.DropPresence(pctx, docID, c)
}

func (c *Conn) saveSnapshot(ctx context.Context, docID string, snapshot delta.Delta) (time.Time, error) {
	return c.svc.Save(ctx, docID, c.who.ID, snapshot)
}

// onSaved 在保存 goroutine 上回调，结果只发给本会话
func (c *Conn) onSaved(res collab.SaveResult) {
	if res.Err == nil {
		c.Enqueue(DocumentSavedMessage{Type: TypeDocumentSaved, DocumentID: res.DocumentID, SavedAt: res.SavedAt})
		return
	}
	c.log.Warn("save document", zap.String("doc", res.DocumentID), zap.Error(res.Err))
	if errors.Is(res.Err, collab.ErrNotFound) {
		c.Enqueue(documentError(res.DocumentID, MsgDocumentNotFound))
		return
	}
	c.Enqueue(documentError(res.DocumentID, MsgSaveFailed))
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opt.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				// 写超时或对端已断开；关闭连接让读循环退出
				c.log.Info("write error", zap.String("type", msg.MessageType()), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
