package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docsync/backend/internal/delta"
	"docsync/backend/internal/document"
	"docsync/backend/internal/store"
	"docsync/backend/internal/user"
)

var (
	ErrNotFound      = store.ErrNotFound
	ErrAccessDenied  = errors.New("access denied")
	ErrNotJoined     = errors.New("no document joined")
	ErrAlreadyShared = errors.New("user already has access")
)

type IdentityResolver interface {
	Resolve(ctx context.Context, id string) (user.Identity, error)
}

type UserLookup interface {
	GetByEmail(ctx context.Context, email string) (*user.User, error)
}

// HistoryEntry 发给客户端的历史记录，作者已解析成 {id, name}
type HistoryEntry struct {
	Author    user.Author `json:"author"`
	Delta     delta.Delta `json:"delta"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Loaded join 成功后返回给请求者的内容
type Loaded struct {
	DocumentID string
	Title      string
	Snapshot   delta.Delta
	History    []HistoryEntry
}

type Options struct {
	SaveTimeout time.Duration
	// PublishWait 保存、删除等事件在队列满时最多等多久；转发的编辑事件不等待
	PublishWait time.Duration
}

// Service 文档的加载、保存、历史和 REST 操作
type Service struct {
	store    store.DocumentStore
	resolver IdentityResolver
	users    UserLookup
	history  *HistoryRecorder
	events   EventSink
	sem      *SemaphoreControl
	opt      Options
	log      *zap.Logger
}

func NewService(s store.DocumentStore, resolver IdentityResolver, users UserLookup, history *HistoryRecorder, events EventSink, sem *SemaphoreControl, opt Options, log *zap.Logger) *Service {
	if events == nil {
		events = NopSink{}
	}
	if opt.SaveTimeout <= 0 {
		opt.SaveTimeout = 5 * time.Second
	}
	if opt.PublishWait <= 0 {
		opt.PublishWait = 10 * time.Millisecond
	}
	return &Service{store: s, resolver: resolver, users: users, history: history, events: events, sem: sem, opt: opt, log: log}
}

// Open 加载文档并做访问判定。失败时返回 ErrNotFound 或 ErrAccessDenied。
func (s *Service) Open(ctx context.Context, docID string, who user.Identity) (*Loaded, error) {
	doc, err := s.store.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !document.CanAccess(doc, who.ID) {
		return nil, ErrAccessDenied
	}
	return &Loaded{
		DocumentID: doc.ID,
		Title:      doc.Title,
		Snapshot:   doc.Snapshot,
		History:    s.resolveHistory(ctx, doc.History),
	}, nil
}

// resolveHistory 并发解析历史作者；查不到的作者名字留空，不影响加载
func (s *Service) resolveHistory(ctx context.Context, entries []document.ChangeEntry) []HistoryEntry {
	ids := lo.Uniq(lo.Map(entries, func(e document.ChangeEntry, _ int) string { return e.Author }))
	var mu sync.Mutex
	authors := make(map[string]user.Author, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			a := user.Author{ID: id}
			who, err := s.resolver.Resolve(gctx, id)
			switch {
			case err == nil:
				a = who.Author()
			case !errors.Is(err, user.ErrUserNotFound):
				s.log.Warn("resolve history author", zap.String("user", id), zap.Error(err))
			}
			mu.Lock()
			authors[id] = a
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntry{Author: authors[e.Author], Delta: e.Delta, CreatedAt: e.CreatedAt})
	}
	return out
}

// Save 覆盖快照（后写覆盖先写）。访问判定在 join 时已经做过。
func (s *Service) Save(ctx context.Context, docID, actorID string, snapshot delta.Delta) (time.Time, error) {
	if err := document.ValidateSnapshot(snapshot); err != nil {
		return time.Time{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opt.SaveTimeout)
	defer cancel()

	if s.sem != nil {
		if err := s.sem.Acquire(ctx); err != nil {
			return time.Time{}, err
		}
		defer s.sem.Release()
	}

	savedAt, err := s.store.SaveSnapshot(ctx, docID, snapshot)
	if err != nil {
		return time.Time{}, err
	}
	s.publish(newEvent(EventDocumentSaved, docID, actorID), s.opt.PublishWait)
	return savedAt, nil
}

// RecordEdit 转发之后调用：历史追加和事件发布都是异步的
func (s *Service) RecordEdit(docID string, author user.Author, d delta.Delta) {
	if s.history != nil {
		s.history.Enqueue(docID, document.ChangeEntry{Author: author.ID, Delta: d, CreatedAt: time.Now().UTC()})
	}
	evt := newEvent(EventEditRelayed, docID, author.ID)
	evt.Ops = &d
	// 在读循环上执行，队列满直接丢弃，不等待
	s.publish(evt, 0)
}

// publish 队列满时最多等 wait；wait 为 0 时不等待
func (s *Service) publish(evt DocEvent, wait time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := s.events.Enqueue(ctx, evt); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("publish document event", zap.String("doc", evt.DocID), zap.String("type", evt.EventType), zap.Error(err))
	}
}

func (s *Service) ListDocuments(ctx context.Context, userID string) ([]*document.Document, error) {
	return s.store.ListForUser(ctx, userID)
}

func (s *Service) CreateDocument(ctx context.Context, ownerID, title string) (*document.Document, error) {
	doc := document.New(ownerID)
	if title != "" {
		doc.Title = title
	}
	if err := s.store.Create(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ShareDocument 只有 owner 能分享；对方已有权限时返回 ErrAlreadyShared
func (s *Service) ShareDocument(ctx context.Context, docID, requesterID, email string) (user.Identity, error) {
	doc, err := s.store.Get(ctx, docID)
	if err != nil {
		return user.Identity{}, err
	}
	if !document.IsOwner(doc, requesterID) {
		return user.Identity{}, ErrAccessDenied
	}
	target, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return user.Identity{}, err
	}
	if document.CanAccess(doc, target.ID) {
		return user.Identity{}, ErrAlreadyShared
	}
	if err := s.store.AddCollaborator(ctx, docID, target.ID); err != nil {
		return user.Identity{}, fmt.Errorf("add collaborator: %w", err)
	}
	return target.Identity(), nil
}

// RenameDocument owner 和协作者都可以改标题
func (s *Service) RenameDocument(ctx context.Context, docID, requesterID, title string) (*document.Document, error) {
	doc, err := s.store.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !document.CanAccess(doc, requesterID) {
		return nil, ErrAccessDenied
	}
	if err := s.store.Rename(ctx, docID, title); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, docID)
}

// DeleteDocument 只有 owner 能删除
func (s *Service) DeleteDocument(ctx context.Context, docID, requesterID string) error {
	doc, err := s.store.Get(ctx, docID)
	if err != nil {
		return err
	}
	if !document.IsOwner(doc, requesterID) {
		return ErrAccessDenied
	}
	if err := s.store.Delete(ctx, docID); err != nil {
		return err
	}
	s.publish(newEvent(EventDocumentDeleted, docID, requesterID), s.opt.PublishWait)
	return nil
}
