package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"docsync/backend/internal/delta"
	"docsync/backend/internal/document"
)

// MemoryStore 进程内实现；读写都返回副本，调用方拿到的文档不会被并发修改
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*document.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*document.Document)}
}

func (s *MemoryStore) Create(ctx context.Context, doc *document.Document) error {
	if err := prepareCreate(doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("%w: duplicate id %s", document.ErrInvalidRecord, doc.ID)
	}
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) ListForUser(ctx context.Context, userID string) ([]*document.Document, error) {
	s.mu.RLock()
	out := make([]*document.Document, 0)
	for _, doc := range s.docs {
		if document.CanAccess(doc, userID) {
			c := doc.Clone()
			c.History = nil
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, id string, snapshot delta.Delta) (time.Time, error) {
	if err := document.ValidateSnapshot(snapshot); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	now := s.touch(doc)
	doc.Snapshot = snapshot
	return now, nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, id string, entry document.ChangeEntry) error {
	if err := prepareEntry(&entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.History = append(doc.History, entry)
	return nil
}

func (s *MemoryStore) AddCollaborator(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	if doc.Owner == userID {
		return fmt.Errorf("%w: owner cannot be a collaborator", document.ErrInvalidRecord)
	}
	if lo.Contains(doc.Collaborators, userID) {
		return nil
	}
	doc.Collaborators = append(doc.Collaborators, userID)
	s.touch(doc)
	return nil
}

func (s *MemoryStore) Rename(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.Title = normalizeTitle(title)
	s.touch(doc)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

// touch 保证 UpdatedAt 单调递增（同一纳秒内的两次写也能排出先后）
func (s *MemoryStore) touch(doc *document.Document) time.Time {
	now := time.Now().UTC()
	if !now.After(doc.UpdatedAt) {
		now = doc.UpdatedAt.Add(time.Nanosecond)
	}
	doc.UpdatedAt = now
	return now
}
