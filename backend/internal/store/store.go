package store

import (
	"context"
	"errors"
	"time"

	"docsync/backend/internal/delta"
	"docsync/backend/internal/document"
)

var ErrNotFound = errors.New("document not found")

// DocumentStore 文档持久化接口。
// 快照和历史里的每个 delta 在写入时校验（document.ErrInvalidRecord），读取时不再校验。
type DocumentStore interface {
	Create(ctx context.Context, doc *document.Document) error
	Get(ctx context.Context, id string) (*document.Document, error)
	// ListForUser 返回用户拥有或被分享的文档，按 UpdatedAt 倒序，不带 History
	ListForUser(ctx context.Context, userID string) ([]*document.Document, error)
	// SaveSnapshot 无条件覆盖快照（后写覆盖先写），返回写入时间
	SaveSnapshot(ctx context.Context, id string, snapshot delta.Delta) (time.Time, error)
	AppendHistory(ctx context.Context, id string, entry document.ChangeEntry) error
	// AddCollaborator 幂等；owner 不能被加为协作者
	AddCollaborator(ctx context.Context, id, userID string) error
	Rename(ctx context.Context, id, title string) error
	Delete(ctx context.Context, id string) error
}

func normalizeTitle(title string) string {
	if title == "" {
		return document.DefaultTitle
	}
	return title
}

func prepareCreate(doc *document.Document) error {
	doc.Title = normalizeTitle(doc.Title)
	if doc.Collaborators == nil {
		doc.Collaborators = []string{}
	}
	if doc.Snapshot.Ops == nil {
		doc.Snapshot = delta.Empty()
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	return document.Validate(doc)
}

func prepareEntry(entry *document.ChangeEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return document.ValidateEntry(*entry)
}
