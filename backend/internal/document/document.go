package document

import (
	"time"

	"github.com/google/uuid"

	"docsync/backend/internal/delta"
)

const DefaultTitle = "Untitled Document"

// Document 持久化的文档记录
// - Owner 创建后不可变，且永远不出现在 Collaborators 中
// - Snapshot 是文档全文（ops 形状），由客户端整体提交覆盖
// - History 只追加，用于审计/回放，不参与快照计算
type Document struct {
	ID            string        `json:"id" validate:"required"`
	Title         string        `json:"title"`
	Owner         string        `json:"owner" validate:"required"`
	Collaborators []string      `json:"collaborators" validate:"dive,required"`
	Snapshot      delta.Delta   `json:"snapshot"`
	History       []ChangeEntry `json:"history" validate:"dive"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ChangeEntry 一条已提交的编辑，追加后不可变（没有 updatedAt）
type ChangeEntry struct {
	Author    string      `json:"author" validate:"required"`
	Delta     delta.Delta `json:"delta"`
	CreatedAt time.Time   `json:"createdAt"`
}

// New 创建一个空文档：{ops:[]}，没有协作者
func New(ownerID string) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:            uuid.NewString(),
		Title:         DefaultTitle,
		Owner:         ownerID,
		Collaborators: []string{},
		Snapshot:      delta.Empty(),
		History:       []ChangeEntry{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone 深拷贝，内存存储返回副本时使用
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Collaborators = append([]string{}, d.Collaborators...)
	out.History = append([]ChangeEntry{}, d.History...)
	return &out
}
