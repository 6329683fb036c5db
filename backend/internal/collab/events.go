package collab

import (
	"context"
	"time"

	"github.com/google/uuid"

	"docsync/backend/internal/delta"
)

const (
	EventEditRelayed     = "EDIT_RELAYED"
	EventDocumentSaved   = "DOCUMENT_SAVED"
	EventDocumentDeleted = "DOCUMENT_DELETED"
)

// DocEvent 发往 kafka 的文档事件，key 为 DocID，同一文档落在同一分区
type DocEvent struct {
	EventType  string       `json:"eventType"`
	EventID    string       `json:"eventId"`
	DocID      string       `json:"docId"`
	ActorID    string       `json:"actorId"`
	Ops        *delta.Delta `json:"ops,omitempty"`
	OccurredAt time.Time    `json:"occurredAt"`
}

func newEvent(typ, docID, actorID string) DocEvent {
	return DocEvent{EventType: typ, EventID: uuid.NewString(), DocID: docID, ActorID: actorID, OccurredAt: time.Now().UTC()}
}

type EventSink interface {
	Enqueue(ctx context.Context, evt DocEvent) error
}

// NopSink 没有配置 kafka 时使用
type NopSink struct{}

func (NopSink) Enqueue(ctx context.Context, evt DocEvent) error { return nil }
