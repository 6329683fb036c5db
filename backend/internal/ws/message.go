package ws

import (
	"encoding/json"
	"time"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/delta"
	"docsync/backend/internal/user"
)

// 客户端 -> 服务端
const (
	TypeJoinDocument    = "join-document"
	TypeSubmitEdit      = "submit-edit"
	TypePersistDocument = "persist-document"
	TypeLeaveDocument   = "leave-document"
	TypeHeartbeat       = "heartbeat"
)

// 服务端 -> 客户端
const (
	TypeDocumentLoaded = "document-loaded"
	TypeDocumentError  = "document-error"
	TypeEditReceived   = "edit-received"
	TypeDocumentSaved  = "document-saved"
	TypePresence       = "presence"
	TypeDocumentClosed = "document-closed"
	TypeIgnored        = "ignored"
)

// document-error 的文案，前端直接展示
const (
	MsgDocumentNotFound = "Document not found."
	MsgAccessDenied     = "Access denied."
	MsgNotJoined        = "Join a document first."
	MsgMalformedMessage = "Malformed message."
	MsgMalformedDelta   = "Malformed delta."
	MsgLoadFailed       = "Failed to load document."
	MsgSaveFailed       = "Failed to save document."
	MsgDocumentDeleted  = "Document was deleted by its owner."
)

// ClientMessage 入站帧。delta / snapshot 先保留原始字节，按消息类型再解析校验
type ClientMessage struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId,omitempty"`
	Delta      json.RawMessage `json:"delta,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

type DocumentLoadedMessage struct {
	Type       string                `json:"type"`
	DocumentID string                `json:"documentId"`
	Title      string                `json:"title"`
	Snapshot   delta.Delta           `json:"snapshot"`
	History    []collab.HistoryEntry `json:"history"`
}

type DocumentErrorMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`
	Message    string `json:"message"`
}

// EditReceivedMessage 广播给同房间其他连接（包括同一用户的其他标签页）
type EditReceivedMessage struct {
	Type       string      `json:"type"`
	DocumentID string      `json:"documentId"`
	Delta      delta.Delta `json:"delta"`
	Author     user.Author `json:"author"`
}

type DocumentSavedMessage struct {
	Type       string    `json:"type"`
	DocumentID string    `json:"documentId"`
	SavedAt    time.Time `json:"savedAt"`
}

type PresenceMessage struct {
	Type       string         `json:"type"`
	DocumentID string         `json:"documentId"`
	Members    []cache.Member `json:"members"`
}

// DocumentClosedMessage owner 删除文档后房间内所有连接被解绑
type DocumentClosedMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Message    string `json:"message"`
}

type ServerMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// 隐式实现 OutboundMessage 接口
func (m DocumentLoadedMessage) MessageType() string { return m.Type }
func (m DocumentErrorMessage) MessageType() string  { return m.Type }
func (m EditReceivedMessage) MessageType() string   { return m.Type }
func (m DocumentSavedMessage) MessageType() string  { return m.Type }
func (m PresenceMessage) MessageType() string       { return m.Type }
func (m DocumentClosedMessage) MessageType() string { return m.Type }
func (m ServerMessage) MessageType() string         { return m.Type }

func documentError(docID, message string) DocumentErrorMessage {
	return DocumentErrorMessage{Type: TypeDocumentError, DocumentID: docID, Message: message}
}
