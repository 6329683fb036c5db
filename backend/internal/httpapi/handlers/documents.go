package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/delta"
	"docsync/backend/internal/document"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/user"
	"docsync/backend/internal/ws"
)

type documentView struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Owner         string       `json:"owner"`
	Collaborators []string     `json:"collaborators"`
	Snapshot      *delta.Delta `json:"snapshot,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func toView(doc *document.Document, withSnapshot bool) documentView {
	v := documentView{
		ID:            doc.ID,
		Title:         doc.Title,
		Owner:         doc.Owner,
		Collaborators: doc.Collaborators,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	if withSnapshot {
		snap := doc.Snapshot
		v.Snapshot = &snap
	}
	return v
}

type createReq struct {
	Title string `json:"title" binding:"max=255"`
}

type shareReq struct {
	CollaboratorEmail string `json:"collaboratorEmail" binding:"required,email"`
}

type renameReq struct {
	Title string `json:"title" binding:"required,max=255"`
}

// DocumentHandler REST 文档接口；删除时通知在线房间
type DocumentHandler struct {
	svc *collab.Service
	hub *ws.Hub
	log *zap.Logger
}

func NewDocumentHandler(svc *collab.Service, hub *ws.Hub, log *zap.Logger) *DocumentHandler {
	return &DocumentHandler{svc: svc, hub: hub, log: log}
}

// List GET /documents：拥有或被分享的文档，最近更新在前
func (h *DocumentHandler) List(c *gin.Context) {
	who, _ := middleware.Identity(c)
	docs, err := h.svc.ListDocuments(c.Request.Context(), who.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": lo.Map(docs, func(d *document.Document, _ int) documentView { return toView(d, false) })})
}

// Create POST /documents：空快照 {ops:[]}
func (h *DocumentHandler) Create(c *gin.Context) {
	who, _ := middleware.Identity(c)
	var req createReq
	// 请求体可以为空
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}
	}
	doc, err := h.svc.CreateDocument(c.Request.Context(), who.ID, req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toView(doc, true))
}

// Share POST /documents/:id/share：只有 owner 可以分享
func (h *DocumentHandler) Share(c *gin.Context) {
	who, _ := middleware.Identity(c)
	var req shareReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	added, err := h.svc.ShareDocument(c.Request.Context(), c.Param("id"), who.ID, req.CollaboratorEmail)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Document shared.", "collaborator": added})
}

// Rename PATCH /documents/:id/title：owner 或协作者
func (h *DocumentHandler) Rename(c *gin.Context) {
	who, _ := middleware.Identity(c)
	var req renameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	doc, err := h.svc.RenameDocument(c.Request.Context(), c.Param("id"), who.ID, req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(doc, false))
}

// Delete DELETE /documents/:id：只有 owner；房间内在线的连接收到 document-closed 并被解绑
func (h *DocumentHandler) Delete(c *gin.Context) {
	who, _ := middleware.Identity(c)
	docID := c.Param("id")
	if err := h.svc.DeleteDocument(c.Request.Context(), docID, who.ID); err != nil {
		h.fail(c, err)
		return
	}
	n := h.hub.Evict(docID, ws.DocumentClosedMessage{Type: ws.TypeDocumentClosed, DocumentID: docID, Message: ws.MsgDocumentDeleted})
	h.log.Info("document deleted", zap.String("doc", docID), zap.String("user", who.ID), zap.Int("evicted", n))
	c.Status(http.StatusNoContent)
}

func (h *DocumentHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collab.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": ws.MsgDocumentNotFound})
	case errors.Is(err, collab.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": ws.MsgAccessDenied})
	case errors.Is(err, user.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found."})
	case errors.Is(err, collab.ErrAlreadyShared):
		c.JSON(http.StatusBadRequest, gin.H{"error": "User already has access."})
	case errors.Is(err, document.ErrInvalidRecord):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error("document request", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error."})
	}
}
