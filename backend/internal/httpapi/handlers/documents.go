package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"edin/backend/internal/cache"
	"edin/backend/internal/collab"
	"edin/backend/internal/docsync"
	"edin/backend/internal/patch"
)

// 历史快照的只读接口（store.SnapshotStore）
type SnapshotReader interface {
	LatestSnapshot(ctx context.Context, docID string) (*docsync.Snapshot, error)
}

type Documents struct {
	svc       collab.Service
	presence  cache.PresenceCache // 可以为 nil
	snapshots SnapshotReader      // 可以为 nil
}

func NewDocuments(svc collab.Service, presence cache.PresenceCache, snapshots SnapshotReader) *Documents {
	return &Documents{svc: svc, presence: presence, snapshots: snapshots}
}

func (h *Documents) Register(r gin.IRouter) {
	docs := r.Group("/documents/:docId")
	docs.GET("", h.GetDocument)
	docs.PATCH("", h.PatchDocument)
	docs.DELETE("", h.DeleteDocument)
	docs.GET("/updates", h.ListUpdates)
	docs.GET("/snapshot", h.LatestSnapshot)
	docs.POST("/snapshot", h.SaveSnapshot)
	docs.GET("/members", h.ListMembers)
}

type patchRequest struct {
	Patch   patch.Patch `json:"patch" binding:"required"`
	Version uint64      `json:"version"`
}

// 引擎错误 -> HTTP 状态码
func errorStatus(err error) int {
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, patch.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, collab.ErrSemaphoreTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		glog.Errorf("[http] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Documents) GetDocument(c *gin.Context) {
	docID := c.Param("docId")
	snap, err := h.svc.LoadDocument(c.Request.Context(), docID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if snap == nil {
		abortWithError(c, collab.ErrDocumentNotFound)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// PatchDocument 不经过 websocket 直接提交补丁，X-Client-Id 可选
func (h *Documents) PatchDocument(c *gin.Context) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	clientID := c.GetHeader("X-Client-Id")
	if clientID == "" {
		clientID = "rest"
	}
	applied, err := h.svc.Submit(c.Request.Context(), docsync.Update{ID: c.Param("docId"), Patch: req.Patch, Version: req.Version}, clientID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

func (h *Documents) DeleteDocument(c *gin.Context) {
	docID := c.Param("docId")
	existed, err := h.svc.RemoveDocument(c.Request.Context(), docID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "removed": existed})
}

func (h *Documents) ListUpdates(c *gin.Context) {
	docID := c.Param("docId")
	from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	ctx := c.Request.Context()
	snap, err := h.svc.LoadDocument(ctx, docID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if snap == nil {
		abortWithError(c, collab.ErrDocumentNotFound)
		return
	}
	updates, err := h.svc.OpsSince(ctx, docID, from, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if updates == nil {
		updates = []collab.AppliedUpdate{}
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "version": snap.Version, "updates": updates})
}

func (h *Documents) SaveSnapshot(c *gin.Context) {
	docID := c.Param("docId")
	if err := h.svc.SaveSnapshot(c.Request.Context(), docID); err != nil {
		abortWithError(c, err)
		return
	}
	version, err := h.svc.CurrentVersion(c.Request.Context(), docID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "version": version})
}

func (h *Documents) LatestSnapshot(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "snapshot store not configured"})
		return
	}
	snap, err := h.snapshots.LatestSnapshot(c.Request.Context(), c.Param("docId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if snap == nil {
		abortWithError(c, collab.ErrDocumentNotFound)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Documents) ListMembers(c *gin.Context) {
	docID := c.Param("docId")
	members := []cache.PresenceMember{}
	if h.presence != nil {
		alive, err := h.presence.GetAliveMembers(c.Request.Context(), docID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		members = append(members, alive...)
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "members": members})
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}
