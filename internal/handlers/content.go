package handlers

import (
	"io"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/middleware"
	"github.com/kiraclass/kira-backend/internal/services"
)

// ContentHandler covers the admin content-management surface: uploads
// (whole-file, hash-only and chunked), removal, listings and recovery.
type ContentHandler struct {
	log       *logger.Logger
	ingestSvc services.IngestService
}

func NewContentHandler(log *logger.Logger, ingestSvc services.IngestService) *ContentHandler {
	return &ContentHandler{
		log:       log.With("handler", "ContentHandler"),
		ingestSvc: ingestSvc,
	}
}

// POST /admin/content-upload
// Multipart form: file, title, week, hash.
func (h *ContentHandler) Upload(c *gin.Context) {
	claims, err := middleware.CurrentClaims(c)
	if err != nil {
		RespondErr(c, apperr.Unauthorized(err))
		return
	}
	title := c.PostForm("title")
	hash := c.PostForm("hash")
	week, _ := strconv.Atoi(c.PostForm("week"))

	fh, err := c.FormFile("file")
	if err != nil {
		RespondErr(c, apperr.Validation("missing file: %v", err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		RespondErr(c, apperr.Validation("unreadable file: %v", err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		RespondErr(c, apperr.Validation("unreadable file: %v", err))
		return
	}

	topic, err := h.ingestSvc.Upload(c.Request.Context(), claims.TenantID, claims.Email, title, week, hash,
		fh.Filename, data, fh.Header.Get("Content-Type"))
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, topic)
}

// POST /admin/upload-content-lite
// Hash-only dedup: attaches a topic to already-stored bytes.
func (h *ContentHandler) UploadLite(c *gin.Context) {
	claims, err := middleware.CurrentClaims(c)
	if err != nil {
		RespondErr(c, apperr.Unauthorized(err))
		return
	}
	var req struct {
		Title string `json:"title"`
		Week  int    `json:"week"`
		Hash  string `json:"hash"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErr(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	topic, err := h.ingestSvc.AttachByHash(c.Request.Context(), claims.TenantID, claims.Email, req.Title, req.Week, req.Hash)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, topic)
}

// POST /admin/upload-chunk
// Multipart form: chunk, upload_id, index, total, plus the whole-file
// fields (title, week, hash, filename) repeated on every chunk.
func (h *ContentHandler) UploadChunk(c *gin.Context) {
	claims, err := middleware.CurrentClaims(c)
	if err != nil {
		RespondErr(c, apperr.Unauthorized(err))
		return
	}
	index, _ := strconv.Atoi(c.PostForm("index"))
	total, _ := strconv.Atoi(c.PostForm("total"))
	week, _ := strconv.Atoi(c.PostForm("week"))

	fh, err := c.FormFile("chunk")
	if err != nil {
		RespondErr(c, apperr.Validation("missing chunk: %v", err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		RespondErr(c, apperr.Validation("unreadable chunk: %v", err))
		return
	}
	defer f.Close()
	chunk, err := io.ReadAll(f)
	if err != nil {
		RespondErr(c, apperr.Validation("unreadable chunk: %v", err))
		return
	}

	topic, err := h.ingestSvc.UploadChunk(c.Request.Context(), claims.TenantID, claims.Email,
		c.PostForm("upload_id"), c.PostForm("title"), week, c.PostForm("hash"),
		c.PostForm("filename"), index, total, chunk, c.PostForm("content_type"))
	if err != nil {
		RespondErr(c, err)
		return
	}
	if topic == nil {
		RespondOK(c, gin.H{"status": "chunk accepted", "index": index})
		return
	}
	RespondOK(c, topic)
}

// DELETE /admin/remove-content/:topic_id
func (h *ContentHandler) Remove(c *gin.Context) {
	claims, err := middleware.CurrentClaims(c)
	if err != nil {
		RespondErr(c, apperr.Unauthorized(err))
		return
	}
	topicID, err := uuid.Parse(c.Param("topic_id"))
	if err != nil {
		RespondErr(c, apperr.Validation("invalid topic id: %v", err))
		return
	}
	if err := h.ingestSvc.Remove(c.Request.Context(), claims.TenantID, topicID); err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "removed"})
}

// GET /admin/contents
func (h *ContentHandler) List(c *gin.Context) {
	claims, err := middleware.CurrentClaims(c)
	if err != nil {
		RespondErr(c, apperr.Unauthorized(err))
		return
	}
	topics, err := h.ingestSvc.ListContents(c.Request.Context(), claims.TenantID)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, topics)
}

// GET /admin/hash-values
func (h *ContentHandler) HashValues(c *gin.Context) {
	hashes, err := h.ingestSvc.ListHashes(c.Request.Context())
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"hashes": hashes})
}

// POST /admin/reset-topic/:topic_id (super_admin only)
func (h *ContentHandler) ResetTopic(c *gin.Context) {
	claims, err := middleware.CurrentClaims(c)
	if err != nil {
		RespondErr(c, apperr.Unauthorized(err))
		return
	}
	topicID, err := uuid.Parse(c.Param("topic_id"))
	if err != nil {
		RespondErr(c, apperr.Validation("invalid topic id: %v", err))
		return
	}
	var req struct {
		State string `json:"state"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErr(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if err := h.ingestSvc.ResetTopic(c.Request.Context(), claims.TenantID, topicID, req.State); err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "reset", "state": req.State})
}
