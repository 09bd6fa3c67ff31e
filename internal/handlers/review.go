package handlers

import (
	"io"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/middleware"
	"github.com/kiraclass/kira-backend/internal/services"
)

type ReviewHandler struct {
	log       *logger.Logger
	reviewSvc services.ReviewService
}

func NewReviewHandler(log *logger.Logger, reviewSvc services.ReviewService) *ReviewHandler {
	return &ReviewHandler{
		log:       log.With("handler", "ReviewHandler"),
		reviewSvc: reviewSvc,
	}
}

// GET /admin/review-questions/:topic_id
func (h *ReviewHandler) ReviewQuestions(c *gin.Context) {
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
	review, err := h.reviewSvc.ReviewQuestions(c.Request.Context(), claims.TenantID, topicID)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, review)
}

// POST /admin/approve/:topic_id
// Applies the reviewer's final edits and publishes the quizzes.
func (h *ReviewHandler) Approve(c *gin.Context) {
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
		Name        string                  `json:"name"`
		Description string                  `json:"description"`
		Questions   []services.QuestionEdit `json:"questions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErr(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	quizzes, err := h.reviewSvc.Publish(c.Request.Context(), claims.TenantID, claims.UserID, topicID,
		req.Name, req.Description, req.Questions)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"quizzes": quizzes})
}

// POST /admin/replace-img/:question_id
// Multipart form: image.
func (h *ReviewHandler) ReplaceImage(c *gin.Context) {
	claims, err := middleware.CurrentClaims(c)
	if err != nil {
		RespondErr(c, apperr.Unauthorized(err))
		return
	}
	questionID, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		RespondErr(c, apperr.Validation("invalid question id: %v", err))
		return
	}
	fh, err := c.FormFile("image")
	if err != nil {
		RespondErr(c, apperr.Validation("missing image: %v", err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		RespondErr(c, apperr.Validation("unreadable image: %v", err))
		return
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		RespondErr(c, apperr.Validation("unreadable image: %v", err))
		return
	}
	url, err := h.reviewSvc.ReplaceImage(c.Request.Context(), claims.TenantID, questionID, raw)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"image_url": url})
}
