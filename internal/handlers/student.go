package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/middleware"
	"github.com/kiraclass/kira-backend/internal/services"
)

type StudentHandler struct {
	log        *logger.Logger
	studentSvc services.StudentService
}

func NewStudentHandler(log *logger.Logger, studentSvc services.StudentService) *StudentHandler {
	return &StudentHandler{
		log:        log.With("handler", "StudentHandler"),
		studentSvc: studentSvc,
	}
}

// GET /user/quizzes
func (h *StudentHandler) ListQuizzes(c *gin.Context) {
	claims, err := middleware.CurrentClaims(c)
	if err != nil {
		RespondErr(c, apperr.Unauthorized(err))
		return
	}
	quizzes, err := h.studentSvc.ListQuizzes(c.Request.Context(), claims.TenantID)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"quizzes": quizzes})
}

// GET /user/questions/:quiz_id
func (h *StudentHandler) QuizQuestions(c *gin.Context) {
	claims, err := middleware.CurrentClaims(c)
	if err != nil {
		RespondErr(c, apperr.Unauthorized(err))
		return
	}
	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		RespondErr(c, apperr.Validation("invalid quiz id: %v", err))
		return
	}
	questions, err := h.studentSvc.QuizQuestions(c.Request.Context(), claims.TenantID, quizID)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"questions": questions})
}

// POST /user/submit-quiz
func (h *StudentHandler) SubmitQuiz(c *gin.Context) {
	claims, err := middleware.CurrentClaims(c)
	if err != nil {
		RespondErr(c, apperr.Unauthorized(err))
		return
	}
	var req struct {
		QuizID  uuid.UUID         `json:"quiz_id"`
		Answers map[string]string `json:"answers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErr(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	result, err := h.studentSvc.SubmitQuiz(c.Request.Context(), claims.TenantID, claims.UserID, req.QuizID, req.Answers)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, result)
}
