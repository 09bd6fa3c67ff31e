package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kiraclass/kira-backend/internal/handlers"
	"github.com/kiraclass/kira-backend/internal/middleware"
	"github.com/kiraclass/kira-backend/internal/types"
)

type RouterConfig struct {
	AllowOrigins   []string
	AuthMiddleware *middleware.AuthMiddleware
	AuthHandler    *handlers.AuthHandler
	ContentHandler *handlers.ContentHandler
	ReviewHandler  *handlers.ReviewHandler
	StudentHandler *handlers.StudentHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// Public
	router.GET("/healthcheck", handlers.HealthCheck)
	auth := router.Group("/auth")
	{
		auth.POST("/register", cfg.AuthHandler.Register)
		auth.POST("/login", cfg.AuthHandler.Login)
		auth.POST("/complete-invite", cfg.AuthHandler.CompleteInvite)
		auth.POST("/request-reset", cfg.AuthHandler.RequestReset)
		auth.POST("/confirm-reset", cfg.AuthHandler.ConfirmReset)
	}

	// Admin
	admin := router.Group("/admin")
	admin.Use(cfg.AuthMiddleware.RequireAuth(), cfg.AuthMiddleware.RequireRole(types.RoleAdmin, types.RoleSuperAdmin))
	{
		admin.POST("/content-upload", cfg.ContentHandler.Upload)
		admin.POST("/upload-content-lite", cfg.ContentHandler.UploadLite)
		admin.POST("/upload-chunk", cfg.ContentHandler.UploadChunk)
		admin.DELETE("/remove-content/:topic_id", cfg.ContentHandler.Remove)
		admin.GET("/contents", cfg.ContentHandler.List)
		admin.GET("/hash-values", cfg.ContentHandler.HashValues)
		admin.GET("/review-questions/:topic_id", cfg.ReviewHandler.ReviewQuestions)
		admin.POST("/approve/:topic_id", cfg.ReviewHandler.Approve)
		admin.POST("/replace-img/:question_id", cfg.ReviewHandler.ReplaceImage)
	}
	super := router.Group("/admin")
	super.Use(cfg.AuthMiddleware.RequireAuth(), cfg.AuthMiddleware.RequireRole(types.RoleSuperAdmin))
	{
		super.POST("/invite", cfg.AuthHandler.InviteAdmin)
		super.POST("/reset-topic/:topic_id", cfg.ContentHandler.ResetTopic)
	}

	// Students
	user := router.Group("/user")
	user.Use(cfg.AuthMiddleware.RequireAuth())
	{
		user.GET("/quizzes", cfg.StudentHandler.ListQuizzes)
		user.GET("/questions/:quiz_id", cfg.StudentHandler.QuizQuestions)
		user.POST("/submit-quiz", cfg.StudentHandler.SubmitQuiz)
	}

	return router
}

// SplitOrigins parses a comma separated CORS_ALLOW_ORIGINS value.
func SplitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
