package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiraclass/kira-backend/internal/db"
	"github.com/kiraclass/kira-backend/internal/handlers"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/middleware"
	"github.com/kiraclass/kira-backend/internal/repos"
	"github.com/kiraclass/kira-backend/internal/server"
	"github.com/kiraclass/kira-backend/internal/services"
	"github.com/kiraclass/kira-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	txRunner := repos.NewGormTxRunner(thePG)
	topicRepo := repos.NewTopicRepo(thePG, log)
	questionRepo := repos.NewQuestionRepo(thePG, log)
	contentRefRepo := repos.NewContentRefRepo(thePG, log)
	quizRepo := repos.NewQuizRepo(thePG, log)
	userRepo := repos.NewUserRepo(thePG, log)
	codeRepo := repos.NewVerificationCodeRepo(thePG, log)
	attemptRepo := repos.NewQuizAttemptRepo(thePG, log)

	// Services
	log.Info("Setting up services from main...")
	bucketService, err := services.NewBucketService(log)
	if err != nil {
		log.Fatal("Could not init BucketService", "error", err)
	}
	questionGen, err := services.NewOpenAIQuestionGenerator(log)
	if err != nil {
		log.Fatal("Could not init question generator", "error", err)
	}
	imageGen, err := services.NewOpenAIImageGenerator(log)
	if err != nil {
		log.Fatal("Could not init image generator", "error", err)
	}
	emailClient, err := services.NewSendgridClient(log)
	if err != nil {
		log.Fatal("Could not init email client", "error", err)
	}
	var notifier services.Notifier = services.NewEmailNotifier(log, emailClient)

	// Optional cross-process notification bus.
	var bus services.NotifyBus
	if utils.GetEnv("REDIS_ADDR", "", log) != "" {
		bus, err = services.NewRedisNotifyBus(log, notifier)
		if err != nil {
			log.Warn("Redis notify bus unavailable, sending directly", "error", err)
		} else {
			notifier = bus
		}
	}

	authConfig := services.AuthConfigFromEnv(log)
	reviewConfig := services.ReviewConfigFromEnv(log)
	pipelineConfig := services.PipelineConfigFromEnv(log)

	authService := services.NewAuthService(authConfig, log, txRunner, userRepo, codeRepo, notifier)
	ingestService := services.NewIngestService(log, txRunner, topicRepo, contentRefRepo, bucketService, notifier)
	reviewService := services.NewReviewService(reviewConfig, log, txRunner, topicRepo, questionRepo, userRepo, quizRepo, bucketService, notifier)
	studentService := services.NewStudentService(log, txRunner, quizRepo, questionRepo, attemptRepo, bucketService, reviewConfig.PresignTTL)
	pipelineService := services.NewPipelineService(pipelineConfig, log, txRunner, topicRepo, questionRepo, userRepo, bucketService, questionGen, imageGen, notifier)

	// Handlers
	log.Info("Setting up handlers from main...")
	authHandler := handlers.NewAuthHandler(log, authService)
	contentHandler := handlers.NewContentHandler(log, ingestService)
	reviewHandler := handlers.NewReviewHandler(log, reviewService)
	studentHandler := handlers.NewStudentHandler(log, studentService)
	authMiddleware := middleware.NewAuthMiddleware(log, authConfig.JWTSecret)

	// Router
	router := server.NewRouter(server.RouterConfig{
		AllowOrigins:   server.SplitOrigins(utils.GetEnv("CORS_ALLOW_ORIGINS", "", log)),
		AuthMiddleware: authMiddleware,
		AuthHandler:    authHandler,
		ContentHandler: contentHandler,
		ReviewHandler:  reviewHandler,
		StudentHandler: studentHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return pipelineService.Run(gctx)
	})
	if bus != nil && utils.GetEnvAsBool("NOTIFY_FORWARDER", true, log) {
		// Exactly one replica should run the forwarder; the others set
		// NOTIFY_FORWARDER=false and only publish.
		g.Go(func() error {
			return bus.StartForwarder(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if bus != nil {
			_ = bus.Close()
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Server stopped")
}
