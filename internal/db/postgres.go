package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/types"
	"github.com/kiraclass/kira-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "kira", log)

	poolSize := utils.GetEnvAsInt("DB_POOL_SIZE", 5, log)
	maxOverflow := utils.GetEnvAsInt("DB_MAX_OVERFLOW", 5, log)
	recycleSeconds := utils.GetEnvAsInt("DB_RECYCLE_S", 1800, log)
	prePing := utils.GetEnvAsBool("DB_PRE_PING", true, log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	serviceLog.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		serviceLog.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(poolSize)
	sqlDB.SetMaxOpenConns(poolSize + maxOverflow)
	sqlDB.SetConnMaxLifetime(time.Duration(recycleSeconds) * time.Second)
	if prePing {
		if err := sqlDB.Ping(); err != nil {
			return nil, fmt.Errorf("postgres ping failed: %w", err)
		}
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		serviceLog.Error("Failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&types.User{},
		&types.VerificationCode{},
		&types.Topic{},
		&types.Question{},
		&types.ContentRef{},
		&types.Quiz{},
		&types.QuizAttempt{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}
	s.log.Info("Configuring foreign key relationships for postgres tables...")
	stmts := []string{
		`ALTER TABLE "question"
		 DROP CONSTRAINT IF EXISTS "fk_question_topic_id",
		 ADD CONSTRAINT "fk_question_topic_id"
		 FOREIGN KEY ("topic_id") REFERENCES "topic"("id") ON DELETE CASCADE`,
		`ALTER TABLE "quiz"
		 DROP CONSTRAINT IF EXISTS "fk_quiz_topic_id",
		 ADD CONSTRAINT "fk_quiz_topic_id"
		 FOREIGN KEY ("topic_id") REFERENCES "topic"("id") ON DELETE CASCADE`,
		`ALTER TABLE "quiz_attempt"
		 DROP CONSTRAINT IF EXISTS "fk_quiz_attempt_quiz_id",
		 ADD CONSTRAINT "fk_quiz_attempt_quiz_id"
		 FOREIGN KEY ("quiz_id") REFERENCES "quiz"("id") ON DELETE CASCADE`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed configuring foreign keys: %w", err)
		}
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
