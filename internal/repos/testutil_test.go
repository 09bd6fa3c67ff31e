package repos

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/types"
)

// testDB connects to TEST_POSTGRES_DSN and migrates a fresh schema; tests
// skip when the variable is unset so the suite stays runnable without a
// database.
func testDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		tb.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		tb.Fatalf("open test database: %v", err)
	}
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
		tb.Fatalf("create uuid extension: %v", err)
	}
	if err := db.Migrator().DropTable(
		&types.QuizAttempt{}, &types.Quiz{}, &types.Question{}, &types.Topic{},
		&types.ContentRef{}, &types.VerificationCode{}, &types.User{},
	); err != nil {
		tb.Fatalf("drop tables: %v", err)
	}
	if err := db.AutoMigrate(
		&types.User{}, &types.Topic{}, &types.Question{}, &types.ContentRef{},
		&types.Quiz{}, &types.QuizAttempt{}, &types.VerificationCode{},
	); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return db
}

func testLog(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("development")
	if err != nil {
		tb.Fatalf("logger: %v", err)
	}
	return log
}

func seedTopic(tb testing.TB, db *gorm.DB, state string) *types.Topic {
	tb.Helper()
	topic := &types.Topic{
		ID:              uuid.New(),
		TenantID:        uuid.New(),
		Title:           "Seeded",
		WeekNumber:      1,
		SourceObjectURL: "https://storage.googleapis.com/test/content/doc.pdf",
		SourceFilename:  "doc.pdf",
		ContentHash:     uuid.NewString(),
		State:           state,
	}
	if err := db.Create(topic).Error; err != nil {
		tb.Fatalf("seed topic: %v", err)
	}
	return topic
}
