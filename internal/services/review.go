package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/repos"
	"github.com/kiraclass/kira-backend/internal/types"
	"github.com/kiraclass/kira-backend/internal/utils"
)

// QuestionEdit carries the reviewer's final text for one question. Only
// content, options and answer are editable; visuals are replaced through
// ReplaceImage.
type QuestionEdit struct {
	ID      uuid.UUID `json:"id"`
	Content string    `json:"content"`
	Options []string  `json:"options"`
	Answer  string    `json:"answer"`
}

// TopicReview is the admin's review view: the topic plus its questions
// with image URLs presigned for direct display.
type TopicReview struct {
	Topic     *types.Topic      `json:"topic"`
	Questions []*types.Question `json:"questions"`
}

type ReviewService interface {
	ReviewQuestions(ctx context.Context, tenantID, topicID uuid.UUID) (*TopicReview, error)

	// Publish applies the reviewer's edits and fans the topic out into the
	// configured number of quizzes, each with an independent random question
	// order. The whole operation is one transaction.
	Publish(ctx context.Context, tenantID, creatorID, topicID uuid.UUID, quizName, description string, edits []QuestionEdit) ([]*types.Quiz, error)

	// ReplaceImage overwrites a question's illustration in place and returns
	// a presigned URL for the new bytes.
	ReplaceImage(ctx context.Context, tenantID, questionID uuid.UUID, raw []byte) (string, error)
}

type ReviewConfig struct {
	NQuizzes   int
	QuizTTL    time.Duration
	PresignTTL time.Duration
}

func ReviewConfigFromEnv(log *logger.Logger) ReviewConfig {
	return ReviewConfig{
		NQuizzes:   utils.GetEnvAsInt("N_QUIZZES", 3, log),
		QuizTTL:    time.Duration(utils.GetEnvAsInt("QUIZ_TTL_DAYS", 7, log)) * 24 * time.Hour,
		PresignTTL: time.Duration(utils.GetEnvAsInt("PRESIGN_TTL_MIN", 15, log)) * time.Minute,
	}
}

type reviewService struct {
	cfg       ReviewConfig
	log       *logger.Logger
	txr       repos.TxRunner
	topics    repos.TopicRepo
	questions repos.QuestionRepo
	users     repos.UserRepo
	quizzes   repos.QuizRepo
	bucket    BucketService
	notifier  Notifier
}

func NewReviewService(
	cfg ReviewConfig,
	baseLog *logger.Logger,
	txr repos.TxRunner,
	topics repos.TopicRepo,
	questions repos.QuestionRepo,
	users repos.UserRepo,
	quizzes repos.QuizRepo,
	bucket BucketService,
	notifier Notifier,
) ReviewService {
	return &reviewService{
		cfg:       cfg,
		log:       baseLog.With("service", "ReviewService"),
		txr:       txr,
		topics:    topics,
		questions: questions,
		users:     users,
		quizzes:   quizzes,
		bucket:    bucket,
		notifier:  notifier,
	}
}

func (s *reviewService) ReviewQuestions(ctx context.Context, tenantID, topicID uuid.UUID) (*TopicReview, error) {
	topic, err := s.topics.GetByID(ctx, nil, topicID)
	if err != nil {
		return nil, err
	}
	if topic.TenantID != tenantID {
		return nil, apperr.NotFound(fmt.Errorf("topic %s not found for tenant", topicID))
	}
	qs, err := s.questions.ListByTopicID(ctx, nil, topicID)
	if err != nil {
		return nil, err
	}
	for _, q := range qs {
		if q.ImageURL == "" {
			continue
		}
		signed, err := s.bucket.Presign(ctx, q.ImageURL, s.cfg.PresignTTL)
		if err != nil {
			s.log.Warn("Failed to presign question image", "question_id", q.ID, "error", err)
			continue
		}
		q.ImageURL = signed
	}
	return &TopicReview{Topic: topic, Questions: qs}, nil
}

func (s *reviewService) Publish(ctx context.Context, tenantID, creatorID, topicID uuid.UUID, quizName, description string, edits []QuestionEdit) ([]*types.Quiz, error) {
	if quizName == "" {
		return nil, apperr.Validation("missing quiz name")
	}
	var created []*types.Quiz
	var topic *types.Topic

	err := s.txr.InTx(ctx, func(tx *gorm.DB) error {
		var err error
		topic, err = s.topics.Lock(ctx, tx, topicID)
		if err != nil {
			return err
		}
		if topic.TenantID != tenantID {
			return apperr.NotFound(fmt.Errorf("topic %s not found for tenant", topicID))
		}
		if topic.State != types.TopicStateReadyForReview {
			return apperr.IllegalTransition(topic.State, types.TopicStateDone)
		}

		qs, err := s.questions.LockByTopicID(ctx, tx, topicID)
		if err != nil {
			return err
		}
		if len(edits) != len(qs) {
			return apperr.Validation("expected %d question edits, got %d", len(qs), len(edits))
		}
		byID := make(map[uuid.UUID]*types.Question, len(qs))
		for _, q := range qs {
			byID[q.ID] = q
		}
		for _, e := range edits {
			q, ok := byID[e.ID]
			if !ok {
				return apperr.Validation("edit references unknown question %s", e.ID)
			}
			opts, err := json.Marshal(e.Options)
			if err != nil {
				return fmt.Errorf("marshal options for %s: %w", e.ID, err)
			}
			if e.Content == q.Content && e.Answer == q.Answer && bytes.Equal(opts, []byte(q.Options)) {
				continue
			}
			if err := s.questions.UpdateReviewed(ctx, tx, e.ID, e.Content, opts, e.Answer); err != nil {
				return err
			}
		}

		ids := make([]uuid.UUID, len(qs))
		for i, q := range qs {
			ids[i] = q.ID
		}
		now := time.Now().UTC()
		quizzes := make([]*types.Quiz, 0, s.cfg.NQuizzes)
		for i := 1; i <= s.cfg.NQuizzes; i++ {
			perm, err := randomPermutation(ids)
			if err != nil {
				return fmt.Errorf("shuffle questions: %w", err)
			}
			permJSON, err := json.Marshal(perm)
			if err != nil {
				return err
			}
			quizzes = append(quizzes, &types.Quiz{
				ID:          uuid.New(),
				TenantID:    tenantID,
				CreatorID:   creatorID,
				TopicID:     topicID,
				Name:        fmt.Sprintf("Quiz %d - %s", i, quizName),
				Description: description,
				QuestionIDs: datatypes.JSON(permJSON),
				ExpiresAt:   now.Add(s.cfg.QuizTTL),
				IsLocked:    false,
			})
		}
		created, err = s.quizzes.Create(ctx, tx, quizzes)
		if err != nil {
			return err
		}
		return s.topics.SetState(ctx, tx, topicID, types.TopicStateReadyForReview, types.TopicStateDone)
	})
	if err != nil {
		return nil, err
	}

	// Publication is already durable; notification failures only get logged.
	reviewer, err := s.users.GetByID(ctx, nil, creatorID)
	if err != nil {
		s.log.Warn("Failed to load reviewer for publish notification", "user_id", creatorID, "error", err)
		return created, nil
	}
	s.notifier.Send(ctx, reviewer.Email, NotifyPublished, map[string]string{
		"name":       topic.Title,
		"quiz_count": fmt.Sprintf("%d", len(created)),
	})
	return created, nil
}

func (s *reviewService) ReplaceImage(ctx context.Context, tenantID, questionID uuid.UUID, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", apperr.Validation("empty image payload")
	}
	qs, err := s.questions.GetByIDs(ctx, nil, []uuid.UUID{questionID})
	if err != nil {
		return "", err
	}
	if len(qs) == 0 || qs[0].TenantID != tenantID {
		return "", apperr.NotFound(fmt.Errorf("question %s not found", questionID))
	}
	q := qs[0]

	png, err := NormalizePNG(raw)
	if err != nil {
		return "", err
	}

	// Same key as the generated visual so every stored pointer stays valid.
	var key string
	if q.ImageURL != "" {
		key, err = s.bucket.KeyForURL(q.ImageURL)
		if err != nil {
			return "", err
		}
	} else {
		topic, err := s.topics.GetByID(ctx, nil, q.TopicID)
		if err != nil {
			return "", err
		}
		key = VisualObjectKey(topic.TenantID, topic.WeekNumber, topic.ID, q.ID)
	}
	url, err := s.bucket.PutKey(ctx, key, png, "image/png")
	if err != nil {
		return "", err
	}
	if q.ImageURL == "" {
		if err := s.txr.InTx(ctx, func(tx *gorm.DB) error {
			return s.questions.SetImageURL(ctx, tx, q.ID, url)
		}); err != nil {
			return "", err
		}
	}
	return s.bucket.Presign(ctx, url, s.cfg.PresignTTL)
}

// randomPermutation returns a uniform shuffle of ids without touching the
// input slice.
func randomPermutation(ids []uuid.UUID) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, len(ids))
	copy(out, ids)
	for i := len(out) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, err
		}
		j := int(n.Int64())
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
