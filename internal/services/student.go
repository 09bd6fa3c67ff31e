package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/repos"
	"github.com/kiraclass/kira-backend/internal/types"
)

// StudentQuestion is a question as a quiz taker sees it: no answer, and
// the image URL already presigned.
type StudentQuestion struct {
	ID       uuid.UUID      `json:"id"`
	Content  string         `json:"content"`
	Options  datatypes.JSON `json:"options"`
	Type     string         `json:"type"`
	Points   int            `json:"points"`
	ImageURL string         `json:"image_url,omitempty"`
}

// AttemptResult reports the graded outcome of one submission.
type AttemptResult struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	Score     int       `json:"score"`
	MaxScore  int       `json:"max_score"`
}

type StudentService interface {
	ListQuizzes(ctx context.Context, tenantID uuid.UUID) ([]*types.Quiz, error)

	// QuizQuestions returns the quiz's questions in its stored permutation
	// order.
	QuizQuestions(ctx context.Context, tenantID, quizID uuid.UUID) ([]*StudentQuestion, error)

	SubmitQuiz(ctx context.Context, tenantID, userID, quizID uuid.UUID, answers map[string]string) (*AttemptResult, error)
}

type studentService struct {
	log       *logger.Logger
	txr       repos.TxRunner
	quizzes   repos.QuizRepo
	questions repos.QuestionRepo
	attempts  repos.QuizAttemptRepo
	bucket    BucketService
	signTTL   time.Duration
}

func NewStudentService(
	baseLog *logger.Logger,
	txr repos.TxRunner,
	quizzes repos.QuizRepo,
	questions repos.QuestionRepo,
	attempts repos.QuizAttemptRepo,
	bucket BucketService,
	presignTTL time.Duration,
) StudentService {
	return &studentService{
		log:       baseLog.With("service", "StudentService"),
		txr:       txr,
		quizzes:   quizzes,
		questions: questions,
		attempts:  attempts,
		bucket:    bucket,
		signTTL:   presignTTL,
	}
}

func (s *studentService) ListQuizzes(ctx context.Context, tenantID uuid.UUID) ([]*types.Quiz, error) {
	all, err := s.quizzes.GetByTenant(ctx, nil, tenantID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	open := make([]*types.Quiz, 0, len(all))
	for _, q := range all {
		if q.IsLocked || q.ExpiresAt.Before(now) {
			continue
		}
		open = append(open, q)
	}
	return open, nil
}

func (s *studentService) QuizQuestions(ctx context.Context, tenantID, quizID uuid.UUID) ([]*StudentQuestion, error) {
	quiz, ids, byID, err := s.loadQuiz(ctx, tenantID, quizID)
	if err != nil {
		return nil, err
	}
	if quiz.IsLocked || quiz.ExpiresAt.Before(time.Now().UTC()) {
		return nil, apperr.Forbidden(fmt.Errorf("quiz %s is closed", quizID))
	}

	out := make([]*StudentQuestion, 0, len(ids))
	for _, id := range ids {
		q, ok := byID[id]
		if !ok {
			// A question referenced by a published quiz should always exist.
			return nil, fmt.Errorf("quiz %s references missing question %s", quizID, id)
		}
		sq := &StudentQuestion{
			ID:      q.ID,
			Content: q.Content,
			Options: q.Options,
			Type:    q.Type,
			Points:  q.Points,
		}
		if q.ImageURL != "" {
			signed, err := s.bucket.Presign(ctx, q.ImageURL, s.signTTL)
			if err != nil {
				s.log.Warn("Failed to presign question image", "question_id", q.ID, "error", err)
			} else {
				sq.ImageURL = signed
			}
		}
		out = append(out, sq)
	}
	return out, nil
}

func (s *studentService) SubmitQuiz(ctx context.Context, tenantID, userID, quizID uuid.UUID, answers map[string]string) (*AttemptResult, error) {
	quiz, ids, byID, err := s.loadQuiz(ctx, tenantID, quizID)
	if err != nil {
		return nil, err
	}
	if quiz.IsLocked || quiz.ExpiresAt.Before(time.Now().UTC()) {
		return nil, apperr.Forbidden(fmt.Errorf("quiz %s is closed", quizID))
	}

	score, maxScore := 0, 0
	for _, id := range ids {
		q, ok := byID[id]
		if !ok {
			continue
		}
		maxScore += q.Points
		if given, ok := answers[id.String()]; ok && answersMatch(given, q.Answer) {
			score += q.Points
		}
	}

	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("marshal answers: %w", err)
	}
	attempt := &types.QuizAttempt{
		ID:       uuid.New(),
		QuizID:   quizID,
		UserID:   userID,
		TenantID: tenantID,
		Answers:  datatypes.JSON(answersJSON),
		Score:    score,
	}
	if err := s.txr.InTx(ctx, func(tx *gorm.DB) error {
		return s.attempts.Create(ctx, tx, attempt)
	}); err != nil {
		return nil, err
	}
	return &AttemptResult{AttemptID: attempt.ID, Score: score, MaxScore: maxScore}, nil
}

// loadQuiz fetches a quiz with its permutation and the questions it
// references, scoped to the caller's tenant.
func (s *studentService) loadQuiz(ctx context.Context, tenantID, quizID uuid.UUID) (*types.Quiz, []uuid.UUID, map[uuid.UUID]*types.Question, error) {
	quiz, err := s.quizzes.GetByID(ctx, nil, quizID)
	if err != nil {
		return nil, nil, nil, err
	}
	if quiz.TenantID != tenantID {
		return nil, nil, nil, apperr.NotFound(fmt.Errorf("quiz %s not found for tenant", quizID))
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(quiz.QuestionIDs, &ids); err != nil {
		return nil, nil, nil, fmt.Errorf("decode question order for quiz %s: %w", quizID, err)
	}
	qs, err := s.questions.GetByIDs(ctx, nil, ids)
	if err != nil {
		return nil, nil, nil, err
	}
	byID := make(map[uuid.UUID]*types.Question, len(qs))
	for _, q := range qs {
		byID[q.ID] = q
	}
	return quiz, ids, byID, nil
}

func answersMatch(given, expected string) bool {
	return strings.EqualFold(strings.TrimSpace(given), strings.TrimSpace(expected))
}
