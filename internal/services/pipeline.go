package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/repos"
	"github.com/kiraclass/kira-backend/internal/types"
	"github.com/kiraclass/kira-backend/internal/utils"
)

type PipelineConfig struct {
	NQuestions       int
	PollInterval     time.Duration
	MaxImageRetries  int
	ImageRetryDelay  time.Duration
	MaxGenAttempts   int
	GeneratorTimeout time.Duration
	QuestionRole     string
	ImageRole        string
}

func PipelineConfigFromEnv(log *logger.Logger) PipelineConfig {
	return PipelineConfig{
		NQuestions:       utils.GetEnvAsInt("N_QUESTIONS", 5, log),
		PollInterval:     time.Duration(utils.GetEnvAsInt("POLL_INTERVAL_S", 10, log)) * time.Second,
		MaxImageRetries:  utils.GetEnvAsInt("MAX_IMAGE_RETRIES", 3, log),
		ImageRetryDelay:  time.Duration(utils.GetEnvAsInt("IMAGE_RETRY_DELAY_S", 2, log)) * time.Second,
		MaxGenAttempts:   utils.GetEnvAsInt("MAX_GEN_ATTEMPTS", 5, log),
		GeneratorTimeout: time.Duration(utils.GetEnvAsInt("GENERATOR_TIMEOUT_S", 300, log)) * time.Second,
		QuestionRole:     utils.GetEnv("QUESTION_ROLE_PROMPT", defaultQuestionRole, log),
		ImageRole:        utils.GetEnv("IMAGE_ROLE_PROMPT", defaultImageRole, log),
	}
}

const (
	defaultQuestionRole = "You are a teacher writing weekly reading quizzes for school students. Questions must be answerable from the provided material alone."
	defaultImageRole    = "Create a simple, friendly classroom illustration. No text in the image."
)

// PipelineService runs the three content generation workers. Each worker is
// a single goroutine loop, so two iterations of the same worker never
// overlap in-process; cross-process single-flight comes from the claim's
// row lock.
type PipelineService interface {
	Run(ctx context.Context) error
}

type pipelineService struct {
	cfg PipelineConfig
	log *logger.Logger

	txr          repos.TxRunner
	topicRepo    repos.TopicRepo
	questionRepo repos.QuestionRepo
	userRepo     repos.UserRepo

	bucket   BucketService
	qgen     QuestionGenerator
	igen     ImageGenerator
	notifier Notifier
}

func NewPipelineService(
	cfg PipelineConfig,
	baseLog *logger.Logger,
	txr repos.TxRunner,
	topicRepo repos.TopicRepo,
	questionRepo repos.QuestionRepo,
	userRepo repos.UserRepo,
	bucket BucketService,
	qgen QuestionGenerator,
	igen ImageGenerator,
	notifier Notifier,
) PipelineService {
	return &pipelineService{
		cfg:          cfg,
		log:          baseLog.With("service", "PipelineService"),
		txr:          txr,
		topicRepo:    topicRepo,
		questionRepo: questionRepo,
		userRepo:     userRepo,
		bucket:       bucket,
		qgen:         qgen,
		igen:         igen,
		notifier:     notifier,
	}
}

func (s *pipelineService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.workerLoop(ctx, "PromptWorker", s.promptTick) })
	g.Go(func() error { return s.workerLoop(ctx, "VisualWorker", s.visualTick) })
	g.Go(func() error { return s.workerLoop(ctx, "ReadyWorker", s.readyTick) })
	return g.Wait()
}

// workerLoop runs one unit of work per tick. Ticks are synchronous, so a
// shutdown signal lets the in-flight unit finish before the loop exits.
func (s *pipelineService) workerLoop(ctx context.Context, name string, tick func(ctx context.Context) (bool, error)) error {
	log := s.log.With("worker", name)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	const maxBackoff = 5 * time.Minute
	var backoff time.Duration

	log.Info("Worker started", "poll_interval", s.cfg.PollInterval.String())
	for {
		select {
		case <-ctx.Done():
			log.Info("Worker stopped")
			return nil
		case <-ticker.C:
			worked, err := tick(ctx)
			if err != nil {
				if isPoolExhausted(err) {
					if backoff == 0 {
						backoff = 5 * time.Second
					} else {
						backoff *= 2
					}
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
					log.Warn("Connection pool exhausted, backing off", "backoff", backoff.String())
					select {
					case <-ctx.Done():
						log.Info("Worker stopped")
						return nil
					case <-time.After(backoff):
					}
				} else {
					log.Warn("Worker tick failed", "error", err)
				}
				continue
			}
			backoff = 0
			if worked {
				log.Debug("Worker tick completed a unit of work")
			}
		}
	}
}

// promptTick implements READY_FOR_GENERATION -> PROMPTS_GENERATED.
func (s *pipelineService) promptTick(ctx context.Context) (bool, error) {
	var claimed *types.Topic
	var promoted bool

	err := s.txr.InTx(ctx, func(tx *gorm.DB) error {
		topic, err := s.topicRepo.ClaimOldest(ctx, tx, types.TopicStateReadyForGeneration)
		if err != nil || topic == nil {
			return err
		}
		count, err := s.questionRepo.CountByTopicID(ctx, tx, topic.ID)
		if err != nil {
			return err
		}
		if count >= int64(s.cfg.NQuestions) {
			// Crash recovery: questions were inserted but the state commit
			// was lost. Promote without calling the generator again.
			if err := s.topicRepo.SetState(ctx, tx, topic.ID, types.TopicStateReadyForGeneration, types.TopicStatePromptsGenerated); err != nil {
				return err
			}
			promoted = true
			return nil
		}
		claimed = topic
		return nil
	})
	if err != nil || claimed == nil {
		return promoted, err
	}

	// External work happens after the claim transaction commits; the row
	// lock must not be held across generator calls.
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GeneratorTimeout)
	defer cancel()

	doc, err := s.bucket.Get(genCtx, claimed.SourceObjectURL)
	if err != nil {
		return false, fmt.Errorf("fetch source for topic %s: %w", claimed.ID, err)
	}
	generated, err := s.qgen.Generate(genCtx, doc, s.cfg.QuestionRole, s.cfg.NQuestions)
	if err != nil {
		if errors.Is(err, apperr.ErrGeneratorBadOutput) {
			s.recordGenFailure(ctx, claimed.ID)
		}
		return false, fmt.Errorf("generate questions for topic %s: %w", claimed.ID, err)
	}

	err = s.txr.InTx(ctx, func(tx *gorm.DB) error {
		topic, err := s.topicRepo.Lock(ctx, tx, claimed.ID)
		if err != nil {
			return err
		}
		if topic.State != types.TopicStateReadyForGeneration {
			// Another claimant finished while we generated.
			return nil
		}
		if err := s.questionRepo.DeleteByTopicID(ctx, tx, topic.ID); err != nil {
			return err
		}
		rows := make([]*types.Question, 0, len(generated))
		for _, g := range generated {
			opts, err := json.Marshal(g.Options)
			if err != nil {
				return fmt.Errorf("marshal options: %w", err)
			}
			rows = append(rows, &types.Question{
				ID:          uuid.New(),
				TopicID:     topic.ID,
				TenantID:    topic.TenantID,
				Content:     g.Content,
				Options:     datatypes.JSON(opts),
				Type:        g.Type,
				Points:      1,
				Answer:      g.Answer,
				ImagePrompt: g.VisualPrompt,
			})
		}
		if _, err := s.questionRepo.Create(ctx, tx, rows); err != nil {
			return err
		}
		return s.topicRepo.SetState(ctx, tx, topic.ID, types.TopicStateReadyForGeneration, types.TopicStatePromptsGenerated)
	})
	if err != nil {
		return false, fmt.Errorf("commit questions for topic %s: %w", claimed.ID, err)
	}
	return true, nil
}

// recordGenFailure counts a bad-output attempt and escalates a topic that
// keeps failing into the terminal GENERATION_FAILED state.
func (s *pipelineService) recordGenFailure(ctx context.Context, topicID uuid.UUID) {
	err := s.txr.InTx(ctx, func(tx *gorm.DB) error {
		attempts, err := s.topicRepo.IncGenAttempts(ctx, tx, topicID)
		if err != nil {
			return err
		}
		if attempts < s.cfg.MaxGenAttempts {
			return nil
		}
		s.log.Error("Topic exhausted generation attempts, needs manual intervention",
			"topic_id", topicID, "attempts", attempts)
		return s.topicRepo.SetState(ctx, tx, topicID, types.TopicStateReadyForGeneration, types.TopicStateGenerationFailed)
	})
	if err != nil {
		s.log.Warn("Failed to record generation failure", "topic_id", topicID, "error", err)
	}
}

// visualTick implements PROMPTS_GENERATED -> VISUALS_GENERATED.
func (s *pipelineService) visualTick(ctx context.Context) (bool, error) {
	type visualTarget struct {
		questionID uuid.UUID
		prompt     string
	}
	var claimed *types.Topic
	var targets []visualTarget
	var promoted bool

	err := s.txr.InTx(ctx, func(tx *gorm.DB) error {
		topic, err := s.topicRepo.ClaimOldest(ctx, tx, types.TopicStatePromptsGenerated)
		if err != nil || topic == nil {
			return err
		}
		pending, err := s.questionRepo.ListNeedingVisuals(ctx, tx, topic.ID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			if err := s.topicRepo.SetState(ctx, tx, topic.ID, types.TopicStatePromptsGenerated, types.TopicStateVisualsGenerated); err != nil {
				return err
			}
			promoted = true
			return nil
		}
		claimed = topic
		for _, q := range pending {
			targets = append(targets, visualTarget{questionID: q.ID, prompt: q.ImagePrompt})
		}
		return nil
	})
	if err != nil || claimed == nil {
		return promoted, err
	}

	succeeded := 0
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		var lastErr error
		for attempt := 1; attempt <= s.cfg.MaxImageRetries; attempt++ {
			lastErr = s.generateAndStoreVisual(ctx, claimed, target.questionID, target.prompt)
			if lastErr == nil {
				succeeded++
				break
			}
			if attempt < s.cfg.MaxImageRetries {
				select {
				case <-ctx.Done():
				case <-time.After(s.cfg.ImageRetryDelay):
				}
			}
		}
		if lastErr != nil {
			s.log.Warn("Question visual failed after retries",
				"topic_id", claimed.ID,
				"question_id", target.questionID,
				"attempts", s.cfg.MaxImageRetries,
				"error", lastErr,
			)
		}
	}

	if succeeded == 0 {
		// Leave the topic in PROMPTS_GENERATED; the next tick retries the
		// remaining questions.
		return false, fmt.Errorf("no visuals generated for topic %s", claimed.ID)
	}

	err = s.txr.InTx(ctx, func(tx *gorm.DB) error {
		topic, err := s.topicRepo.Lock(ctx, tx, claimed.ID)
		if err != nil {
			return err
		}
		if topic.State != types.TopicStatePromptsGenerated {
			return nil
		}
		return s.topicRepo.SetState(ctx, tx, topic.ID, types.TopicStatePromptsGenerated, types.TopicStateVisualsGenerated)
	})
	if err != nil {
		return false, fmt.Errorf("promote topic %s after visuals: %w", claimed.ID, err)
	}
	return true, nil
}

// generateAndStoreVisual is one attempt for one question: generate, store
// at the question's stable key, and commit the URL in its own transaction
// so partial progress survives a crash mid-topic.
func (s *pipelineService) generateAndStoreVisual(ctx context.Context, topic *types.Topic, questionID uuid.UUID, prompt string) error {
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GeneratorTimeout)
	defer cancel()

	png, err := s.igen.Generate(genCtx, prompt, s.cfg.ImageRole)
	if err != nil {
		return err
	}
	if len(png) == 0 || !bytes.HasPrefix(png, pngMagic) {
		return apperr.GeneratorBadOutput(fmt.Errorf("generator returned non-PNG bytes for question %s", questionID))
	}

	key := VisualObjectKey(topic.TenantID, topic.WeekNumber, topic.ID, questionID)
	url, err := s.bucket.PutKey(genCtx, key, png, "image/png")
	if err != nil {
		return fmt.Errorf("store visual for question %s: %w", questionID, err)
	}

	return s.txr.InTx(ctx, func(tx *gorm.DB) error {
		return s.questionRepo.SetImageURL(ctx, tx, questionID, url)
	})
}

// readyTick implements VISUALS_GENERATED -> READY_FOR_REVIEW. The state
// change is the durability boundary; reviewer notification is best-effort
// after commit.
func (s *pipelineService) readyTick(ctx context.Context) (bool, error) {
	var claimed *types.Topic
	err := s.txr.InTx(ctx, func(tx *gorm.DB) error {
		topic, err := s.topicRepo.ClaimOldest(ctx, tx, types.TopicStateVisualsGenerated)
		if err != nil || topic == nil {
			return err
		}
		if err := s.topicRepo.SetState(ctx, tx, topic.ID, types.TopicStateVisualsGenerated, types.TopicStateReadyForReview); err != nil {
			return err
		}
		claimed = topic
		return nil
	})
	if err != nil || claimed == nil {
		return false, err
	}

	recipients, err := s.userRepo.AdminEmailsByTenant(ctx, nil, claimed.TenantID)
	if err != nil {
		s.log.Warn("Failed to enumerate review recipients", "topic_id", claimed.ID, "error", err)
		return true, nil
	}
	payload := map[string]string{
		"title":    claimed.Title,
		"week":     strconv.Itoa(claimed.WeekNumber),
		"topic_id": claimed.ID.String(),
	}
	for _, email := range recipients {
		s.notifier.Send(ctx, email, NotifyReadyForReview, payload)
	}
	return true, nil
}

func isPoolExhausted(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection pool exhausted") ||
		strings.Contains(msg, "too many clients") ||
		strings.Contains(msg, "pool exhausted") ||
		strings.Contains(msg, "conn busy")
}
