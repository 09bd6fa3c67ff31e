package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/types"
)

func testReviewConfig() ReviewConfig {
	return ReviewConfig{
		NQuizzes:   3,
		QuizTTL:    7 * 24 * time.Hour,
		PresignTTL: 15 * time.Minute,
	}
}

func newReviewFixture(t *testing.T, nQuestions int) (*reviewService, *types.Topic, *types.User, *fakeTopicRepo, *fakeQuestionRepo, *fakeQuizRepo, *fakeNotifier) {
	t.Helper()
	topic := newTestTopic(types.TopicStateReadyForReview)
	topics := newFakeTopicRepo(topic)
	var qs []*types.Question
	for i := 0; i < nQuestions; i++ {
		opts, _ := json.Marshal([]string{"A", "B", "C"})
		qs = append(qs, &types.Question{
			ID:       uuid.New(),
			TopicID:  topic.ID,
			TenantID: topic.TenantID,
			Content:  "stem",
			Options:  opts,
			Type:     "multiple_choice",
			Points:   1,
			Answer:   "A",
		})
	}
	questions := newFakeQuestionRepo(qs...)
	quizzes := newFakeQuizRepo()
	reviewer := &types.User{ID: uuid.New(), TenantID: topic.TenantID, Email: "a@school.edu", Role: types.RoleAdmin}
	users := newFakeUserRepo(reviewer)
	notifier := &fakeNotifier{}
	svc := NewReviewService(testReviewConfig(), testLogger(), fakeTxRunner{}, topics, questions, users, quizzes, newFakeBucket(), notifier)
	return svc.(*reviewService), topic, reviewer, topics, questions, quizzes, notifier
}

func editsFor(questions *fakeQuestionRepo, topicID uuid.UUID) []QuestionEdit {
	var edits []QuestionEdit
	for _, q := range questions.byTopic(topicID) {
		var opts []string
		_ = json.Unmarshal(q.Options, &opts)
		edits = append(edits, QuestionEdit{ID: q.ID, Content: q.Content, Options: opts, Answer: q.Answer})
	}
	return edits
}

func TestPublishFansOutNamedQuizzes(t *testing.T) {
	svc, topic, reviewer, topics, questions, quizRepo, notifier := newReviewFixture(t, 4)

	before := time.Now().UTC()
	created, err := svc.Publish(context.Background(), topic.TenantID, reviewer.ID, topic.ID, "Algebra", "week 3", editsFor(questions, topic.ID))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("created %d quizzes, want 3", len(created))
	}
	wantNames := map[string]bool{"Quiz 1 - Algebra": true, "Quiz 2 - Algebra": true, "Quiz 3 - Algebra": true}
	ids := make(map[uuid.UUID]bool)
	for _, q := range questions.byTopic(topic.ID) {
		ids[q.ID] = true
	}
	for _, quiz := range created {
		if !wantNames[quiz.Name] {
			t.Fatalf("unexpected quiz name %q", quiz.Name)
		}
		delete(wantNames, quiz.Name)
		if quiz.IsLocked {
			t.Fatalf("published quiz must not be locked")
		}
		earliest := before.Add(testReviewConfig().QuizTTL - time.Minute)
		if quiz.ExpiresAt.Before(earliest) {
			t.Fatalf("quiz expiry %v too early", quiz.ExpiresAt)
		}
		var perm []uuid.UUID
		if err := json.Unmarshal(quiz.QuestionIDs, &perm); err != nil {
			t.Fatalf("decode permutation: %v", err)
		}
		if len(perm) != len(ids) {
			t.Fatalf("permutation has %d entries, want %d", len(perm), len(ids))
		}
		seen := make(map[uuid.UUID]bool)
		for _, id := range perm {
			if !ids[id] || seen[id] {
				t.Fatalf("permutation entry %s is not a unique topic question", id)
			}
			seen[id] = true
		}
	}
	if got := topics.get(topic.ID).State; got != types.TopicStateDone {
		t.Fatalf("topic state = %s, want %s", got, types.TopicStateDone)
	}
	stored, _ := quizRepo.GetByTopicID(context.Background(), nil, topic.ID)
	if len(stored) != 3 {
		t.Fatalf("stored %d quizzes, want 3", len(stored))
	}
	notes := notifier.byKind(NotifyPublished)
	if len(notes) != 1 {
		t.Fatalf("sent %d publish notifications, want exactly 1 to the reviewer", len(notes))
	}
	if notes[0].Recipient != reviewer.Email {
		t.Fatalf("publish notification went to %q, want %q", notes[0].Recipient, reviewer.Email)
	}
	if notes[0].Payload["name"] != topic.Title || notes[0].Payload["quiz_count"] != "3" {
		t.Fatalf("publish payload = %v", notes[0].Payload)
	}
}

func TestPublishedNotificationRenders(t *testing.T) {
	svc, topic, reviewer, _, questions, _, notifier := newReviewFixture(t, 2)
	if _, err := svc.Publish(context.Background(), topic.TenantID, reviewer.ID, topic.ID, "Algebra", "", editsFor(questions, topic.ID)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	notes := notifier.byKind(NotifyPublished)
	if len(notes) != 1 {
		t.Fatalf("sent %d publish notifications, want 1", len(notes))
	}
	subject, body := renderNotification(Notification{
		Recipient: notes[0].Recipient,
		Kind:      notes[0].Kind,
		Payload:   notes[0].Payload,
	})
	if subject != "Published: "+topic.Title {
		t.Fatalf("subject = %q", subject)
	}
	if !strings.Contains(body, topic.Title) || !strings.Contains(body, "3 quizzes") {
		t.Fatalf("body missing topic title or quiz count: %q", body)
	}
}

func TestPublishAppliesEdits(t *testing.T) {
	svc, topic, reviewer, _, questions, _, _ := newReviewFixture(t, 2)
	edits := editsFor(questions, topic.ID)
	edits[0].Content = "reworded stem"
	edits[0].Answer = "B"

	if _, err := svc.Publish(context.Background(), topic.TenantID, reviewer.ID, topic.ID, "Algebra", "", edits); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	updated, err := questions.GetByIDs(context.Background(), nil, []uuid.UUID{edits[0].ID})
	if err != nil || len(updated) != 1 {
		t.Fatalf("fetch edited question: %v", err)
	}
	if updated[0].Content != "reworded stem" || updated[0].Answer != "B" {
		t.Fatalf("edit not applied: content=%q answer=%q", updated[0].Content, updated[0].Answer)
	}
}

func TestPublishRejectsCardinalityMismatch(t *testing.T) {
	svc, topic, _, topics, questions, quizRepo, _ := newReviewFixture(t, 3)
	edits := editsFor(questions, topic.ID)[:2]

	_, err := svc.Publish(context.Background(), topic.TenantID, uuid.New(), topic.ID, "Algebra", "", edits)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if got := topics.get(topic.ID).State; got != types.TopicStateReadyForReview {
		t.Fatalf("topic state = %s, want unchanged", got)
	}
	stored, _ := quizRepo.GetByTopicID(context.Background(), nil, topic.ID)
	if len(stored) != 0 {
		t.Fatalf("rejected publish stored %d quizzes", len(stored))
	}
}

func TestPublishRejectsWrongState(t *testing.T) {
	svc, topic, _, topics, questions, _, _ := newReviewFixture(t, 2)
	if err := topics.ResetState(context.Background(), nil, topic.ID, types.TopicStateDone); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	_, err := svc.Publish(context.Background(), topic.TenantID, uuid.New(), topic.ID, "Algebra", "", editsFor(questions, topic.ID))
	if !errors.Is(err, apperr.ErrIllegalTransition) {
		t.Fatalf("err = %v, want illegal transition", err)
	}
}

func TestRandomPermutationProperties(t *testing.T) {
	ids := make([]uuid.UUID, 8)
	for i := range ids {
		ids[i] = uuid.New()
	}
	orig := append([]uuid.UUID(nil), ids...)

	perm, err := randomPermutation(ids)
	if err != nil {
		t.Fatalf("randomPermutation: %v", err)
	}
	for i := range ids {
		if ids[i] != orig[i] {
			t.Fatalf("input slice was mutated at %d", i)
		}
	}
	if len(perm) != len(ids) {
		t.Fatalf("permutation length %d, want %d", len(perm), len(ids))
	}
	seen := make(map[uuid.UUID]bool)
	for _, id := range perm {
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Fatalf("permutation lost id %s", id)
		}
	}
}

func TestReviewQuestionsPresignsImages(t *testing.T) {
	svc, topic, _, _, questions, _, _ := newReviewFixture(t, 1)
	q := questions.byTopic(topic.ID)[0]
	if err := questions.SetImageURL(context.Background(), nil, q.ID, fakeBucketBase+"visuals/v.png"); err != nil {
		t.Fatalf("seed image: %v", err)
	}
	review, err := svc.ReviewQuestions(context.Background(), topic.TenantID, topic.ID)
	if err != nil {
		t.Fatalf("ReviewQuestions: %v", err)
	}
	if len(review.Questions) != 1 {
		t.Fatalf("got %d questions, want 1", len(review.Questions))
	}
	if got := review.Questions[0].ImageURL; got != fakeBucketBase+"visuals/v.png?signed=1" {
		t.Fatalf("image url not presigned: %q", got)
	}
}
