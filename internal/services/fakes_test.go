package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/types"
)

func testLogger() *logger.Logger {
	log, err := logger.New("development")
	if err != nil {
		panic(err)
	}
	return log
}

// fakeTxRunner executes the callback without a database; the fake repos
// ignore the nil tx.
type fakeTxRunner struct{}

func (fakeTxRunner) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakeTopicRepo struct {
	mu     sync.Mutex
	topics map[uuid.UUID]*types.Topic
}

func newFakeTopicRepo(topics ...*types.Topic) *fakeTopicRepo {
	r := &fakeTopicRepo{topics: make(map[uuid.UUID]*types.Topic)}
	for _, t := range topics {
		cp := *t
		r.topics[t.ID] = &cp
	}
	return r
}

func (r *fakeTopicRepo) get(id uuid.UUID) *types.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[id]; ok {
		cp := *t
		return &cp
	}
	return nil
}

func (r *fakeTopicRepo) Create(ctx context.Context, tx *gorm.DB, topics []*types.Topic) ([]*types.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range topics {
		cp := *t
		r.topics[t.ID] = &cp
	}
	return topics, nil
}

func (r *fakeTopicRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Topic, error) {
	if t := r.get(id); t != nil {
		return t, nil
	}
	return nil, apperr.NotFound(fmt.Errorf("topic %s", id))
}

func (r *fakeTopicRepo) GetByTenant(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) ([]*types.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Topic
	for _, t := range r.topics {
		if t.TenantID == tenantID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *fakeTopicRepo) ClaimOldest(ctx context.Context, tx *gorm.DB, state string) (*types.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *types.Topic
	for _, t := range r.topics {
		if t.State != state {
			continue
		}
		if oldest == nil || t.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

func (r *fakeTopicRepo) Lock(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Topic, error) {
	return r.GetByID(ctx, tx, id)
}

func (r *fakeTopicRepo) SetState(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string) error {
	if !types.ValidTopicTransition(from, to) {
		return apperr.IllegalTransition(from, to)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[id]
	if !ok || t.State != from {
		return apperr.IllegalTransition(from, to)
	}
	t.State = to
	t.UpdatedAt = time.Now()
	return nil
}

func (r *fakeTopicRepo) ResetState(ctx context.Context, tx *gorm.DB, id uuid.UUID, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[id]
	if !ok {
		return apperr.NotFound(fmt.Errorf("topic %s", id))
	}
	t.State = state
	t.GenAttempts = 0
	t.UpdatedAt = time.Now()
	return nil
}

func (r *fakeTopicRepo) IncGenAttempts(ctx context.Context, tx *gorm.DB, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[id]
	if !ok {
		return 0, apperr.NotFound(fmt.Errorf("topic %s", id))
	}
	t.GenAttempts++
	return t.GenAttempts, nil
}

func (r *fakeTopicRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.topics, id)
	return nil
}

type fakeQuestionRepo struct {
	mu        sync.Mutex
	questions map[uuid.UUID]*types.Question
}

func newFakeQuestionRepo(questions ...*types.Question) *fakeQuestionRepo {
	r := &fakeQuestionRepo{questions: make(map[uuid.UUID]*types.Question)}
	for _, q := range questions {
		cp := *q
		r.questions[q.ID] = &cp
	}
	return r
}

func (r *fakeQuestionRepo) byTopic(topicID uuid.UUID) []*types.Question {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Question
	for _, q := range r.questions {
		if q.TopicID == topicID {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (r *fakeQuestionRepo) Create(ctx context.Context, tx *gorm.DB, questions []*types.Question) ([]*types.Question, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range questions {
		cp := *q
		r.questions[q.ID] = &cp
	}
	return questions, nil
}

func (r *fakeQuestionRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Question, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Question
	for _, id := range ids {
		if q, ok := r.questions[id]; ok {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeQuestionRepo) ListByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Question, error) {
	return r.byTopic(topicID), nil
}

func (r *fakeQuestionRepo) LockByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Question, error) {
	return r.byTopic(topicID), nil
}

func (r *fakeQuestionRepo) CountByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) (int64, error) {
	return int64(len(r.byTopic(topicID))), nil
}

func (r *fakeQuestionRepo) ListNeedingVisuals(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Question, error) {
	var out []*types.Question
	for _, q := range r.byTopic(topicID) {
		if q.ImagePrompt != "" && q.ImageURL == "" {
			out = append(out, q)
		}
	}
	return out, nil
}

func (r *fakeQuestionRepo) SetImageURL(ctx context.Context, tx *gorm.DB, id uuid.UUID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.questions[id]
	if !ok {
		return apperr.NotFound(fmt.Errorf("question %s", id))
	}
	q.ImageURL = url
	return nil
}

func (r *fakeQuestionRepo) UpdateReviewed(ctx context.Context, tx *gorm.DB, id uuid.UUID, content string, options []byte, answer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.questions[id]
	if !ok {
		return apperr.NotFound(fmt.Errorf("question %s", id))
	}
	q.Content = content
	q.Options = options
	q.Answer = answer
	return nil
}

func (r *fakeQuestionRepo) DeleteByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, q := range r.questions {
		if q.TopicID == topicID {
			delete(r.questions, id)
		}
	}
	return nil
}

type fakeContentRefRepo struct {
	mu   sync.Mutex
	refs map[string]*types.ContentRef
}

func newFakeContentRefRepo() *fakeContentRefRepo {
	return &fakeContentRefRepo{refs: make(map[string]*types.ContentRef)}
}

func (r *fakeContentRefRepo) Create(ctx context.Context, tx *gorm.DB, ref *types.ContentRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refs[ref.ContentHash]; ok {
		return fmt.Errorf("duplicate content hash %s", ref.ContentHash)
	}
	cp := *ref
	r.refs[ref.ContentHash] = &cp
	return nil
}

func (r *fakeContentRefRepo) GetByHash(ctx context.Context, tx *gorm.DB, hash string) (*types.ContentRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.refs[hash]; ok {
		cp := *ref
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeContentRefRepo) LockByHash(ctx context.Context, tx *gorm.DB, hash string) (*types.ContentRef, error) {
	return r.GetByHash(ctx, tx, hash)
}

func (r *fakeContentRefRepo) IncRef(ctx context.Context, tx *gorm.DB, hash string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refs[hash]
	if !ok {
		return 0, apperr.NotFound(fmt.Errorf("content ref %s", hash))
	}
	ref.Count++
	return ref.Count, nil
}

func (r *fakeContentRefRepo) DecRef(ctx context.Context, tx *gorm.DB, hash string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refs[hash]
	if !ok {
		return 0, apperr.NotFound(fmt.Errorf("content ref %s", hash))
	}
	ref.Count--
	if ref.Count <= 0 {
		delete(r.refs, hash)
		return 0, nil
	}
	return ref.Count, nil
}

func (r *fakeContentRefRepo) ListHashes(ctx context.Context, tx *gorm.DB) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.refs))
	for h := range r.refs {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*types.User
}

func newFakeUserRepo(users ...*types.User) *fakeUserRepo {
	r := &fakeUserRepo{users: make(map[uuid.UUID]*types.User)}
	for _, u := range users {
		cp := *u
		r.users[u.ID] = &cp
	}
	return r
}

func (r *fakeUserRepo) Create(ctx context.Context, tx *gorm.DB, user *types.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, apperr.NotFound(fmt.Errorf("user %s", id))
}

func (r *fakeUserRepo) GetByEmail(ctx context.Context, tx *gorm.DB, email string) (*types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.NotFound(fmt.Errorf("user %s", email))
}

func (r *fakeUserRepo) EmailExists(ctx context.Context, tx *gorm.DB, email string) (bool, error) {
	_, err := r.GetByEmail(ctx, tx, email)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (r *fakeUserRepo) AdminEmailsByTenant(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.users {
		if u.TenantID == tenantID && (u.Role == types.RoleAdmin || u.Role == types.RoleSuperAdmin) {
			out = append(out, u.Email)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *fakeUserRepo) UpdatePassword(ctx context.Context, tx *gorm.DB, id uuid.UUID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return apperr.NotFound(fmt.Errorf("user %s", id))
	}
	u.PasswordHash = passwordHash
	return nil
}

type fakeQuizRepo struct {
	mu      sync.Mutex
	quizzes map[uuid.UUID]*types.Quiz
}

func newFakeQuizRepo(quizzes ...*types.Quiz) *fakeQuizRepo {
	r := &fakeQuizRepo{quizzes: make(map[uuid.UUID]*types.Quiz)}
	for _, q := range quizzes {
		cp := *q
		r.quizzes[q.ID] = &cp
	}
	return r
}

func (r *fakeQuizRepo) Create(ctx context.Context, tx *gorm.DB, quizzes []*types.Quiz) ([]*types.Quiz, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range quizzes {
		cp := *q
		r.quizzes[q.ID] = &cp
	}
	return quizzes, nil
}

func (r *fakeQuizRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Quiz, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.quizzes[id]; ok {
		cp := *q
		return &cp, nil
	}
	return nil, apperr.NotFound(fmt.Errorf("quiz %s", id))
}

func (r *fakeQuizRepo) GetByTenant(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) ([]*types.Quiz, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Quiz
	for _, q := range r.quizzes {
		if q.TenantID == tenantID {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeQuizRepo) GetByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Quiz, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Quiz
	for _, q := range r.quizzes {
		if q.TopicID == topicID {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []*types.QuizAttempt
}

func (r *fakeAttemptRepo) Create(ctx context.Context, tx *gorm.DB, attempt *types.QuizAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *attempt
	r.attempts = append(r.attempts, &cp)
	return nil
}

func (r *fakeAttemptRepo) GetByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.QuizAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.QuizAttempt
	for _, a := range r.attempts {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

const fakeBucketBase = "https://storage.googleapis.com/test-bucket/"

// fakeBucket stores objects in memory under their canonical URLs and
// counts writes so dedup tests can assert how many uploads hit storage.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (b *fakeBucket) Put(ctx context.Context, prefix string, tenant uuid.UUID, week int, filename string, data []byte, contentType string) (string, error) {
	return b.PutKey(ctx, BuildObjectKey(prefix, tenant, week, filename), data, contentType)
}

func (b *fakeBucket) PutKey(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	url := b.URLForKey(key)
	b.objects[url] = append([]byte(nil), data...)
	b.puts++
	return url, nil
}

func (b *fakeBucket) Get(ctx context.Context, rawURL string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[rawURL]
	if !ok {
		return nil, apperr.NotFound(fmt.Errorf("object %s", rawURL))
	}
	return append([]byte(nil), data...), nil
}

func (b *fakeBucket) Delete(ctx context.Context, rawURL string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[rawURL]; !ok {
		return false, nil
	}
	delete(b.objects, rawURL)
	return true, nil
}

func (b *fakeBucket) Presign(ctx context.Context, rawURL string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", apperr.Validation("presign ttl must be positive")
	}
	return rawURL + "?signed=1", nil
}

func (b *fakeBucket) KeyForURL(rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, fakeBucketBase) {
		return "", apperr.Validation("foreign object url %s", rawURL)
	}
	return strings.TrimPrefix(rawURL, fakeBucketBase), nil
}

func (b *fakeBucket) URLForKey(key string) string {
	return fakeBucketBase + key
}

func (b *fakeBucket) has(rawURL string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[rawURL]
	return ok
}

type fakeQuestionGen struct {
	mu    sync.Mutex
	calls int
	fn    func(numQuestions int) ([]GeneratedQuestion, error)
}

func (g *fakeQuestionGen) Generate(ctx context.Context, document []byte, rolePrompt string, numQuestions int) ([]GeneratedQuestion, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.fn(numQuestions)
}

func (g *fakeQuestionGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeImageGen struct {
	mu    sync.Mutex
	calls int
	fn    func(prompt string) ([]byte, error)
}

func (g *fakeImageGen) Generate(ctx context.Context, prompt, rolePrompt string) ([]byte, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.fn(prompt)
}

func (g *fakeImageGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type sentNote struct {
	Recipient string
	Kind      string
	Payload   map[string]string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNote
}

func (n *fakeNotifier) Send(ctx context.Context, recipient, kind string, payload map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNote{Recipient: recipient, Kind: kind, Payload: payload})
}

func (n *fakeNotifier) byKind(kind string) []sentNote {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNote
	for _, s := range n.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}
