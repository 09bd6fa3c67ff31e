package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/repos"
	"github.com/kiraclass/kira-backend/internal/types"
)

// IngestService owns the upload/attach/remove flows and content-hash
// dedup. Identical files (same client-supplied hash) share one stored
// object across tenants through reference counting.
type IngestService interface {
	Upload(ctx context.Context, tenantID uuid.UUID, uploadedBy, title string, week int, hash, filename string, data []byte, contentType string) (*types.Topic, error)

	// AttachByHash creates a topic against an already-stored object without
	// receiving the bytes again.
	AttachByHash(ctx context.Context, tenantID uuid.UUID, uploadedBy, title string, week int, hash string) (*types.Topic, error)

	// UploadChunk accumulates one chunk; the final chunk assembles the file
	// and runs the normal upload path. Returns a topic only then.
	UploadChunk(ctx context.Context, tenantID uuid.UUID, uploadedBy, uploadID, title string, week int, hash, filename string, index, total int, chunk []byte, contentType string) (*types.Topic, error)

	Remove(ctx context.Context, tenantID, topicID uuid.UUID) error

	// ResetTopic is the administrative recovery path: it forces a topic back
	// to an arbitrary pipeline state, bypassing the transition table.
	ResetTopic(ctx context.Context, tenantID, topicID uuid.UUID, state string) error

	ListContents(ctx context.Context, tenantID uuid.UUID) ([]*types.Topic, error)
	ListHashes(ctx context.Context) ([]string, error)
}

type ingestService struct {
	log      *logger.Logger
	txr      repos.TxRunner
	topics   repos.TopicRepo
	refs     repos.ContentRefRepo
	bucket   BucketService
	notifier Notifier
}

func NewIngestService(
	baseLog *logger.Logger,
	txr repos.TxRunner,
	topics repos.TopicRepo,
	refs repos.ContentRefRepo,
	bucket BucketService,
	notifier Notifier,
) IngestService {
	return &ingestService{
		log:      baseLog.With("service", "IngestService"),
		txr:      txr,
		topics:   topics,
		refs:     refs,
		bucket:   bucket,
		notifier: notifier,
	}
}

func (s *ingestService) Upload(ctx context.Context, tenantID uuid.UUID, uploadedBy, title string, week int, hash, filename string, data []byte, contentType string) (*types.Topic, error) {
	if err := validateIngest(tenantID, title, week, hash); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, apperr.Validation("empty upload for %q", title)
	}
	if strings.TrimSpace(filename) == "" {
		return nil, apperr.Validation("missing filename")
	}

	// Identical bytes may already be stored by any tenant; attach instead
	// of writing a second copy.
	topic, err := s.attach(ctx, tenantID, title, week, hash, filename)
	if err == nil {
		s.notifyUpload(ctx, uploadedBy, topic)
		return topic, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	// The object write happens before any rows exist: a storage failure
	// leaves the database untouched.
	url, err := s.bucket.Put(ctx, "content", tenantID, week, filename, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("store upload %q: %w", filename, err)
	}

	err = s.txr.InTx(ctx, func(tx *gorm.DB) error {
		objectURL := url
		ref, err := s.refs.LockByHash(ctx, tx, hash)
		if err != nil {
			return err
		}
		if ref != nil {
			// Lost a race with a concurrent identical upload; reuse the
			// winner's object.
			if _, err := s.refs.IncRef(ctx, tx, hash); err != nil {
				return err
			}
			objectURL = ref.ObjectURL
		} else {
			if err := s.refs.Create(ctx, tx, &types.ContentRef{
				ContentHash: hash,
				ObjectURL:   url,
				Count:       1,
			}); err != nil {
				return err
			}
		}
		topic = &types.Topic{
			ID:              uuid.New(),
			TenantID:        tenantID,
			Title:           title,
			WeekNumber:      week,
			SourceObjectURL: objectURL,
			SourceFilename:  filename,
			ContentHash:     hash,
			State:           types.TopicStateReadyForGeneration,
		}
		_, err = s.topics.Create(ctx, tx, []*types.Topic{topic})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notifyUpload(ctx, uploadedBy, topic)
	return topic, nil
}

func (s *ingestService) AttachByHash(ctx context.Context, tenantID uuid.UUID, uploadedBy, title string, week int, hash string) (*types.Topic, error) {
	if err := validateIngest(tenantID, title, week, hash); err != nil {
		return nil, err
	}
	topic, err := s.attach(ctx, tenantID, title, week, hash, "")
	if err != nil {
		return nil, err
	}
	s.notifyUpload(ctx, uploadedBy, topic)
	return topic, nil
}

// attach increments the hash's reference count and creates a topic against
// the shared object. Returns NotFound when the hash is unknown.
func (s *ingestService) attach(ctx context.Context, tenantID uuid.UUID, title string, week int, hash, filename string) (*types.Topic, error) {
	var topic *types.Topic
	err := s.txr.InTx(ctx, func(tx *gorm.DB) error {
		ref, err := s.refs.LockByHash(ctx, tx, hash)
		if err != nil {
			return err
		}
		if ref == nil {
			return apperr.NotFound(fmt.Errorf("no stored content for hash %s", hash))
		}
		if _, err := s.refs.IncRef(ctx, tx, hash); err != nil {
			return err
		}
		name := filename
		if name == "" {
			if key, kerr := s.bucket.KeyForURL(ref.ObjectURL); kerr == nil {
				name = path.Base(key)
			}
		}
		topic = &types.Topic{
			ID:              uuid.New(),
			TenantID:        tenantID,
			Title:           title,
			WeekNumber:      week,
			SourceObjectURL: ref.ObjectURL,
			SourceFilename:  name,
			ContentHash:     hash,
			State:           types.TopicStateReadyForGeneration,
		}
		_, err = s.topics.Create(ctx, tx, []*types.Topic{topic})
		return err
	})
	if err != nil {
		return nil, err
	}
	return topic, nil
}

func (s *ingestService) UploadChunk(ctx context.Context, tenantID uuid.UUID, uploadedBy, uploadID, title string, week int, hash, filename string, index, total int, chunk []byte, contentType string) (*types.Topic, error) {
	if uploadID == "" || strings.ContainsAny(uploadID, "/\\.") {
		return nil, apperr.Validation("invalid upload id %q", uploadID)
	}
	if total <= 0 || index < 0 || index >= total {
		return nil, apperr.Validation("chunk index %d out of range for total %d", index, total)
	}
	if len(chunk) == 0 {
		return nil, apperr.Validation("empty chunk %d", index)
	}

	dir := filepath.Join(os.TempDir(), "kira-upload-"+uploadID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	chunkPath := filepath.Join(dir, fmt.Sprintf("chunk-%06d", index))
	if err := os.WriteFile(chunkPath, chunk, 0o600); err != nil {
		return nil, fmt.Errorf("stage chunk %d: %w", index, err)
	}
	if index != total-1 {
		return nil, nil
	}

	// Final chunk: assemble in index order and run the normal path. The
	// staging dir goes away on every exit from here on.
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("Failed to remove upload staging dir", "dir", dir, "error", err)
		}
	}()

	assembled := make([]byte, 0)
	for i := 0; i < total; i++ {
		part, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("chunk-%06d", i)))
		if err != nil {
			return nil, apperr.Validation("upload %s is missing chunk %d", uploadID, i)
		}
		assembled = append(assembled, part...)
	}
	return s.Upload(ctx, tenantID, uploadedBy, title, week, hash, filename, assembled, contentType)
}

func (s *ingestService) Remove(ctx context.Context, tenantID, topicID uuid.UUID) error {
	var objectURL string
	var dropObject bool

	err := s.txr.InTx(ctx, func(tx *gorm.DB) error {
		topic, err := s.topics.Lock(ctx, tx, topicID)
		if err != nil {
			return err
		}
		if topic.TenantID != tenantID {
			return apperr.NotFound(fmt.Errorf("topic %s not found", topicID))
		}
		objectURL = topic.SourceObjectURL
		newCount, err := s.refs.DecRef(ctx, tx, topic.ContentHash)
		if err != nil {
			return err
		}
		dropObject = newCount == 0
		// Questions cascade with the topic row.
		return s.topics.Delete(ctx, tx, topicID)
	})
	if err != nil {
		return err
	}

	if dropObject {
		// Last reference gone; the object itself is removed outside the
		// transaction (a crash here orphans bytes, never rows).
		if _, err := s.bucket.Delete(ctx, objectURL); err != nil {
			s.log.Warn("Failed to delete unreferenced object", "url", objectURL, "error", err)
		}
	}
	return nil
}

func (s *ingestService) ResetTopic(ctx context.Context, tenantID, topicID uuid.UUID, state string) error {
	if types.TopicStateIndex(state) < 0 {
		return apperr.Validation("unknown topic state %q", state)
	}
	return s.txr.InTx(ctx, func(tx *gorm.DB) error {
		topic, err := s.topics.Lock(ctx, tx, topicID)
		if err != nil {
			return err
		}
		if topic.TenantID != tenantID {
			return apperr.NotFound(fmt.Errorf("topic %s not found", topicID))
		}
		return s.topics.ResetState(ctx, tx, topicID, state)
	})
}

func (s *ingestService) ListContents(ctx context.Context, tenantID uuid.UUID) ([]*types.Topic, error) {
	return s.topics.GetByTenant(ctx, nil, tenantID)
}

func (s *ingestService) ListHashes(ctx context.Context) ([]string, error) {
	return s.refs.ListHashes(ctx, nil)
}

func (s *ingestService) notifyUpload(ctx context.Context, uploadedBy string, topic *types.Topic) {
	if uploadedBy == "" || topic == nil {
		return
	}
	s.notifier.Send(ctx, uploadedBy, NotifyUploadOK, map[string]string{
		"title":    topic.Title,
		"week":     strconv.Itoa(topic.WeekNumber),
		"topic_id": topic.ID.String(),
	})
}

func validateIngest(tenantID uuid.UUID, title string, week int, hash string) error {
	if tenantID == uuid.Nil {
		return apperr.Validation("missing tenant")
	}
	if strings.TrimSpace(title) == "" {
		return apperr.Validation("missing title")
	}
	if week <= 0 {
		return apperr.Validation("week number must be positive, got %d", week)
	}
	if strings.TrimSpace(hash) == "" {
		return apperr.Validation("missing content hash")
	}
	return nil
}
