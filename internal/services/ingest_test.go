package services

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/types"
)

func newIngestFixture() (IngestService, *fakeTopicRepo, *fakeContentRefRepo, *fakeBucket, *fakeNotifier) {
	topics := newFakeTopicRepo()
	refs := newFakeContentRefRepo()
	bucket := newFakeBucket()
	notifier := &fakeNotifier{}
	svc := NewIngestService(testLogger(), fakeTxRunner{}, topics, refs, bucket, notifier)
	return svc, topics, refs, bucket, notifier
}

func TestUploadDedupSharesStoredObject(t *testing.T) {
	svc, _, refs, bucket, notifier := newIngestFixture()
	ctx := context.Background()
	data := []byte("identical lecture notes")

	first, err := svc.Upload(ctx, uuid.New(), "t1@school.edu", "Fractions", 2, "hash-1", "notes.pdf", data, "application/pdf")
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := svc.Upload(ctx, uuid.New(), "t2@school.edu", "Fractions again", 4, "hash-1", "notes.pdf", data, "application/pdf")
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}

	if first.SourceObjectURL != second.SourceObjectURL {
		t.Fatalf("topics do not share the object: %q vs %q", first.SourceObjectURL, second.SourceObjectURL)
	}
	if bucket.puts != 1 {
		t.Fatalf("storage received %d writes, want 1", bucket.puts)
	}
	ref, err := refs.GetByHash(ctx, nil, "hash-1")
	if err != nil || ref == nil {
		t.Fatalf("missing content ref: %v", err)
	}
	if ref.Count != 2 {
		t.Fatalf("ref count = %d, want 2", ref.Count)
	}
	if got := notifier.byKind(NotifyUploadOK); len(got) != 2 {
		t.Fatalf("sent %d upload notifications, want 2", len(got))
	}
}

func TestAttachByHashUnknownHash(t *testing.T) {
	svc, _, _, _, _ := newIngestFixture()
	_, err := svc.AttachByHash(context.Background(), uuid.New(), "t@school.edu", "Fractions", 2, "no-such-hash")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRemoveDeletesObjectOnlyAtZeroRefs(t *testing.T) {
	svc, topics, refs, bucket, _ := newIngestFixture()
	ctx := context.Background()
	data := []byte("shared bytes")

	first, err := svc.Upload(ctx, uuid.New(), "t1@school.edu", "A", 1, "hash-z", "a.pdf", data, "application/pdf")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	second, err := svc.AttachByHash(ctx, uuid.New(), "t2@school.edu", "B", 2, "hash-z")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	url := first.SourceObjectURL

	if err := svc.Remove(ctx, first.TenantID, first.ID); err != nil {
		t.Fatalf("remove first: %v", err)
	}
	if !bucket.has(url) {
		t.Fatalf("object removed while still referenced")
	}
	if ref, _ := refs.GetByHash(ctx, nil, "hash-z"); ref == nil || ref.Count != 1 {
		t.Fatalf("ref after first remove = %+v, want count 1", ref)
	}

	if err := svc.Remove(ctx, second.TenantID, second.ID); err != nil {
		t.Fatalf("remove second: %v", err)
	}
	if bucket.has(url) {
		t.Fatalf("object survived the last reference")
	}
	if ref, _ := refs.GetByHash(ctx, nil, "hash-z"); ref != nil {
		t.Fatalf("ref row survived: %+v", ref)
	}
	if topics.get(second.ID) != nil {
		t.Fatalf("topic row survived removal")
	}
}

func TestRemoveScopedToTenant(t *testing.T) {
	svc, topics, refs, bucket, _ := newIngestFixture()
	ctx := context.Background()

	topic, err := svc.Upload(ctx, uuid.New(), "t1@school.edu", "A", 1, "hash-t", "a.pdf", []byte("x"), "application/pdf")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if err := svc.Remove(ctx, uuid.New(), topic.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("cross-tenant remove err = %v, want not found", err)
	}
	if topics.get(topic.ID) == nil {
		t.Fatalf("topic deleted by a different tenant")
	}
	if ref, _ := refs.GetByHash(ctx, nil, "hash-t"); ref == nil || ref.Count != 1 {
		t.Fatalf("ref after rejected remove = %+v, want count 1", ref)
	}
	if !bucket.has(topic.SourceObjectURL) {
		t.Fatalf("object deleted by a different tenant")
	}

	if err := svc.ResetTopic(ctx, uuid.New(), topic.ID, types.TopicStateReadyForGeneration); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("cross-tenant reset err = %v, want not found", err)
	}
}

func TestAttachReusesStoredFilename(t *testing.T) {
	svc, _, _, _, _ := newIngestFixture()
	ctx := context.Background()

	if _, err := svc.Upload(ctx, uuid.New(), "t1@school.edu", "A", 1, "hash-f", "week1-notes.pdf", []byte("x"), "application/pdf"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	attached, err := svc.AttachByHash(ctx, uuid.New(), "t2@school.edu", "B", 2, "hash-f")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if attached.SourceFilename != "week1-notes.pdf" {
		t.Fatalf("filename = %q, want week1-notes.pdf", attached.SourceFilename)
	}
}

func TestUploadChunkAssemblesInIndexOrder(t *testing.T) {
	svc, _, _, bucket, _ := newIngestFixture()
	ctx := context.Background()
	tenant := uuid.New()
	uploadID := "chunked-" + uuid.NewString()
	parts := [][]byte{[]byte("alpha-"), []byte("beta-"), []byte("gamma")}

	for i, part := range parts {
		topic, err := svc.UploadChunk(ctx, tenant, "t@school.edu", uploadID, "Chunked", 5, "hash-c", "big.pdf", i, len(parts), part, "application/pdf")
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if i < len(parts)-1 {
			if topic != nil {
				t.Fatalf("chunk %d returned a topic before assembly", i)
			}
			continue
		}
		if topic == nil {
			t.Fatalf("final chunk did not assemble a topic")
		}
		stored, err := bucket.Get(ctx, topic.SourceObjectURL)
		if err != nil {
			t.Fatalf("read assembled object: %v", err)
		}
		if !bytes.Equal(stored, []byte("alpha-beta-gamma")) {
			t.Fatalf("assembled bytes = %q", stored)
		}
	}

	if _, err := os.Stat(filepath.Join(os.TempDir(), "kira-upload-"+uploadID)); !os.IsNotExist(err) {
		t.Fatalf("staging dir was not cleaned up: %v", err)
	}
}

func TestUploadChunkRejectsMissingChunk(t *testing.T) {
	svc, _, _, _, _ := newIngestFixture()
	ctx := context.Background()
	uploadID := "gappy-" + uuid.NewString()

	// Only the final chunk of three arrives.
	_, err := svc.UploadChunk(ctx, uuid.New(), "t@school.edu", uploadID, "Gappy", 5, "hash-g", "big.pdf", 2, 3, []byte("tail"), "application/pdf")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if _, statErr := os.Stat(filepath.Join(os.TempDir(), "kira-upload-"+uploadID)); !os.IsNotExist(statErr) {
		t.Fatalf("staging dir was not cleaned up after failure")
	}
}

func TestResetTopicBypassesTransitionTable(t *testing.T) {
	svc, topics, _, _, _ := newIngestFixture()
	ctx := context.Background()
	topic := newTestTopic(types.TopicStateGenerationFailed)
	if _, err := topics.Create(ctx, nil, []*types.Topic{topic}); err != nil {
		t.Fatalf("seed topic: %v", err)
	}
	if err := svc.ResetTopic(ctx, topic.TenantID, topic.ID, types.TopicStateReadyForGeneration); err != nil {
		t.Fatalf("ResetTopic: %v", err)
	}
	got := topics.get(topic.ID)
	if got.State != types.TopicStateReadyForGeneration {
		t.Fatalf("state = %s, want %s", got.State, types.TopicStateReadyForGeneration)
	}
	if got.GenAttempts != 0 {
		t.Fatalf("gen attempts = %d, want reset to 0", got.GenAttempts)
	}

	if err := svc.ResetTopic(ctx, topic.TenantID, topic.ID, "NOT_A_STATE"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}
