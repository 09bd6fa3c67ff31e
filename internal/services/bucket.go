package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
)

// BucketService is the object store adapter. Keys follow
// {prefix}/{tenant}/{week}/{filename}; the canonical URL embeds the key so
// the adapter can always recover it.
type BucketService interface {
	// Put overwrites on key collision; callers rely on this for image
	// replacement.
	Put(ctx context.Context, prefix string, tenant uuid.UUID, week int, filename string, data []byte, contentType string) (string, error)

	// PutKey writes at an exact, already-built key.
	PutKey(ctx context.Context, key string, data []byte, contentType string) (string, error)

	Get(ctx context.Context, rawURL string) ([]byte, error)

	// Delete is idempotent; deleting an absent key returns false without
	// error.
	Delete(ctx context.Context, rawURL string) (bool, error)

	// Presign returns a time-limited read URL. ttl must be positive.
	Presign(ctx context.Context, rawURL string, ttl time.Duration) (string, error)

	KeyForURL(rawURL string) (string, error)
	URLForKey(key string) string
}

type bucketService struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucketName    string
}

func NewBucketService(log *logger.Logger) (BucketService, error) {
	serviceLog := log.With("service", "BucketService")
	bucket := os.Getenv("GCS_BUCKET_NAME")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var GCS_BUCKET_NAME")
	}
	saPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")
	if saPath == "" {
		serviceLog.Warn("GOOGLE_APPLICATION_CREDENTIALS_JSON not set, storage client will rely on ambient credentials")
	}
	ctx := context.Background()
	var stClient *storage.Client
	var err error
	if saPath != "" {
		stClient, err = storage.NewClient(ctx, option.WithCredentialsFile(saPath), option.WithScopes(storage.ScopeReadWrite))
	} else {
		stClient, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &bucketService{
		log:           serviceLog,
		storageClient: stClient,
		bucketName:    bucket,
	}, nil
}

// BuildObjectKey is the single place the key layout is written down.
func BuildObjectKey(prefix string, tenant uuid.UUID, week int, filename string) string {
	return fmt.Sprintf("%s/%s/%d/%s", prefix, tenant, week, filename)
}

// VisualObjectKey is the per-question image key under the visuals prefix.
func VisualObjectKey(tenant uuid.UUID, week int, topicID, questionID uuid.UUID) string {
	return fmt.Sprintf("visuals/%s/%d/t%s/q%s.png", tenant, week, topicID, questionID)
}

func (bs *bucketService) Put(ctx context.Context, prefix string, tenant uuid.UUID, week int, filename string, data []byte, contentType string) (string, error) {
	return bs.PutKey(ctx, BuildObjectKey(prefix, tenant, week, filename), data, contentType)
}

func (bs *bucketService) PutKey(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	w := bs.storageClient.Bucket(bs.bucketName).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", classifyStorageErr(fmt.Errorf("failed to write object %q: %w", key, err))
	}
	if err := w.Close(); err != nil {
		return "", classifyStorageErr(fmt.Errorf("failed to finish object %q: %w", key, err))
	}
	return bs.URLForKey(key), nil
}

func (bs *bucketService) Get(ctx context.Context, rawURL string) ([]byte, error) {
	key, err := bs.KeyForURL(rawURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	rd, err := bs.storageClient.Bucket(bs.bucketName).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, apperr.NotFound(fmt.Errorf("object %q not found: %w", key, err))
		}
		return nil, classifyStorageErr(fmt.Errorf("failed to open object %q: %w", key, err))
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("failed to read object %q: %w", key, err))
	}
	return data, nil
}

func (bs *bucketService) Delete(ctx context.Context, rawURL string) (bool, error) {
	key, err := bs.KeyForURL(rawURL)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err = bs.storageClient.Bucket(bs.bucketName).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, classifyStorageErr(fmt.Errorf("failed to delete object %q: %w", key, err))
	}
	return true, nil
}

func (bs *bucketService) Presign(ctx context.Context, rawURL string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", apperr.Validation("presign ttl must be positive, got %s", ttl)
	}
	key, err := bs.KeyForURL(rawURL)
	if err != nil {
		return "", err
	}
	signed, err := bs.storageClient.Bucket(bs.bucketName).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", classifyStorageErr(fmt.Errorf("failed to sign url for %q: %w", key, err))
	}
	return signed, nil
}

func (bs *bucketService) URLForKey(key string) string {
	return urlForKey(bs.bucketName, key)
}

func (bs *bucketService) KeyForURL(rawURL string) (string, error) {
	return keyForURL(bs.bucketName, rawURL)
}

func urlForKey(bucket, key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, key)
}

func keyForURL(bucket, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", apperr.Validation("invalid object url %q: %v", rawURL, err)
	}
	wantPrefix := "/" + bucket + "/"
	if u.Host != "storage.googleapis.com" || !strings.HasPrefix(u.Path, wantPrefix) {
		return "", apperr.Validation("object url %q does not belong to bucket %q", rawURL, bucket)
	}
	key := strings.TrimPrefix(u.Path, wantPrefix)
	if key == "" {
		return "", apperr.Validation("object url %q has an empty key", rawURL)
	}
	return key, nil
}

func classifyStorageErr(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401 || gerr.Code == 403:
			return apperr.StorageDenied(err)
		case gerr.Code == 404:
			return apperr.NotFound(err)
		}
	}
	return apperr.StorageUnavailable(err)
}
