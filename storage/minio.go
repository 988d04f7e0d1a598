package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tunesync/config"
	"tunesync/logger"
)

// DeadLetterStore archives tasks that exhausted their retries to an object
// bucket, one JSON object per task, keyed by date for easy manual triage.
type DeadLetterStore struct {
	client *minio.Client
	bucket string
}

// NewDeadLetterStore connects to MinIO and ensures the archive bucket exists.
func NewDeadLetterStore(cfg *config.Config) (*DeadLetterStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.MinioBucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.MinioBucket, err)
		}
		logger.Info("created dead-letter bucket", logger.String("bucket", cfg.MinioBucket))
	}

	return &DeadLetterStore{client: client, bucket: cfg.MinioBucket}, nil
}

// Archive writes one dead-lettered payload and returns its object key.
func (s *DeadLetterStore) Archive(ctx context.Context, topic string, payload []byte) (string, error) {
	if topic == "" {
		topic = "unknown"
	}
	key := fmt.Sprintf("dead/%s/%s/%s.json",
		time.Now().UTC().Format("2006-01-02"), topic, uuid.NewString())

	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("failed to archive payload to %s: %w", key, err)
	}
	return key, nil
}
