package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"stock-reconciler/internal/config"
	"stock-reconciler/internal/models"
	"stock-reconciler/internal/telemetry"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// SnapshotArchiver writes frozen ERP snapshots to durable storage so a run
// can be audited after its cache row expires. Archiving is best effort;
// callers log failures rather than failing the batch.
type SnapshotArchiver struct {
	uploader uploader
	log      *logrus.Logger
}

// New picks a destination from config: S3 when a bucket is set, local disk
// otherwise.
func New(ctx context.Context, cfg config.Config, log *logrus.Logger) (*SnapshotArchiver, error) {
	if cfg.SnapshotS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &SnapshotArchiver{uploader: &s3Uploader{client: client, bucket: cfg.SnapshotS3Bucket}, log: log}, nil
	}

	baseDir := cfg.SnapshotDir
	if baseDir == "" {
		baseDir = "./snapshots"
	}
	return &SnapshotArchiver{uploader: &localUploader{baseDir: baseDir}, log: log}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.SnapshotS3Region),
	}
	if cfg.SnapshotS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.SnapshotS3Endpoint,
					HostnameImmutable: cfg.SnapshotS3PathStyle,
					SigningRegion:     cfg.SnapshotS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.SnapshotS3PathStyle
	}), nil
}

type snapshotDocument struct {
	BatchID    string                     `json:"batch_id"`
	CacheID    string                     `json:"cache_id"`
	ArchivedAt time.Time                  `json:"archived_at"`
	Records    []models.InventoryRecord   `json:"records"`
	Aliases    map[string]models.SkuAlias `json:"aliases"`
}

// Archive serializes the snapshot and uploads it under snapshots/<batch-id>.json.
func (a *SnapshotArchiver) Archive(ctx context.Context, batchID string, cache models.InventoryCache) error {
	doc := snapshotDocument{
		BatchID:    batchID,
		CacheID:    cache.ID,
		ArchivedAt: time.Now().UTC(),
		Records:    cache.Records,
		Aliases:    cache.Aliases,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		telemetry.SnapshotArchiveErrs.Inc()
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := sanitizeKey(fmt.Sprintf("snapshots/%s.json", batchID))
	location, err := a.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		telemetry.SnapshotArchiveErrs.Inc()
		return fmt.Errorf("upload snapshot: %w", err)
	}

	telemetry.SnapshotArchives.Inc()
	a.log.WithFields(logrus.Fields{
		"batch_id": batchID,
		"location": location,
		"records":  len(cache.Records),
	}).Info("snapshot archived")
	return nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
