package artifacts

import (
	"context"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore is the artifact storage backend. The retention tier is applied
// at upload time; lifecycle rules on the bucket act on the tag afterwards.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, retention string) (url string, err error)
	StoredSize(ctx context.Context, key string) (int64, error)
}

// S3Store implements ObjectStore on AWS S3.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	region   string
}

// NewS3Store builds an S3-backed store from the ambient AWS configuration.
func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		region:   region,
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, key string, body io.Reader, retention string) (string, error) {
	tagging := "retention=" + retention
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        body,
		ContentType: strPtr("application/gzip"),
		Tagging:     &tagging,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload of %s failed: %w", key, err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

func (s *S3Store) StoredSize(ctx context.Context, key string) (int64, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return 0, fmt.Errorf("s3 head of %s failed: %w", key, err)
	}
	if head.ContentLength == nil {
		return 0, nil
	}
	return *head.ContentLength, nil
}

func strPtr(s string) *string { return &s }

// NopStore discards uploads. Used when no bucket is configured; builds still
// package and checksum their output, only the durable copy is absent.
type NopStore struct{}

func (NopStore) Upload(ctx context.Context, key string, body io.Reader, retention string) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	return "", nil
}

func (NopStore) StoredSize(ctx context.Context, key string) (int64, error) {
	return 0, fmt.Errorf("no artifact store configured")
}
