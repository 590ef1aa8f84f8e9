package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/streamdub/streamdub/internal/config"
)

// Content types of published artifacts.
const (
	ContentTypeMPEGTS   = "video/mp2t"
	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	ContentTypeMP4      = "video/mp4"
)

// ObjectClient wraps the S3-compatible object store. One client is
// constructed at startup and shared across tasks.
type ObjectClient struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewObjectClient creates an object-store client from configuration.
func NewObjectClient(ctx context.Context, cfg config.ObjectConfig, logger *slog.Logger) (*ObjectClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("loading object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &ObjectClient{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Download fetches an object's full contents.
func (c *ObjectClient) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("object %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("downloading %s: %w: %v", key, ErrUnavailable, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w: %v", key, ErrUnavailable, err)
	}
	return data, nil
}

// Upload writes an object, overwriting any existing content under the key.
func (c *ObjectClient) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w: %v", key, ErrUnavailable, err)
	}
	return nil
}

// Exists reports whether an object is present.
func (c *ObjectClient) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w: %v", key, ErrUnavailable, err)
	}
	return true, nil
}

// Ping verifies object store reachability. Used by the health endpoint.
func (c *ObjectClient) Ping(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("object store: %w: %v", ErrUnavailable, err)
	}
	return nil
}
