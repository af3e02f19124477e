package blobstorage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// ErrBlobNotFound is returned when a blob key does not exist in the bucket
var ErrBlobNotFound = errors.New("blobstorage: blob not found")

// Config holds S3 blob storage configuration
type Config struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"` // empty for AWS, set for MinIO-compatible stores
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// S3BlobStorage stores message part content in an S3 bucket. Keys are
// content-addressed (SHA-256 of the content) so identical attachments
// deduplicate across users.
type S3BlobStorage struct {
	client  *s3.Client
	bucket  string
	enabled bool
}

// NewS3BlobStorage creates a blob storage client from configuration
func NewS3BlobStorage(cfg Config) (*S3BlobStorage, error) {
	if !cfg.Enabled {
		return &S3BlobStorage{enabled: false}, nil
	}

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob storage bucket cannot be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3BlobStorage{
		client:  client,
		bucket:  cfg.Bucket,
		enabled: true,
	}, nil
}

// IsEnabled reports whether blob storage is configured and usable
func (s *S3BlobStorage) IsEnabled() bool {
	return s != nil && s.enabled
}

// Store uploads content and returns its content-addressed key. Uploading
// the same content twice is a no-op on the second call.
func (s *S3BlobStorage) Store(content string) (string, error) {
	if !s.IsEnabled() {
		return "", fmt.Errorf("blob storage is not enabled")
	}

	sum := sha256.Sum256([]byte(content))
	key := hex.EncodeToString(sum[:])

	// Skip the upload if the object already exists
	_, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return key, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("failed to check blob %s: %w", key, err)
	}

	_, err = s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(content),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store blob %s: %w", key, err)
	}

	return key, nil
}

// Retrieve downloads the content stored under key
func (s *S3BlobStorage) Retrieve(key string) (string, error) {
	if !s.IsEnabled() {
		return "", fmt.Errorf("blob storage is not enabled")
	}

	out, err := s.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", ErrBlobNotFound
		}
		return "", fmt.Errorf("failed to retrieve blob %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read blob %s: %w", key, err)
	}

	return string(data), nil
}

// isNotFound reports whether err is an S3 missing-object error
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
