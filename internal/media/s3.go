package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO (e.g., "minio.internal:9000"). Leave empty for AWS S3.
	Endpoint string

	// Bucket name
	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS (default: false for internal MinIO)
	UseSSL bool

	// PathPrefix is prepended to all media keys
	PathPrefix string

	// PresignExpiry bounds download URL lifetime (default 24h)
	PresignExpiry time.Duration
}

// S3Store stores media on S3 or MinIO. Keys are content-addressed by
// SHA-256 so re-uploading identical output is a no-op at the bucket level.
type S3Store struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	bucket        string
	pathPrefix    string
	presignExpiry time.Duration
}

// NewS3Store creates an S3/MinIO-backed media store.
func NewS3Store(cfg *S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1" // MinIO default
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // required for MinIO
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}

	return &S3Store{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
		pathPrefix:    cfg.PathPrefix,
		presignExpiry: expiry,
	}, nil
}

func (s *S3Store) key(checksum, contentType string) string {
	name := checksum + extensionFor(contentType)
	if s.pathPrefix == "" {
		return name
	}
	return s.pathPrefix + "/" + name
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	default:
		return ""
	}
}

// Put uploads the blob and returns a presigned download URL.
func (s *S3Store) Put(ctx context.Context, contentType string, data io.Reader) (string, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read data: %w", err)
	}

	hash := sha256.Sum256(content)
	checksum := hex.EncodeToString(hash[:])

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := s.key(checksum, contentType)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(content))),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.presignExpiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}

	return presigned.URL, nil
}

// Get retrieves a blob previously stored by Put. The URL may be either a
// presigned URL or an s3:// URI; only the key portion matters.
func (s *S3Store) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	key := s.extractKey(url)

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return result.Body, nil
}

func (s *S3Store) Close() error { return nil }

func (s *S3Store) extractKey(url string) string {
	if rest, ok := strings.CutPrefix(url, "s3://"); ok {
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
		return rest
	}
	// Presigned URL: strip scheme, host and query, keep the path after
	// the bucket segment.
	if i := strings.Index(url, "?"); i >= 0 {
		url = url[:i]
	}
	if i := strings.Index(url, "://"); i >= 0 {
		url = url[i+3:]
	}
	parts := strings.SplitN(url, "/", 3)
	if len(parts) == 3 && parts[1] == s.bucket {
		return parts[2]
	}
	if len(parts) >= 2 {
		return parts[len(parts)-1]
	}
	return url
}

// Verify interface compliance
var _ Store = (*S3Store)(nil)
