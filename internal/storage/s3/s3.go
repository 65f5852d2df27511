// Package s3 archives retired block records to S3-compatible object
// storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"authguard/internal/config"
)

// putObjectAPI is the slice of the S3 API the archiver needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client is a thin S3 client scoped to one bucket and prefix.
type Client struct {
	api    putObjectAPI
	bucket string
	prefix string
	class  types.StorageClass

	objectsUploaded atomic.Int64
	bytesUploaded   atomic.Int64
	uploadErrors    atomic.Int64
}

// NewClient builds a client from the archive configuration. Static
// credentials are used when provided, otherwise the default AWS chain
// (IAM role, env vars) applies.
func NewClient(ctx context.Context, cfg config.ArchiveConfig) (*Client, error) {
	if cfg.Region == "" {
		return nil, errors.New("s3: region is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(3),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Client{
		api:    api,
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		class:  storageClass(cfg.StorageClass),
	}, nil
}

// Upload writes one object under the configured prefix.
func (c *Client) Upload(ctx context.Context, key, contentType string, body io.Reader) error {
	if c.prefix != "" {
		key = c.prefix + "/" + key
	}

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		Body:         body,
		ContentType:  aws.String(contentType),
		StorageClass: c.class,
	})
	if err != nil {
		c.uploadErrors.Add(1)
		return fmt.Errorf("s3: put %s: %w", key, err)
	}

	c.objectsUploaded.Add(1)
	return nil
}

// Metrics returns upload counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ObjectsUploaded: c.objectsUploaded.Load(),
		BytesUploaded:   c.bytesUploaded.Load(),
		UploadErrors:    c.uploadErrors.Load(),
	}
}

func (c *Client) addBytes(n int64) {
	c.bytesUploaded.Add(n)
}

// Metrics holds client statistics.
type Metrics struct {
	ObjectsUploaded int64 `json:"objects_uploaded"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
	UploadErrors    int64 `json:"upload_errors"`
}

func storageClass(name string) types.StorageClass {
	switch strings.ToUpper(name) {
	case "", "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}
