package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"villagecal/pkg/logger"
	"villagecal/pkg/metrics"
	"villagecal/pkg/resilience"
)

// DefaultSignedTTL is how long minted download URLs stay valid.
const DefaultSignedTTL = time.Hour

const (
	putMaxAttempts = 3
	putRetryDelay  = 2 * time.Second
)

// ErrPermanent marks 4xx-class failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent object store error")

// Client is the interface handlers and the status facade consume.
type Client interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	SignedGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Config for the S3-compatible target. Credentials never appear in
// logs; only bucket and endpoint are loggable.
type Config struct {
	Endpoint  string // empty for AWS proper; set for MinIO
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Client wraps an S3-compatible endpoint with bounded Put retries, a
// circuit breaker, and a process-wide upload rate limit.
type S3Client struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	breaker *resilience.Breaker
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewS3Client(ctx context.Context, cfg Config, log *zap.Logger) (*S3Client, error) {
	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	return &S3Client{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		breaker: resilience.NewBreaker("objectstore", resilience.DefaultConfig()),
		// Uploads are multi-hundred-MB PDFs; 4/s is plenty and keeps a
		// burst of renders from saturating the uplink.
		limiter: rate.NewLimiter(rate.Limit(4), 8),
		log:     logger.WithComponent(log, "objectstore").With(zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Put uploads with bounded retries on transient failures. Permanent
// (4xx) failures return ErrPermanent immediately.
func (c *S3Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	var lastErr error
	for attempt := 1; attempt <= putMaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.breaker.Do(func() error {
			_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(c.bucket),
				Key:         aws.String(key),
				Body:        bytes.NewReader(data),
				ContentType: aws.String(contentType),
			})
			return err
		})
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return fmt.Errorf("%w: put %s: %v", ErrPermanent, key, err)
		}
		lastErr = err

		if attempt < putMaxAttempts {
			metrics.UploadRetries.Inc()
			c.log.Warn("transient upload failure, retrying",
				zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(putRetryDelay * time.Duration(attempt)):
			}
		}
	}
	return fmt.Errorf("put %s failed after %d attempts: %w", key, putMaxAttempts, lastErr)
}

// SignedGet mints a presigned download URL.
func (c *S3Client) SignedGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultSignedTTL
	}
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Exists lets the PDF handler short-circuit renders whose fingerprint
// key is already uploaded.
func (c *S3Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	return true, nil
}

// isPermanent classifies S3 errors: 4xx API responses other than
// throttling are not retryable.
func isPermanent(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
		return false
	case "AccessDenied", "NoSuchBucket", "InvalidRequest", "EntityTooLarge", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatusCode()
		return code >= 400 && code < 500 && code != 408 && code != 429
	}
	return false
}
