// Package s3 stores uploads in an S3-compatible bucket (AWS, MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/dropsync/internal/blobstore"
	"github.com/fruitsalade/dropsync/internal/logging"
	"github.com/fruitsalade/dropsync/internal/metrics"
)

const backendType = "s3"

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string

	// MaxAttempts is the SDK-level attempt count per request; 0 keeps the
	// SDK default.
	MaxAttempts int
}

// Backend implements blobstore.BlobStore using S3/MinIO. A container is a
// key prefix marked by an empty "<name>/" folder object.
type Backend struct {
	client *s3.Client
	bucket string
}

// New creates a new S3 backend. It does not touch the network.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return &Backend{client: client, bucket: cfg.Bucket}, nil
}

// EnsureContainer makes sure the bucket and the folder marker exist and
// returns the key prefix "<name>/".
func (b *Backend) EnsureContainer(ctx context.Context, name string) (string, error) {
	name = strings.Trim(name, "/")
	if name == "" {
		return "", errors.New("s3: empty container name")
	}
	if err := b.ensureBucket(ctx); err != nil {
		return "", err
	}

	prefix := name + "/"
	exists, err := b.objectExists(ctx, prefix)
	if err != nil {
		return "", err
	}
	if exists {
		logging.Debug("found S3 container", zap.String("bucket", b.bucket), zap.String("prefix", prefix))
		return prefix, nil
	}

	start := time.Now()
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(prefix),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String("application/x-directory"),
	})
	metrics.RecordBlobOperation(backendType, "create_container", time.Since(start), err == nil)
	if err != nil {
		return "", classify("create_container", err)
	}

	logging.Info("created S3 container", zap.String("bucket", b.bucket), zap.String("prefix", prefix))
	return prefix, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		metrics.RecordBlobOperation(backendType, "head_bucket", time.Since(start), true)
		return nil
	}
	if !isNotFound(err) {
		metrics.RecordBlobOperation(backendType, "head_bucket", time.Since(start), false)
		return classify("head_bucket", fmt.Errorf("bucket %s: %w", b.bucket, err))
	}

	start = time.Now()
	_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	metrics.RecordBlobOperation(backendType, "create_bucket", time.Since(start), err == nil)
	if err != nil {
		return classify("create_bucket", fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, err))
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

func (b *Backend) objectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		metrics.RecordBlobOperation(backendType, "head_object", time.Since(start), true)
		return true, nil
	}
	if isNotFound(err) {
		metrics.RecordBlobOperation(backendType, "head_object", time.Since(start), true)
		return false, nil
	}
	metrics.RecordBlobOperation(backendType, "head_object", time.Since(start), false)
	return false, classify("head_object", err)
}

// Create uploads body under containerID+name. An existing object is never
// replaced: the name gets a " (n)" suffix instead. The returned remote id
// is the object key.
func (b *Backend) Create(ctx context.Context, containerID, name string, body io.Reader, size int64, mimeType string) (string, error) {
	seeker, _ := body.(io.Seeker)

	for n := 0; n < blobstore.MaxCollisions; n++ {
		key := containerID + blobstore.CandidateName(name, n)
		if n > 0 {
			if seeker == nil {
				return "", blobstore.NewError(blobstore.Transient, "put_object",
					fmt.Errorf("key %s exists and body cannot be rewound", containerID+name))
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return "", blobstore.NewError(blobstore.Transient, "put_object", err)
			}
		}

		start := time.Now()
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			Body:          body,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String(mimeType),
			IfNoneMatch:   aws.String("*"),
		})
		if isPreconditionFailed(err) {
			metrics.RecordBlobOperation(backendType, "put_object", time.Since(start), true)
			logging.Debug("S3 key taken, trying next name", zap.String("key", key))
			continue
		}
		metrics.RecordBlobOperation(backendType, "put_object", time.Since(start), err == nil)
		if err != nil {
			return "", classify("put_object", fmt.Errorf("put object %s: %w", key, err))
		}

		logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
		return key, nil
	}
	return "", blobstore.NewError(blobstore.Quota, "put_object",
		fmt.Errorf("too many objects named like %s", containerID+name))
}

// Type returns "s3".
func (b *Backend) Type() string { return backendType }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }

func statusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	if statusCode(err) == http.StatusNotFound {
		return true
	}
	switch errorCode(err) {
	case "NotFound", "NoSuchBucket", "NoSuchKey":
		return true
	}
	return false
}

func isPreconditionFailed(err error) bool {
	return err != nil && (statusCode(err) == http.StatusPreconditionFailed || errorCode(err) == "PreconditionFailed")
}

// classify maps an SDK error onto a blobstore error kind.
func classify(op string, err error) error {
	switch errorCode(err) {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken", "Forbidden":
		return blobstore.NewError(blobstore.Auth, op, err)
	case "QuotaExceeded", "EntityTooLarge", "TooManyBuckets", "XMinioStorageFull":
		return blobstore.NewError(blobstore.Quota, op, err)
	}
	switch statusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return blobstore.NewError(blobstore.Auth, op, err)
	case http.StatusInsufficientStorage, http.StatusRequestEntityTooLarge:
		return blobstore.NewError(blobstore.Quota, op, err)
	}
	return blobstore.NewError(blobstore.Transient, op, err)
}
