package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

// DefaultRegion is assumed when no region is configured
const DefaultRegion = "us-east-1"

var (
	ErrUpload         = errors.New("upload failed")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrObjectNotFound = errors.New("object not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrStorage        = errors.New("object storage request failed")
)

// Config addresses one bucket on an S3-compatible store. An empty Endpoint
// means the public AWS endpoint for Region.
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	ForcePathStyle bool
	CreateBucket   bool
	Retry          RetryPolicy
	PartSize       int64
}

// UploadResult is the terminal record of a successful upload
type UploadResult struct {
	Bucket    string
	Key       string
	ETag      string
	VersionID string
	Location  string
	Size      int64
	Attempts  int
}

// ObjectInfo describes one listed object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// Client wraps the S3 API calls the backup pipeline needs
type Client struct {
	cfg      Config
	s3       s3iface.S3API
	uploader s3manageriface.UploaderAPI
	logger   *slog.Logger
}

// NewClient builds a client from static credentials. The SDK's own retries
// are disabled; RetryPolicy owns retry decisions.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	awsCfg := &aws.Config{
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle || cfg.Endpoint != ""),
		MaxRetries:       aws.Int(0),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	client := s3.New(sess)
	uploader := s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		}
	})

	return NewClientWithAPI(cfg, client, uploader, logger), nil
}

// NewClientWithAPI builds a client over existing API implementations
func NewClientWithAPI(cfg Config, api s3iface.S3API, uploader s3manageriface.UploaderAPI, logger *slog.Logger) *Client {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, s3: api, uploader: uploader, logger: logger}
}

// Bucket returns the configured bucket name
func (c *Client) Bucket() string {
	return c.cfg.Bucket
}

// EnsureBucket checks that the bucket exists, creating it when configured to.
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.s3.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.cfg.Bucket)})
	if err == nil {
		return nil
	}

	if !isNotFound(err) {
		return classify(err)
	}

	if !c.cfg.CreateBucket {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, c.cfg.Bucket)
	}

	c.logger.Info(fmt.Sprintf("🪣 Creating bucket %s", c.cfg.Bucket))
	input := &s3.CreateBucketInput{Bucket: aws.String(c.cfg.Bucket)}
	if c.cfg.Region != "" && c.cfg.Region != DefaultRegion {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
			LocationConstraint: aws.String(c.cfg.Region),
		}
	}
	if _, err := c.s3.CreateBucketWithContext(ctx, input); err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeBucketAlreadyOwnedByYou {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", c.cfg.Bucket, classify(err))
	}
	return nil
}

// Stat returns the size and ETag of key, or ErrObjectNotFound.
func (c *Client) Stat(ctx context.Context, key string) (int64, string, error) {
	out, err := c.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, "", fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, c.cfg.Bucket, key)
		}
		return 0, "", classify(err)
	}
	return aws.Int64Value(out.ContentLength), strings.Trim(aws.StringValue(out.ETag), `"`), nil
}

// List returns every object under prefix
func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Bucket),
		Prefix: aws.String(prefix),
	}
	err := c.s3.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.StringValue(obj.Key),
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
				ETag:         strings.Trim(aws.StringValue(obj.ETag), `"`),
			})
		}
		return true
	})
	if err != nil {
		return nil, classify(err)
	}
	return objects, nil
}

// Delete removes key. Deleting a missing key is not an error on S3.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func requestStatus(err error) (int, string) {
	var code string
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		code = aerr.Code()
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode(), code
	}
	return 0, code
}

func isNotFound(err error) bool {
	status, code := requestStatus(err)
	switch code {
	case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return status == 404
}

func isAuthFailure(err error) bool {
	status, code := requestStatus(err)
	switch code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken", "NoCredentialProviders":
		return true
	}
	return status == 401 || status == 403
}

// classify maps SDK errors onto the package sentinels
func classify(err error) error {
	switch {
	case isAuthFailure(err):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case isNotFound(err):
		if _, code := requestStatus(err); code == s3.ErrCodeNoSuchBucket {
			return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
		}
		return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	default:
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}
