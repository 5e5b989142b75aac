package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds upload attempts. Intervals double after each failure.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy makes three attempts starting with a one second wait
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	return b
}

// UploadRequest describes one local file to place at Key
type UploadRequest struct {
	Path        string
	Key         string
	ContentType string
	Metadata    map[string]string
	// Progress receives cumulative bytes sent in the current attempt
	Progress    func(sent, total int64)
	// OnAttempt is called before every attempt, starting at 1
	OnAttempt   func(attempt int)
}

// Upload streams a local file to the bucket, retrying transient failures.
// The file is reopened for every attempt so a partial read never leaks into
// the next one. Authentication and not-found errors are not retried.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpload, err)
	}
	size := info.Size()

	attempts := 0
	op := func() (*s3manager.UploadOutput, error) {
		attempts++
		if req.OnAttempt != nil {
			req.OnAttempt(attempts)
		}
		out, err := c.uploadOnce(ctx, req, size)
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, backoff.Permanent(ctxErr)
		}
		if !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn(fmt.Sprintf("⚠️  Upload attempt %d/%d for %s failed, retrying in %s: %v",
			attempts, c.cfg.Retry.MaxAttempts, req.Key, wait, err))
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.cfg.Retry.backOff()),
		backoff.WithMaxTries(uint(c.cfg.Retry.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrUpload, attempts, classify(err))
	}

	remoteSize, _, err := c.Stat(ctx, req.Key)
	if err != nil {
		c.discard(ctx, req.Key)
		return nil, fmt.Errorf("%w: verifying s3://%s/%s: %w", ErrUpload, c.cfg.Bucket, req.Key, err)
	}
	if remoteSize != size {
		c.discard(ctx, req.Key)
		return nil, fmt.Errorf("%w: s3://%s/%s has %d bytes, expected %d",
			ErrUpload, c.cfg.Bucket, req.Key, remoteSize, size)
	}

	result := &UploadResult{
		Bucket:   c.cfg.Bucket,
		Key:      req.Key,
		Size:     size,
		Attempts: attempts,
		Location: out.Location,
	}
	if out.ETag != nil {
		result.ETag = trimQuotes(*out.ETag)
	}
	if out.VersionID != nil {
		result.VersionID = *out.VersionID
	}
	return result, nil
}

// discard removes an object that failed verification. Failures are only
// logged; the upload error is what the caller acts on.
func (c *Client) discard(ctx context.Context, key string) {
	if err := c.Delete(context.WithoutCancel(ctx), key); err != nil {
		c.logger.Warn(fmt.Sprintf("⚠️  Failed to remove unverified object s3://%s/%s: %v", c.cfg.Bucket, key, err))
		return
	}
	c.logger.Warn(fmt.Sprintf("🗑️  Removed unverified object s3://%s/%s", c.cfg.Bucket, key))
}

func (c *Client) uploadOnce(ctx context.Context, req UploadRequest, size int64) (*s3manager.UploadOutput, error) {
	file, err := os.Open(req.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reporter := newProgressLogger(c.logger, filepath.Base(req.Path), size, req.Progress)
	input := &s3manager.UploadInput{
		Bucket:   aws.String(c.cfg.Bucket),
		Key:      aws.String(req.Key),
		Body:     &progressReader{r: file, report: reporter.update},
		Metadata: aws.StringMap(req.Metadata),
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}

	return c.uploader.UploadWithContext(ctx, input)
}

// IsRetryable reports whether an upload failure is worth another attempt.
// Server errors, throttling and transport failures are; everything the
// server rejected deliberately is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return false
	}
	if isAuthFailure(err) || isNotFound(err) {
		return false
	}

	status, code := requestStatus(err)
	switch code {
	case request.ErrCodeRequestError, request.ErrCodeResponseTimeout, request.ErrCodeRead,
		"RequestTimeout", "SlowDown", "InternalError", "ServiceUnavailable", "Throttling":
		return true
	}
	if status >= 500 || status == 429 {
		return true
	}
	return status == 0
}

// Download streams key into w, returning the number of bytes written.
func (c *Client) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	out, err := c.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, c.cfg.Bucket, key)
		}
		return 0, classify(err)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, fmt.Errorf("%w: reading s3://%s/%s: %w", ErrStorage, c.cfg.Bucket, key, err)
	}
	return n, nil
}

// DownloadFile writes key to a local path created with mode 0600.
func (c *Client) DownloadFile(ctx context.Context, key, path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	n, err := c.Download(ctx, key, f)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return n, err
	}
	return n, nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

type progressReader struct {
	r      io.Reader
	sent   atomic.Int64
	report func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.report(p.sent.Add(int64(n)))
	}
	return n, err
}
