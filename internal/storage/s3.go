// Package storage ships closed archive files to object storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Uploader copies a local file to remote storage and returns its key.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) (string, error)
}

// PutObjectAPI is the subset of the S3 client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures an S3Uploader.
type S3Options struct {
	Bucket  string
	Prefix  string
	Region  string
	Retries int
	Timeout time.Duration
	// OnFailure is called once per failed attempt.
	OnFailure func()
}

const (
	defaultRetries = 3
	defaultTimeout = 30 * time.Second
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// S3Uploader puts files under <prefix>/<yyyy>/<mm>/<dd>/<name>.
type S3Uploader struct {
	opts   S3Options
	client PutObjectAPI
	logger zerolog.Logger
	now    func() time.Time
}

// NewS3Uploader loads the default AWS credential chain for opts.Region.
func NewS3Uploader(ctx context.Context, opts S3Options, logger zerolog.Logger) (*S3Uploader, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: loading AWS config: %w", err)
	}
	// retries are ours
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
	})
	return NewS3UploaderWithClient(client, opts, logger), nil
}

// NewS3UploaderWithClient uses an existing client.
func NewS3UploaderWithClient(client PutObjectAPI, opts S3Options, logger zerolog.Logger) *S3Uploader {
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &S3Uploader{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "s3-uploader").Logger(),
		now:    time.Now,
	}
}

// Key returns the object key for a file name uploaded at t.
func (u *S3Uploader) Key(name string, t time.Time) string {
	t = t.UTC()
	parts := []string{fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())), fmt.Sprintf("%02d", t.Day()), name}
	if u.opts.Prefix != "" {
		parts = append([]string{u.opts.Prefix}, parts...)
	}
	return path.Join(parts...)
}

// UploadFile reads localPath and puts it with retry and capped exponential
// backoff. It stops early when ctx is done.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath string) (string, error) {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("storage: reading %s: %w", localPath, err)
	}
	name := filepath.Base(localPath)
	key := u.Key(name, u.now())

	var lastErr error
	backoff := initialBackoff
	for attempt := 1; attempt <= u.opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		lastErr = u.put(ctx, key, name, body)
		if lastErr == nil {
			u.logger.Info().Str("key", key).Int("bytes", len(body)).Int("attempt", attempt).Msg("archive uploaded")
			return key, nil
		}
		if u.opts.OnFailure != nil {
			u.opts.OnFailure()
		}
		u.logger.Warn().Err(lastErr).Str("key", key).Int("attempt", attempt).Msg("archive upload failed")

		if attempt == u.opts.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return "", fmt.Errorf("storage: uploading %s after %d attempts: %w", key, u.opts.Retries, lastErr)
}

func (u *S3Uploader) put(ctx context.Context, key, name string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.opts.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType(name)),
	})
	return err
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".gz") {
		return "application/gzip"
	}
	return "application/x-ndjson"
}
