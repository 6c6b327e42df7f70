package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	mu       sync.Mutex
	failures int
	calls    int
	keys     []string
	bodies   [][]byte
	types    []string
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient")
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, aws.ToString(in.Key))
	f.bodies = append(f.bodies, b)
	f.types = append(f.types, aws.ToString(in.ContentType))
	return &s3.PutObjectOutput{}, nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestKey(t *testing.T) {
	u := NewS3UploaderWithClient(&fakePutter{}, S3Options{Bucket: "b", Prefix: "/archive/"}, zerolog.Nop())
	at := time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "archive/2026/03/07/predictions.ndjson.gz", u.Key("predictions.ndjson.gz", at))

	u = NewS3UploaderWithClient(&fakePutter{}, S3Options{Bucket: "b"}, zerolog.Nop())
	assert.Equal(t, "2026/03/07/x.ndjson", u.Key("x.ndjson", at))
}

func TestUploadFile_RetriesThenSucceeds(t *testing.T) {
	fp := &fakePutter{failures: 2}
	failed := 0
	u := NewS3UploaderWithClient(fp, S3Options{Bucket: "b", Prefix: "p", Retries: 3, OnFailure: func() { failed++ }}, zerolog.Nop())
	u.now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }

	path := writeFile(t, "a.ndjson.gz", "payload")
	key, err := u.UploadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "p/2026/01/02/a.ndjson.gz", key)
	assert.Equal(t, 3, fp.calls)
	assert.Equal(t, 2, failed)
	assert.Equal(t, []byte("payload"), fp.bodies[0])
	assert.Equal(t, "application/gzip", fp.types[0])
}

func TestUploadFile_GivesUp(t *testing.T) {
	fp := &fakePutter{failures: 10}
	u := NewS3UploaderWithClient(fp, S3Options{Bucket: "b", Retries: 2}, zerolog.Nop())
	_, err := u.UploadFile(context.Background(), writeFile(t, "a.ndjson", "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, fp.calls)
}

func TestUploadFile_CanceledContext(t *testing.T) {
	fp := &fakePutter{}
	u := NewS3UploaderWithClient(fp, S3Options{Bucket: "b"}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := u.UploadFile(ctx, writeFile(t, "a.ndjson", "x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fp.calls)
}

func TestUploadFile_MissingFile(t *testing.T) {
	u := NewS3UploaderWithClient(&fakePutter{}, S3Options{Bucket: "b"}, zerolog.Nop())
	_, err := u.UploadFile(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(context.Background(), S3Options{}, zerolog.Nop())
	assert.Error(t, err)
}
