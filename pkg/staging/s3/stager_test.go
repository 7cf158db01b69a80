package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/staging"
)

// mockAPIError implements smithy.APIError for testing error code mapping.
type mockAPIError struct {
	code string
}

func (e *mockAPIError) Error() string                 { return e.code + ": mock" }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return "mock" }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

// memoryBucket is an in-memory api keyed by "bucket/key".
type memoryBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryBucket() *memoryBucket {
	return &memoryBucket{objects: make(map[string][]byte)}
}

func (m *memoryBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memoryBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memoryBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := aws.ToString(in.Bucket) + "/"
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, bucket+aws.ToString(in.Prefix)) {
			keys = append(keys, strings.TrimPrefix(k, bucket))
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, (&Config{}).Validate())
	assert.NoError(t, (&Config{AccessKeyID: "a", SecretAccessKey: "b"}).Validate())

	err := (&Config{AccessKeyID: "a"}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be provided together")
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
	assert.Equal(t, "us-west-2", resolveRegion("http://localhost:9000", "us-west-2"))
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{&types.NoSuchKey{}, staging.ErrNotFound},
		{&types.NoSuchBucket{}, staging.ErrNotFound},
		{&mockAPIError{code: "AccessDenied"}, staging.ErrAccessDenied},
		{&mockAPIError{code: "SignatureDoesNotMatch"}, staging.ErrInvalidCredentials},
		{&mockAPIError{code: "SlowDown"}, staging.ErrThrottled},
		{&mockAPIError{code: "ServiceUnavailable"}, staging.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.err), func(t *testing.T) {
			err := wrapError("download", "b", "k", tt.err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "s3://b/k")
		})
	}
}

func TestStager_RoundTrip(t *testing.T) {
	ctx := context.Background()
	bucket := newMemoryBucket()
	s := &Stager{client: bucket, logger: zap.NewNop()}

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("beta"), 0644))

	t.Run("upload directory", func(t *testing.T) {
		require.NoError(t, s.Upload(ctx, src, mustURL(t, "s3://data/results")))
		assert.Equal(t, []byte("alpha"), bucket.objects["data/results/a.txt"])
		assert.Equal(t, []byte("beta"), bucket.objects["data/results/sub/b.txt"])
	})

	t.Run("upload file into prefix", func(t *testing.T) {
		require.NoError(t, s.Upload(ctx, filepath.Join(src, "a.txt"), mustURL(t, "s3://data/single/")))
		assert.Equal(t, []byte("alpha"), bucket.objects["data/single/a.txt"])
	})

	t.Run("download object", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "in", "a.txt")
		require.NoError(t, s.Download(ctx, mustURL(t, "s3://data/results/a.txt"), dst))
		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "alpha", string(got))
	})

	t.Run("download prefix", func(t *testing.T) {
		dst := t.TempDir()
		require.NoError(t, s.Download(ctx, mustURL(t, "s3://data/results"), dst))
		got, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
		require.NoError(t, err)
		assert.Equal(t, "beta", string(got))
	})

	t.Run("download missing", func(t *testing.T) {
		err := s.Download(ctx, mustURL(t, "s3://data/nothing-here"), filepath.Join(t.TempDir(), "x"))
		assert.True(t, staging.IsNotFound(err))
	})

	t.Run("bad reference", func(t *testing.T) {
		err := s.Download(ctx, mustURL(t, "file:///tmp/x"), t.TempDir())
		assert.Error(t, err)
	})
}

func TestStager_Schemes(t *testing.T) {
	r := staging.NewRegistry(&Stager{client: newMemoryBucket()})
	assert.True(t, r.Supports("s3"))
	assert.Equal(t, []string{"file", "s3"}, r.Schemes())
}
