package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/staging"
)

// api is the subset of the S3 client the stager calls.
type api interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Stager implements staging.Stager for s3:// references.
type Stager struct {
	client api
	logger *zap.Logger
}

var _ staging.Stager = (*Stager)(nil)

// imdsTimeout bounds the instance metadata lookup off EC2.
const imdsTimeout = 2 * time.Second

// New builds a stager from cfg using the AWS SDK default chain.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Stager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &staging.Error{Op: "configure", Ref: "s3", Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	logger.Debug("S3 stager ready", zap.String("region", awsCfg.Region), zap.String("endpoint", cfg.Endpoint))
	return &Stager{client: client, logger: logger}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	sdkRegion := awsCfg.Region
	if sdkRegion == "" && cfg.UseInstanceRegion {
		sdkRegion = instanceRegion(ctx, awsCfg)
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, sdkRegion)
	return awsCfg, nil
}

func instanceRegion(ctx context.Context, awsCfg aws.Config) string {
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()
	out, err := imds.NewFromConfig(awsCfg).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return ""
	}
	return out.Region
}

// resolveRegion applies the fallback once the SDK and instance metadata had
// their chance: AWS gets us-east-1, S3-compatible endpoints get nothing.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

func (s *Stager) Schemes() []string { return []string{"s3"} }

// splitRef returns the bucket and key of an s3:// reference.
func splitRef(u *url.URL) (string, string, error) {
	if u == nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 reference: %v", u)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Download copies the object at src to dst. When src names a prefix every
// object below it is copied, keeping relative paths under dst.
func (s *Stager) Download(ctx context.Context, src *url.URL, dst string) error {
	bucket, key, err := splitRef(src)
	if err != nil {
		return &staging.Error{Op: "download", Ref: src.String(), Err: err}
	}

	if key != "" && !strings.HasSuffix(key, "/") {
		err := s.getObject(ctx, bucket, key, dst)
		if err == nil || !staging.IsNotFound(err) {
			return err
		}
		// fall through: key may be a prefix without trailing slash
	}

	prefix := key
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	keys, err := s.list(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return &staging.Error{Op: "download", Ref: src.String(), Err: staging.ErrNotFound}
	}
	for _, k := range keys {
		rel := strings.TrimPrefix(k, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		if err := s.getObject(ctx, bucket, k, filepath.Join(dst, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stager) getObject(ctx context.Context, bucket, key, dst string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return wrapError("download", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		return wrapError("download", bucket, key, err)
	}
	s.logger.Debug("Downloaded object", zap.String("bucket", bucket), zap.String("key", key), zap.String("dst", dst))
	return f.Close()
}

func (s *Stager) list(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, wrapError("list", bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

// Upload copies the local file or directory src to dst. A directory is
// uploaded below dst's key as a prefix.
func (s *Stager) Upload(ctx context.Context, src string, dst *url.URL) error {
	bucket, key, err := splitRef(dst)
	if err != nil {
		return &staging.Error{Op: "upload", Ref: dst.String(), Err: err}
	}
	info, err := os.Stat(src)
	if err != nil {
		return &staging.Error{Op: "upload", Ref: dst.String(), Err: err}
	}
	if !info.IsDir() {
		if key == "" || strings.HasSuffix(key, "/") {
			key = path.Join(key, filepath.Base(src))
		}
		return s.putObject(ctx, bucket, key, src, info.Size())
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return s.putObject(ctx, bucket, path.Join(key, filepath.ToSlash(rel)), p, fi.Size())
	})
}

func (s *Stager) putObject(ctx context.Context, bucket, key, src string, size int64) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return wrapError("upload", bucket, key, err)
	}
	s.logger.Debug("Uploaded object", zap.String("bucket", bucket), zap.String("key", key))
	return nil
}

// wrapError maps S3 failures onto the staging sentinels.
func wrapError(op, bucket, key string, err error) error {
	wrapped := &staging.Error{Op: op, Ref: "s3://" + bucket + "/" + key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey), errors.As(err, &noSuchBucket):
		wrapped.Err = fmt.Errorf("%w: %w", staging.ErrNotFound, err)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			wrapped.Err = fmt.Errorf("%w: %w", staging.ErrNotFound, err)
		case "AccessDenied", "Forbidden":
			wrapped.Err = fmt.Errorf("%w: %w", staging.ErrAccessDenied, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = fmt.Errorf("%w: %w", staging.ErrInvalidCredentials, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = fmt.Errorf("%w: %w", staging.ErrThrottled, err)
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = fmt.Errorf("%w: %w", staging.ErrUnavailable, err)
		}
	}
	return wrapped
}
