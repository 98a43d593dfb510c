package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"

	"terminal/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API 是 S3Source 用到的客户端子集，便于测试替换
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var _ ArchiveSource = (*S3Source)(nil)

// S3Source fetches <prefix><slug>.zip from a bucket.
type S3Source struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Source(client S3API, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

// NewS3Client builds an S3 client from the storage settings. Static
// credentials are used when both keys are set, otherwise the default chain.
func NewS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (s *S3Source) Name() string { return "s3" }

func (s *S3Source) Key(slug string) string {
	return s.prefix + slug + ".zip"
}

func (s *S3Source) Stat(ctx context.Context, slug string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(slug)),
	})
	if err != nil {
		return 0, s.mapError(slug, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3Source) Open(ctx context.Context, slug string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(slug)),
	})
	if err != nil {
		return nil, s.mapError(slug, err)
	}
	return out.Body, nil
}

func (s *S3Source) mapError(slug string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, s.bucket, s.Key(slug))
	}

	// HeadObject 没有响应体，404 只能从错误码判断
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, s.bucket, s.Key(slug))
		}
	}
	return fmt.Errorf("s3 %s: %w", s.Key(slug), err)
}
