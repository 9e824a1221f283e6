package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lessonplans/ingest/internal/config"
)

// S3 writes objects to a bucket, optionally below a key prefix.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds an S3 client from the default AWS credential chain, or from
// static keys when both are set. A custom endpoint enables path-style
// addressing for S3-compatible stores.
func NewS3(ctx context.Context, cfg config.S3ArchiveConfig) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive S3 bucket is required")
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Store uploads body under prefix/key. Non-seekable bodies are buffered so
// the request can be signed.
func (a *S3) Store(ctx context.Context, key string, body io.Reader) error {
	if _, ok := body.(io.ReadSeeker); !ok {
		buf, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to read archive object %s: %w", key, err)
		}
		body = bytes.NewReader(buf)
	}

	objectKey := strings.TrimPrefix(key, "/")
	if a.prefix != "" {
		objectKey = path.Join(a.prefix, objectKey)
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        body,
		ContentType: aws.String("application/jsonl"),
	})
	if err != nil {
		return fmt.Errorf("failed to put archive object %s: %w", objectKey, err)
	}
	return nil
}
