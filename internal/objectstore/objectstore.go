// Package objectstore wraps an S3-compatible bucket for the File Store and
// Cold State Archive. Both components need the same primitives: put, get,
// delete, presigned URLs, and a prefix listing for sweeps.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/coderun/dispatcher/internal/tracing"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// Config describes how to reach an S3-compatible bucket.
type Config struct {
	Endpoint        string // empty for real AWS S3
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Store wraps an *s3.Client bound to one bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds an S3 client from cfg and verifies bucket access.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket name is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("objectstore: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("objectstore: accessing bucket %q: %w", cfg.Bucket, err)
	}

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// NewFromClient wraps an already-constructed client, used by tests and by
// callers that share one client across several Stores with different
// buckets.
func NewFromClient(client *s3.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Put uploads body under key, replacing any existing object.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	ctx, span := tracing.Tracer().Start(ctx, "objectstore.put")
	defer span.End()
	span.SetAttributes(attribute.String("objectstore.key", key), attribute.Int("objectstore.size", len(body)))

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Get downloads and fully drains the object at key, always closing and
// releasing the underlying connection, even on a read error partway through.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracing.Tracer().Start(ctx, "objectstore.get")
	defer span.End()
	span.SetAttributes(attribute.String("objectstore.key", key))

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			span.SetStatus(codes.Error, "not found")
			return nil, ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("objectstore.size", len(data)))
	return data, nil
}

// Stat returns the size of the object at key without downloading its body.
func (s *Store) Stat(ctx context.Context, key string) (size int64, lastModified time.Time, err error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, time.Time{}, ErrNotFound
		}
		return 0, time.Time{}, err
	}
	var sz int64
	if out.ContentLength != nil {
		sz = *out.ContentLength
	}
	var lm time.Time
	if out.LastModified != nil {
		lm = *out.LastModified
	}
	return sz, lm, nil
}

// Delete removes the object at key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

// ObjectInfo describes one entry in a prefix listing.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListPrefix lists every object under prefix, paginating internally.
func (s *Store) ListPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	var continuationToken *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range resp.Contents {
			info := ObjectInfo{}
			if obj.Key != nil {
				info.Key = *obj.Key
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		continuationToken = resp.NextContinuationToken
	}
	return out, nil
}

// PresignPut returns a presigned PUT URL for key, valid for ttl.
func (s *Store) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	presigner := s3.NewPresignClient(s.client)
	req, err := presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// PresignGet returns a presigned GET URL for key, valid for ttl.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	presigner := s3.NewPresignClient(s.client)
	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
