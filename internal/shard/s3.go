// S3 shard driver.
//
// An S3Shard proxies blob operations to one upstream S3 bucket via the AWS
// SDK for Go v2. Metadata stays in the relay's own store -- the shard handles
// raw bytes only. Credentials resolve via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.) unless a static pair is
// configured, and a custom endpoint enables S3-compatible stores.
package shard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3API defines the subset of the AWS S3 client interface that the shard
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Shard implements the Shard interface against an upstream S3 bucket.
// The shard name is the bucket name unless overridden.
type S3Shard struct {
	name     string
	bucket   string
	capacity int64
	client   S3API
}

// NewS3Shard creates an S3Shard for the given bucket. It initializes the AWS
// SDK client, optionally with static credentials and a custom endpoint, and
// verifies the bucket is accessible before returning.
func NewS3Shard(ctx context.Context, bucket, region, endpoint, accessKey, secretKey, name string, capacityBytes int64) (*S3Shard, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	if name == "" {
		name = bucket
	}
	s := &S3Shard{name: name, bucket: bucket, capacity: capacityBytes, client: client}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("cannot access shard bucket %q: %w", bucket, err)
	}

	slog.Info("S3 shard initialized", "name", name, "bucket", bucket, "region", region)
	return s, nil
}

// NewS3ShardWithClient creates an S3Shard with a pre-configured client.
// Primarily used for testing with mocks.
func NewS3ShardWithClient(bucket, name string, capacityBytes int64, client S3API) *S3Shard {
	if name == "" {
		name = bucket
	}
	return &S3Shard{name: name, bucket: bucket, capacity: capacityBytes, client: client}
}

// Name returns the shard name.
func (s *S3Shard) Name() string {
	return s.name
}

// Put uploads the object to the bucket.
func (s *S3Shard) Put(ctx context.Context, objectID string, reader io.Reader, size int64) (int64, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectID),
		Body:   reader,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return 0, fmt.Errorf("putting object %q to bucket %q: %w", objectID, s.bucket, err)
	}
	return size, nil
}

// Open retrieves the object stream from the bucket.
func (s *S3Shard) Open(ctx context.Context, objectID string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectID),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, ErrObjectNotFound
		}
		return nil, 0, fmt.Errorf("getting object %q from bucket %q: %w", objectID, s.bucket, err)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// Delete removes the object. S3 DeleteObject succeeds on absent keys, so the
// object is checked first to preserve the not-found contract.
func (s *S3Shard) Delete(ctx context.Context, objectID string) error {
	exists, err := s.Exists(ctx, objectID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrObjectNotFound
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectID),
	})
	if err != nil {
		return fmt.Errorf("deleting object %q from bucket %q: %w", objectID, s.bucket, err)
	}
	return nil
}

// Exists checks object presence with a HEAD request.
func (s *S3Shard) Exists(ctx context.Context, objectID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectID),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence %q in bucket %q: %w", objectID, s.bucket, err)
	}
	return true, nil
}

// Stats lists the bucket and sums object sizes.
func (s *S3Shard) Stats(ctx context.Context) (Stats, error) {
	var used int64
	var continuation *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			ContinuationToken: continuation,
		})
		if err != nil {
			return Stats{}, fmt.Errorf("listing bucket %q: %w", s.bucket, err)
		}
		for _, obj := range out.Contents {
			if obj.Size != nil {
				used += *obj.Size
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}
	return Stats{UsedBytes: used, CapacityBytes: s.capacity}, nil
}

// isS3NotFound reports whether the error is an S3 NoSuchKey / NotFound
// API error.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
