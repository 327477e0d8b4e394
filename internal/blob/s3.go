package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3Config holds the connection settings for an S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Configured reports whether enough settings are present to reach a bucket.
func (c S3Config) Configured() bool {
	return strings.TrimSpace(c.Bucket) != "" && strings.TrimSpace(c.Region) != ""
}

type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store maps containers onto key prefixes inside a single bucket.
// The bucket is created on first use when it does not exist yet.
type S3Store struct {
	client  s3API
	presign *s3.PresignClient
	bucket  string
	region  string

	mu          sync.Mutex
	bucketReady bool
}

// NewS3Store builds an S3Store from static credentials, falling back to the
// default AWS credential chain when no access key is configured.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("%w: s3 bucket and region are required", ErrNotConfigured)
	}

	options := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := loadDefaultAWSConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	client := newS3ClientFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		region:  cfg.Region,
	}, nil
}

func (s *S3Store) objectKey(container, key string) string {
	return container + "/" + key
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketReady {
		return nil
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		s.bucketReady = true
		return nil
	}
	if !isS3NotFound(err) {
		return translateS3Error(err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return translateS3Error(err)
		}
	}
	s.bucketReady = true
	return nil
}

func (s *S3Store) Get(ctx context.Context, container, key string) (Object, error) {
	if err := validateLocation(container, key); err != nil {
		return Object{}, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return Object{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(container, key)),
	})
	if err != nil {
		return Object{}, translateS3Error(err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, err
	}
	return Object{
		Info: ObjectInfo{
			Key:          key,
			ETag:         NormalizeETag(aws.ToString(out.ETag)),
			ContentType:  aws.ToString(out.ContentType),
			Size:         int64(len(body)),
			Metadata:     copyMetadata(out.Metadata),
			LastModified: aws.ToTime(out.LastModified),
		},
		Body: body,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, container, key string, body []byte, opts PutOptions) (string, error) {
	if err := validateLocation(container, key); err != nil {
		return "", err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(container, key)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata:      copyMetadata(opts.Metadata),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfMatch != "" {
		input.IfMatch = aws.String(`"` + NormalizeETag(opts.IfMatch) + `"`)
	}
	if opts.IfNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", translateS3Error(err)
	}
	return NormalizeETag(aws.ToString(out.ETag)), nil
}

func (s *S3Store) Delete(ctx context.Context, container, key string) error {
	if err := validateLocation(container, key); err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}

	objectKey := s.objectKey(container, key)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		return translateS3Error(err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		return translateS3Error(err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, container string) ([]ObjectInfo, error) {
	if container == "" {
		return nil, ErrInvalidKey
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	prefix := container + "/"
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var infos []ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translateS3Error(err)
		}
		for _, item := range page.Contents {
			objectKey := aws.ToString(item.Key)
			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(objectKey),
			})
			if err != nil {
				if isS3NotFound(err) {
					continue
				}
				return nil, translateS3Error(err)
			}
			infos = append(infos, ObjectInfo{
				Key:          strings.TrimPrefix(objectKey, prefix),
				ETag:         NormalizeETag(aws.ToString(head.ETag)),
				ContentType:  aws.ToString(head.ContentType),
				Size:         aws.ToInt64(item.Size),
				Metadata:     copyMetadata(head.Metadata),
				LastModified: aws.ToTime(item.LastModified),
			})
		}
	}
	return infos, nil
}

// PresignGet returns a time-limited GET URL for the object.
func (s *S3Store) PresignGet(ctx context.Context, container, key string, ttl time.Duration) (string, error) {
	if err := validateLocation(container, key); err != nil {
		return "", err
	}
	if s.presign == nil {
		return "", fmt.Errorf("blob: presigning unavailable")
	}
	request, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(container, key)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}
	return request.URL, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

func translateS3Error(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isS3NotFound(err) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return ErrPreconditionFailed
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied", "InvalidBucketName", "AuthorizationHeaderMalformed":
			return fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		return err
	}
	// Anything without an API error code never reached the service.
	return fmt.Errorf("%w: storage unreachable: %v", ErrNotConfigured, err)
}
