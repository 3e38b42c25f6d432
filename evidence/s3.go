package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"bountyflow/apperr"
	"bountyflow/bounty"
)

// ObjectAPI is the subset of the S3 client the store calls.
type ObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Endpoint points at an S3-compatible service (MinIO, LocalStack).
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
	MaxSize  int64  `yaml:"max_size"`
}

// S3Store keeps blobs under <prefix><hex sha256>.blob.
type S3Store struct {
	api     ObjectAPI
	bucket  string
	prefix  string
	maxSize int64
}

// NewS3Store builds a store from the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("evidence: s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreWithAPI(client, cfg), nil
}

func NewS3StoreWithAPI(api ObjectAPI, cfg S3Config) *S3Store {
	return &S3Store{api: api, bucket: cfg.Bucket, prefix: cfg.Prefix, maxSize: cfg.MaxSize}
}

func (s *S3Store) key(raw string) string {
	return s.prefix + raw + ".blob"
}

func (s *S3Store) Put(ctx context.Context, r io.Reader, contentType string) (bounty.Evidence, error) {
	data, err := readLimited(r, s.maxSize)
	if err != nil {
		return bounty.Evidence{}, err
	}
	hash := Hash(data)
	raw, _ := rawHash(hash)
	key := s.key(raw)
	ev := bounty.Evidence{
		ContentHash: hash,
		URL:         fmt.Sprintf("s3://%s/%s", s.bucket, key),
		Size:        int64(len(data)),
	}

	exists, err := s.head(ctx, key)
	if err != nil {
		return bounty.Evidence{}, err
	}
	if exists {
		return ev, nil
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return bounty.Evidence{}, apperr.Internal(err, "evidence: s3 put %s", key)
	}
	return ev, nil
}

func (s *S3Store) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	return s.head(ctx, s.key(raw))
}

func (s *S3Store) head(ctx context.Context, key string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, apperr.Internal(err, "evidence: s3 head %s", key)
}
