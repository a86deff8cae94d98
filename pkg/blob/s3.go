package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

// S3Store keeps blobs in an S3 bucket under s3://bucket/prefix/tenant/sha.blob.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store loads the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) Scheme() string { return "s3" }

func (s *S3Store) Put(ctx context.Context, tenantID string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	key := objectKey(s.prefix, tenantID, hex.EncodeToString(sum[:]))
	uri := "s3://" + s.bucket + "/" + key

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return uri, nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("blob: s3 put: %w", err)
	}
	return uri, nil
}

// key returns the object key for uri when it is in tenantID's space of this
// bucket.
func (s *S3Store) key(tenantID, uri string) (string, error) {
	bucket, key, err := splitURI(uri, "s3")
	if err != nil {
		return "", err
	}
	if bucket != s.bucket || !inTenant(s.prefix, tenantID, key) {
		return "", notFound(uri)
	}
	return key, nil
}

func (s *S3Store) Owns(tenantID, uri string) bool {
	_, err := s.key(tenantID, uri)
	return err == nil
}

func (s *S3Store) Get(ctx context.Context, tenantID, uri string) ([]byte, error) {
	key, err := s.key(tenantID, uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, notFound(uri)
		}
		return nil, fmt.Errorf("blob: s3 get %s: %w", uri, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: s3 read %s: %w", uri, err)
	}
	return data, nil
}
