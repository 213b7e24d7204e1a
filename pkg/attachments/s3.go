package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*s3Store)(nil)

type s3Store struct {
	log     logrus.FieldLogger
	client  *s3.Client
	bucket  string
	prefix  string
	presign *presigner
}

// NewS3Store creates a Store backed by an S3-compatible bucket.
func NewS3Store(log logrus.FieldLogger, cfg *config.S3StorageConfig) Store {
	client := newS3Client(cfg)

	st := &s3Store{
		log:    log.WithField("component", "attachments-s3"),
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}

	if cfg.PresignExpiry > 0 {
		st.presign = newPresigner(s3.NewPresignClient(client), cfg.Bucket, cfg.PresignExpiry)
	}

	return st
}

// objectKey maps a store key onto the bucket, below the configured prefix.
func (s *s3Store) objectKey(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}

	if s.prefix == "" {
		return key, nil
	}

	return s.prefix + "/" + key, nil
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte) error {
	k, err := s.objectKey(key)
	if err != nil {
		return err
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}); err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", s.bucket, k, err)
	}

	s.log.WithField("key", k).Debug("Stored attachment")

	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}

		return nil, fmt.Errorf("getting s3://%s/%s: %w", s.bucket, k, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", s.bucket, k, err)
	}

	return data, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	k, err := s.objectKey(key)
	if err != nil {
		return err
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	}); err != nil && !isS3NotFound(err) {
		return fmt.Errorf("deleting s3://%s/%s: %w", s.bucket, k, err)
	}

	return nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}

func newS3Client(cfg *config.S3StorageConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
